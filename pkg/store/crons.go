package store

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/dockschedule/dockschedule/pkg/types"
)

// EnabledCrons returns every cron spec the evaluator should schedule
func (c *Client) EnabledCrons(ctx context.Context) []*types.CronSpec {
	var specs []*types.CronSpec
	if !c.FindAll(ctx, CronsCollection, bson.M{"disabled": false}, &specs) {
		return nil
	}
	return specs
}
