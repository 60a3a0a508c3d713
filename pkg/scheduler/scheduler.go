// Package scheduler runs the control-plane side of the platform: it
// evaluates cron specs once per second, materialises pending job records,
// publishes their IDs through a small publisher pool, serves the control
// API and periodically resends jobs the queue appears to have lost.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dockschedule/dockschedule/pkg/broker"
	"github.com/dockschedule/dockschedule/pkg/config"
	"github.com/dockschedule/dockschedule/pkg/controlapi"
	"github.com/dockschedule/dockschedule/pkg/cron"
	"github.com/dockschedule/dockschedule/pkg/log"
	"github.com/dockschedule/dockschedule/pkg/store"
	"github.com/dockschedule/dockschedule/pkg/types"
)

const (
	// publisherPoolSize is the number of independent store+broker sessions
	// publishing job IDs
	publisherPoolSize = 3
	// publishBacklog absorbs publish bursts while pool members park on
	// broker waits
	publishBacklog = 256
	// tickInterval drives cron evaluation and control message draining
	tickInterval = time.Second
	// redeliveryEvery is how many ticks pass between redelivery scans
	redeliveryEvery = 60
	// maxResendAttempts caps redeliveries per job before it is left alone
	maxResendAttempts = 4
)

// Store is the slice of the document store the scheduler uses
type Store interface {
	InsertJob(ctx context.Context, job *types.JobRecord) bool
	PendingJobs(ctx context.Context) []*types.JobRecord
	LatestCompletedJob(ctx context.Context) *types.JobRecord
	MarkJobResent(ctx context.Context, id string, attempt int, at time.Time) bool
	EnabledCrons(ctx context.Context) []*types.CronSpec
}

// Broker is the slice of the broker client the scheduler uses
type Broker interface {
	Start() error
	Stop() bool
	Send(body []byte, messageID string) bool
}

// member is one publisher pool slot with its own store and broker session
type member struct {
	id     string
	store  Store
	broker Broker
}

// pubRequest is one unit of publisher pool work. insert is false for
// redelivery, where the record already exists.
type pubRequest struct {
	job    *types.JobRecord
	insert bool
}

// Service is one scheduler process
type Service struct {
	cfg     *config.Config
	logger  zerolog.Logger
	members []*member
	eval    *cron.Evaluator
	api     *controlapi.Server
	now     func() time.Time

	pubCh chan pubRequest
	wg    sync.WaitGroup

	closers []func(context.Context)
}

// New wires a scheduler service against the real store and broker
func New(cfg *config.Config) *Service {
	s := &Service{
		cfg:    cfg,
		logger: log.WithComponent("scheduler"),
		now:    time.Now,
		pubCh:  make(chan pubRequest, publishBacklog),
	}
	for i := 0; i < publisherPoolSize; i++ {
		id := shortID(uuid.NewString())
		st := store.NewClient(id, cfg)
		s.members = append(s.members, &member{
			id:     id,
			store:  st,
			broker: broker.NewClient(id, cfg),
		})
		s.closers = append(s.closers, st.Close)
	}
	s.eval = cron.New(s.fireCron)

	apiStore := store.NewClient("control-api", cfg)
	s.api = controlapi.NewServer(cfg, apiStore)
	s.closers = append(s.closers, apiStore.Close)
	return s
}

// Run starts the pool and serves ticks until ctx is cancelled
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info().Int("publishers", len(s.members)).Msg("Starting scheduler")
	for _, m := range s.members {
		if err := m.broker.Start(); err != nil {
			return err
		}
		s.wg.Add(1)
		go s.publishLoop(m)
	}
	if s.api != nil {
		if err := s.api.Start(); err != nil {
			return err
		}
	}
	s.reloadCrons(ctx)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	tick := 0
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-ticker.C:
			s.eval.Tick()
			s.drainControl(ctx)
			tick++
			if tick%redeliveryEvery == 0 {
				s.redeliveryScan(ctx)
			}
		}
	}
}

func (s *Service) shutdown() {
	s.logger.Info().Msg("Stopping scheduler")
	if s.api != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.api.Stop(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Failed to stop control API")
		}
		cancel()
	}
	close(s.pubCh)
	s.wg.Wait()
	for _, m := range s.members {
		m.broker.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, closeStore := range s.closers {
		closeStore(ctx)
	}
}

// publishLoop drains the publish channel on behalf of one pool member, so
// broker waits never stall the tick loop
func (s *Service) publishLoop(m *member) {
	defer s.wg.Done()
	for req := range s.pubCh {
		if req.insert {
			s.publish(context.Background(), m, req.job)
		} else {
			s.resend(m, req.job)
		}
	}
}

// fireCron materialises one job for a due cron spec and hands it to the pool
func (s *Service) fireCron(spec *types.CronSpec) {
	job := types.NewJobFromCron(uuid.NewString(), spec, s.now())
	s.pubCh <- pubRequest{job: job, insert: true}
}

// publish inserts the pending record first, then sends the bare job ID.
// A failed confirm is not fatal: the record stays pending and the
// redelivery scan picks it up.
func (s *Service) publish(ctx context.Context, m *member, job *types.JobRecord) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.InitPending(s.now())
	if !m.store.InsertJob(ctx, job) {
		s.logger.Error().Str("job_id", shortID(job.ID)).Str("name", job.Name).
			Msg("Failed to insert job record, not publishing")
		return
	}
	if !m.broker.Send([]byte(job.ID), job.ID) {
		s.logger.Error().Str("job_id", shortID(job.ID)).Str("name", job.Name).
			Msg("Publish unconfirmed, leaving job for redelivery scan")
		return
	}
	s.logger.Info().Str("job_id", shortID(job.ID)).Str("name", job.Name).Msg("Published job")
}

// resend re-publishes an existing pending record's ID
func (s *Service) resend(m *member, job *types.JobRecord) {
	if !m.broker.Send([]byte(job.ID), job.ID) {
		s.logger.Error().Str("job_id", shortID(job.ID)).Msg("Failed to resend job")
		return
	}
	s.logger.Info().Str("job_id", shortID(job.ID)).Int("attempt", job.ResendAttempt).Msg("Resent pending job")
}

// drainControl handles every queued control message without blocking. Any
// number of job_update messages collapse into a single reload.
func (s *Service) drainControl(ctx context.Context) {
	if s.api == nil {
		return
	}
	reload := false
	for {
		select {
		case msg := <-s.api.Messages():
			switch msg.Kind {
			case controlapi.MsgRunJob:
				s.pubCh <- pubRequest{job: msg.Job, insert: true}
			case controlapi.MsgJobUpdate:
				reload = true
			}
		default:
			if reload {
				s.reloadCrons(ctx)
			}
			return
		}
	}
}

// reloadCrons replaces the evaluator schedule with the enabled specs
func (s *Service) reloadCrons(ctx context.Context) {
	specs := s.members[0].store.EnabledCrons(ctx)
	s.eval.Reload(specs)
	s.logger.Info().Int("crons", len(specs)).Msg("Reloaded cron specs")
}

// redeliveryScan resends pending jobs scheduled before the completion
// watermark. Each pass bumps the attempt counter and waits attempt whole
// minutes since the last resend before trying again; after the attempt cap
// the job is left for operators.
func (s *Service) redeliveryScan(ctx context.Context) {
	st := s.members[0].store
	latest := st.LatestCompletedJob(ctx)
	if latest == nil {
		return
	}
	watermark := latest.Scheduled
	now := s.now()
	for _, job := range st.PendingJobs(ctx) {
		if !job.Scheduled.Before(watermark) {
			continue
		}
		attempt := job.ResendAttempt + 1
		if attempt >= maxResendAttempts {
			s.logger.Error().Str("job_id", shortID(job.ID)).Str("name", job.Name).
				Int("attempts", job.ResendAttempt).Msg("Job still pending after final resend")
			continue
		}
		if now.Sub(job.Resent) < time.Duration(attempt)*time.Minute {
			continue
		}
		if !st.MarkJobResent(ctx, job.ID, attempt, now) {
			continue
		}
		job.ResendAttempt = attempt
		job.Resent = now
		s.pubCh <- pubRequest{job: job, insert: false}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
