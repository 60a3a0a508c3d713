// Package worker runs the execution side of the platform: a small pool of
// consumers pulls job IDs off the queue, loads each record from the store,
// executes it through the runner and writes the completed record back.
// Redeliveries of already-claimed jobs are acknowledged and dropped, which
// turns at-least-once delivery into effectively-once execution.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/dockschedule/dockschedule/pkg/broker"
	"github.com/dockschedule/dockschedule/pkg/config"
	"github.com/dockschedule/dockschedule/pkg/log"
	"github.com/dockschedule/dockschedule/pkg/runner"
	"github.com/dockschedule/dockschedule/pkg/store"
	"github.com/dockschedule/dockschedule/pkg/types"
)

const (
	// workerPoolSize is the number of independent consumer sessions
	workerPoolSize = 3
	// drainTimeout bounds the wait for in-flight jobs at shutdown. Jobs
	// still running after it are left to finish; their records complete
	// normally if the process survives long enough.
	drainTimeout = time.Second
)

// Store is the slice of the document store the worker uses
type Store interface {
	GetJob(ctx context.Context, id string) *types.JobRecord
	MarkJobRunning(ctx context.Context, id string, start time.Time) bool
	SaveJob(ctx context.Context, job *types.JobRecord) bool
}

// Broker is the slice of the broker client the worker uses
type Broker interface {
	Start() error
	Stop() bool
	Consume(handler broker.DeliveryHandler) error
}

// JobRunner executes one job and reports its outcome
type JobRunner interface {
	Run(ctx context.Context, job *types.JobRecord) (*runner.Result, error)
}

// member is one consumer slot with its own store and broker session
type member struct {
	id     string
	store  Store
	broker Broker
}

// Service is one worker process
type Service struct {
	cfg     *config.Config
	logger  zerolog.Logger
	members []*member
	runner  JobRunner
	now     func() time.Time

	inflight sync.WaitGroup
	closers  []func(context.Context)
}

// New wires a worker service against the real store, broker and runner
func New(cfg *config.Config) *Service {
	s := &Service{
		cfg:    cfg,
		logger: log.WithComponent("worker"),
		runner: runner.New(cfg),
		now:    time.Now,
	}
	for i := 0; i < workerPoolSize; i++ {
		id := shortID(uuid.NewString())
		st := store.NewClient(id, cfg)
		s.members = append(s.members, &member{
			id:     id,
			store:  st,
			broker: broker.NewClient(id, cfg),
		})
		s.closers = append(s.closers, st.Close)
	}
	return s
}

// Run starts every consumer and blocks until ctx is cancelled
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info().Int("workers", len(s.members)).Msg("Starting worker pool")
	for _, m := range s.members {
		if err := m.broker.Start(); err != nil {
			return err
		}
		m := m
		if err := m.broker.Consume(func(d amqp.Delivery) {
			s.handle(m, d)
		}); err != nil {
			return err
		}
	}

	<-ctx.Done()
	s.shutdown()
	return nil
}

func (s *Service) shutdown() {
	s.logger.Info().Msg("Stopping worker pool")
	for _, m := range s.members {
		m.broker.Stop()
	}
	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		s.logger.Error().Msg("Timeout waiting for in-flight jobs")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, closeStore := range s.closers {
		closeStore(ctx)
	}
}

// handle processes one delivery. The body is a bare job ID; everything else
// comes from the store. Every path acknowledges the delivery: unknown IDs
// are tombstones and non-pending records are duplicate deliveries, both
// dropped without execution.
func (s *Service) handle(m *member, d amqp.Delivery) {
	s.inflight.Add(1)
	defer s.inflight.Done()

	id := string(d.Body)
	logger := log.WithJobID(shortID(id)).With().Str("worker_id", m.id).Logger()
	ctx := context.Background()

	job := m.store.GetJob(ctx, id)
	if job == nil {
		logger.Error().Msg("No record for delivered job ID, dropping")
		s.ack(d, logger)
		return
	}
	if job.State != types.JobStatePending {
		logger.Info().Str("state", string(job.State)).Msg("Job already claimed, dropping duplicate delivery")
		s.ack(d, logger)
		return
	}

	start := s.now()
	if !m.store.MarkJobRunning(ctx, id, start) {
		// lost the claim to another worker between load and update
		logger.Info().Msg("Job claimed elsewhere, dropping duplicate delivery")
		s.ack(d, logger)
		return
	}
	logger.Info().Str("name", job.Name).Msg("Running job")

	if !types.KnownKind(job.Kind) {
		if kind, ok := runner.InferKind(job.RunTarget); ok {
			job.Kind = kind
		}
	}

	res, err := s.runner.Run(ctx, job)
	job.State = types.JobStateCompleted
	job.Start = start
	job.End = s.now()
	ok := false
	if err != nil {
		logger.Error().Err(err).Msg("Failed to execute job")
		job.Errors = append(job.Errors, err.Error())
	} else {
		ok = res.Succeeded()
		job.Tasks = res.Tasks
		job.Errors = append(job.Errors, res.Errors...)
	}
	job.Result = &ok

	if !m.store.SaveJob(ctx, job) {
		logger.Error().Msg("Failed to save completed job record")
	}
	s.ack(d, logger)
	logger.Info().Bool("result", ok).Dur("duration", job.End.Sub(job.Start)).Msg("Job completed")
}

func (s *Service) ack(d amqp.Delivery, logger zerolog.Logger) {
	if err := d.Ack(false); err != nil {
		logger.Error().Err(err).Msg("Failed to acknowledge delivery")
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
