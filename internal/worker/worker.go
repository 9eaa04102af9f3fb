package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"vaultchat/internal/metrics"
	"vaultchat/internal/notify"
	"vaultchat/internal/queue"
)

// Outbox is the part of the side-effect outbox the worker consumes.
type Outbox interface {
	EnsureGroup(ctx context.Context) error
	Read(ctx context.Context, count int64) ([]queue.Delivery, error)
	Ack(ctx context.Context, id string) error
	Retry(ctx context.Context, d queue.Delivery) error
	DeadLetter(ctx context.Context, d queue.Delivery, reason string) error
}

// Worker delivers confirmed side effects from the outbox.
type Worker struct {
	queue         Outbox
	sender        notify.Sender
	maxJobRetries int
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Queue         Outbox
	Sender        notify.Sender
	MaxJobRetries int
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	return &Worker{
		queue:         cfg.Queue,
		sender:        cfg.Sender,
		maxJobRetries: cfg.MaxJobRetries,
		logger:        cfg.Logger,
		metrics:       m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			time.Sleep(1 * time.Second)
			continue
		}

		for _, d := range messages {
			w.handle(ctx, log, d)
		}
	}
}

func (w *Worker) handle(ctx context.Context, log zerolog.Logger, d queue.Delivery) {
	job := d.Job
	err := w.sender.Send(ctx, notify.Delivery{
		TenantID:   job.TenantID,
		Tool:       job.Tool,
		ToolCallID: job.ToolCallID,
		Payload:    job.Payload,
	})
	if err == nil {
		w.metrics.SideEffectsSent.WithLabelValues(job.Tool).Inc()
		log.Info().Str("job_id", job.JobID).Str("tenant_id", job.TenantID).Str("tool", job.Tool).Msg("side effect delivered")
		if ackErr := w.queue.Ack(ctx, d.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", d.ID).Msg("failed to ack message")
		}
		return
	}

	w.metrics.SideEffectsFailed.WithLabelValues(job.Tool).Inc()
	log.Error().Err(err).Str("job_id", job.JobID).Str("tool", job.Tool).Int("attempt", job.Attempts).Msg("side effect failed")

	if !errors.Is(err, notify.ErrInvalidPayload) && job.Attempts < w.maxJobRetries {
		if retryErr := w.queue.Retry(ctx, d); retryErr != nil {
			log.Error().Err(retryErr).Str("job_id", job.JobID).Msg("failed to re-enqueue failed job")
		}
		return
	}

	reason := fmt.Sprintf("gave up after %d attempts: %v", job.Attempts+1, err)
	if errors.Is(err, notify.ErrInvalidPayload) {
		reason = "invalid payload: " + err.Error()
	}
	w.metrics.SideEffectsDeadLettered.WithLabelValues(job.Tool).Inc()
	log.Warn().Str("job_id", job.JobID).Str("tenant_id", job.TenantID).Str("tool", job.Tool).Str("reason", reason).Msg("side effect dead-lettered")
	if dlErr := w.queue.DeadLetter(ctx, d, reason); dlErr != nil {
		log.Error().Err(dlErr).Str("msg_id", d.ID).Msg("failed to dead-letter message")
	}
}
