package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SideEffectJob is a confirmed tool side effect waiting for delivery.
// Payload is the client's confirmed payload, passed through verbatim.
type SideEffectJob struct {
	JobID      string          `json:"job_id"`
	TenantID   string          `json:"tenant_id"`
	Actor      string          `json:"actor"`
	Tool       string          `json:"tool"`
	ToolCallID string          `json:"tool_call_id"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Attempts   int             `json:"attempts"`
}

// Delivery is one outbox entry handed to a worker.
type Delivery struct {
	ID  string
	Job SideEffectJob
}

// DeadLetter is a side effect that will not be delivered.
type DeadLetter struct {
	ID       string
	Job      SideEffectJob
	Reason   string
	FailedAt time.Time
	// Raw holds the original entry when it could not be decoded.
	Raw string
}

// Outbox is the redis stream of confirmed side effects. Entries that fail
// for good move to a dead-letter stream instead of being dropped.
type Outbox struct {
	redis    *redis.Client
	stream   string
	dead     string
	group    string
	consumer string
	block    time.Duration
}

func NewOutbox(rdb *redis.Client, stream, group, consumer string, block time.Duration) *Outbox {
	return &Outbox{
		redis:    rdb,
		stream:   stream,
		dead:     stream + ":dead",
		group:    group,
		consumer: consumer,
		block:    block,
	}
}

func (o *Outbox) EnsureGroup(ctx context.Context) error {
	if o == nil {
		return fmt.Errorf("outbox is nil")
	}
	err := o.redis.XGroupCreateMkStream(ctx, o.stream, o.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create stream group: %w", err)
	}
	return nil
}

func (o *Outbox) Enqueue(ctx context.Context, job SideEffectJob) (string, error) {
	args, err := entry(o.stream, job)
	if err != nil {
		return "", err
	}
	id, err := o.redis.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

// Read claims up to count new entries for this consumer. Entries that cannot
// be decoded are dead-lettered on the spot.
func (o *Outbox) Read(ctx context.Context, count int64) ([]Delivery, error) {
	res, err := o.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    o.group,
		Consumer: o.consumer,
		Streams:  []string{o.stream, ">"},
		Count:    count,
		Block:    o.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	out := make([]Delivery, 0)
	for _, s := range res {
		for _, m := range s.Messages {
			raw := payloadOf(m.Values)
			var job SideEffectJob
			if err := json.Unmarshal([]byte(raw), &job); err != nil {
				if dlErr := o.deadLetterRaw(ctx, m.ID, raw, "undecodable entry"); dlErr != nil {
					return out, dlErr
				}
				continue
			}
			out = append(out, Delivery{ID: m.ID, Job: job})
		}
	}
	return out, nil
}

// Ack removes a delivered entry.
func (o *Outbox) Ack(ctx context.Context, id string) error {
	_, err := o.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		o.settle(ctx, p, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	return nil
}

// Retry puts the job back at the tail with one more attempt counted and
// settles the original entry in the same transaction.
func (o *Outbox) Retry(ctx context.Context, d Delivery) error {
	job := d.Job
	job.Attempts++
	args, err := entry(o.stream, job)
	if err != nil {
		return err
	}
	_, err = o.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.XAdd(ctx, args)
		o.settle(ctx, p, d.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("retry %s: %w", d.ID, err)
	}
	return nil
}

// DeadLetter moves the entry to the dead-letter stream with the reason it
// failed.
func (o *Outbox) DeadLetter(ctx context.Context, d Delivery, reason string) error {
	b, err := json.Marshal(d.Job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return o.deadLetterRaw(ctx, d.ID, string(b), reason)
}

func (o *Outbox) deadLetterRaw(ctx context.Context, id, payload, reason string) error {
	_, err := o.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.XAdd(ctx, &redis.XAddArgs{
			Stream: o.dead,
			Values: map[string]any{
				"payload":   payload,
				"source_id": id,
				"reason":    reason,
				"failed_at": time.Now().UTC().Format(time.RFC3339Nano),
			},
		})
		o.settle(ctx, p, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("dead-letter %s: %w", id, err)
	}
	return nil
}

// DeadLetters lists up to count dead-lettered side effects, oldest first.
func (o *Outbox) DeadLetters(ctx context.Context, count int64) ([]DeadLetter, error) {
	msgs, err := o.redis.XRangeN(ctx, o.dead, "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("xrange: %w", err)
	}
	out := make([]DeadLetter, 0, len(msgs))
	for _, m := range msgs {
		dl := DeadLetter{ID: m.ID, Reason: fmt.Sprint(m.Values["reason"])}
		if at, err := time.Parse(time.RFC3339Nano, fmt.Sprint(m.Values["failed_at"])); err == nil {
			dl.FailedAt = at
		}
		raw := payloadOf(m.Values)
		if err := json.Unmarshal([]byte(raw), &dl.Job); err != nil {
			dl.Raw = raw
		}
		out = append(out, dl)
	}
	return out, nil
}

func (o *Outbox) settle(ctx context.Context, p redis.Pipeliner, id string) {
	p.XAck(ctx, o.stream, o.group, id)
	p.XDel(ctx, o.stream, id)
}

func entry(stream string, job SideEffectJob) (*redis.XAddArgs, error) {
	if strings.TrimSpace(job.JobID) == "" {
		job.JobID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}
	return &redis.XAddArgs{Stream: stream, Values: map[string]any{"payload": payload}}, nil
}

func payloadOf(values map[string]any) string {
	switch v := values["payload"].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	}
	return ""
}
