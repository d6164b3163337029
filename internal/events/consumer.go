// Package events consumes worker completion reports from Kafka and applies
// them to video jobs.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kiranshivaraju/cliprelay/internal/config"
	"github.com/kiranshivaraju/cliprelay/internal/pipeline"
	"github.com/kiranshivaraju/cliprelay/internal/status"
	"github.com/kiranshivaraju/cliprelay/internal/store"
	"github.com/kiranshivaraju/cliprelay/pkg/models"
	"github.com/segmentio/kafka-go"
)

const (
	defaultCommitTimeout  = 5 * time.Second
	defaultProcessTimeout = 30 * time.Second
	minRetryDelay         = 500 * time.Millisecond
	maxRetryDelay         = 30 * time.Second
)

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Handler applies one decoded worker event.
type Handler interface {
	HandleWorkerEvent(ctx context.Context, ev pipeline.WorkerEvent) (*models.VideoJob, error)
}

// NewReader creates a consumer-group reader for the worker events topic.
func NewReader(cfg config.KafkaConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

// Consumer reads messages one at a time and commits each only once it has
// been applied or judged unrecoverable. Messages that fail for other
// reasons are retried in place, so nothing behind them is committed.
type Consumer struct {
	reader  MessageReader
	handler Handler

	commitTimeout  time.Duration
	processTimeout time.Duration
	retryDelay     time.Duration

	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool
	once    sync.Once
}

// Option configures a Consumer.
type Option func(*Consumer)

func WithRetryDelay(d time.Duration) Option {
	return func(c *Consumer) { c.retryDelay = d }
}

func NewConsumer(r MessageReader, h Handler, opts ...Option) *Consumer {
	c := &Consumer{
		reader:         r,
		handler:        h,
		commitTimeout:  defaultCommitTimeout,
		processTimeout: defaultProcessTimeout,
		retryDelay:     minRetryDelay,
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the consume loop. It returns an error if already started.
func (c *Consumer) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("worker event consumer already started")
	}

	ctx, c.cancel = context.WithCancel(ctx)
	go func() {
		defer close(c.done)
		c.run(ctx)
	}()
	return nil
}

// Shutdown stops the loop, waits for the in-flight message and closes the
// reader.
func (c *Consumer) Shutdown(ctx context.Context) error {
	if !c.started.Load() {
		return c.closeReader()
	}
	c.cancel()

	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.closeReader()
}

func (c *Consumer) closeReader() error {
	var err error
	c.once.Do(func() { err = c.reader.Close() })
	return err
}

func (c *Consumer) run(ctx context.Context) {
	slog.Info("worker event consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("worker event consumer stopped")
				return
			}
			slog.Error("fetch worker event", "error", err)
			if !c.sleep(ctx, c.retryDelay) {
				return
			}
			continue
		}

		if !c.process(ctx, msg) {
			return
		}

		commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.commitTimeout)
		if err := c.reader.CommitMessages(commitCtx, msg); err != nil {
			slog.Error("commit worker event", "offset", msg.Offset, "partition", msg.Partition, "error", err)
		}
		cancel()
	}
}

// process applies msg, retrying transient failures until it succeeds or ctx
// ends. It reports whether the message may be committed.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) bool {
	delay := c.retryDelay
	for {
		err := c.apply(ctx, msg)
		if err == nil {
			return true
		}
		if permanent(err) {
			slog.Warn("dropping worker event",
				"offset", msg.Offset,
				"partition", msg.Partition,
				"error", err,
			)
			return true
		}

		slog.Error("apply worker event, will retry",
			"offset", msg.Offset,
			"retry_in", delay.String(),
			"error", err,
		)
		if !c.sleep(ctx, delay) {
			return false
		}
		delay *= 2
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
}

func (c *Consumer) apply(ctx context.Context, msg kafka.Message) error {
	var ev pipeline.WorkerEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return fmt.Errorf("%w: decode event: %v", pipeline.ErrValidation, err)
	}

	processCtx, cancel := context.WithTimeout(ctx, c.processTimeout)
	defer cancel()

	job, err := c.handler.HandleWorkerEvent(processCtx, ev)
	if err != nil {
		return err
	}
	slog.Debug("worker event applied", "video_id", job.ID, "status", job.ProcessStatus)
	return nil
}

// permanent errors cannot succeed on redelivery.
func permanent(err error) bool {
	return errors.Is(err, pipeline.ErrValidation) ||
		errors.Is(err, status.ErrInvalidTransition) ||
		errors.Is(err, status.ErrInvalidExtra) ||
		errors.Is(err, store.ErrNotFound)
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
