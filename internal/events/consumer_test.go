package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cliprelay/internal/config"
	"github.com/kiranshivaraju/cliprelay/internal/pipeline"
	"github.com/kiranshivaraju/cliprelay/internal/status"
	"github.com/kiranshivaraju/cliprelay/internal/store"
	"github.com/kiranshivaraju/cliprelay/pkg/models"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- helpers ---

type fakeReader struct {
	msgs chan kafka.Message

	mu        sync.Mutex
	committed []int64
	closed    int
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{msgs: make(chan kafka.Message, len(msgs)+1)}
	for _, m := range msgs {
		r.msgs <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
	return nil
}

func (r *fakeReader) Committed() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type fakeHandler struct {
	mu     sync.Mutex
	events []pipeline.WorkerEvent
	errs   []error // returned in order; nil once exhausted
}

func (h *fakeHandler) HandleWorkerEvent(ctx context.Context, ev pipeline.WorkerEvent) (*models.VideoJob, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	if len(h.errs) > 0 {
		err := h.errs[0]
		h.errs = h.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &models.VideoJob{ID: uuid.MustParse(ev.VideoID), ProcessStatus: models.ProcessStatus(ev.Status)}, nil
}

func (h *fakeHandler) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func eventMessage(t *testing.T, offset int64, ev pipeline.WorkerEvent) kafka.Message {
	t.Helper()
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Value: b}
}

func runUntilCommitted(t *testing.T, r *fakeReader, h Handler, n int) *Consumer {
	t.Helper()
	c := NewConsumer(r, h, WithRetryDelay(time.Millisecond))
	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return len(r.Committed()) >= n }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Shutdown(context.Background()))
	return c
}

// --- tests ---

func TestConsumer_AppliesAndCommits(t *testing.T) {
	id := uuid.New()
	r := newFakeReader(
		eventMessage(t, 1, pipeline.WorkerEvent{VideoID: id.String(), Status: "ready", MediaURL: "https://x/out.mp4"}),
	)
	h := &fakeHandler{}

	runUntilCommitted(t, r, h, 1)

	assert.Equal(t, []int64{1}, r.Committed())
	require.Len(t, h.events, 1)
	assert.Equal(t, "https://x/out.mp4", h.events[0].MediaURL)
	assert.Equal(t, 1, r.closed)
}

func TestConsumer_MalformedMessageCommittedWithoutHandling(t *testing.T) {
	id := uuid.New()
	r := newFakeReader(
		kafka.Message{Offset: 1, Value: []byte("{not json")},
		eventMessage(t, 2, pipeline.WorkerEvent{VideoID: id.String(), Status: "failed", Error: "boom"}),
	)
	h := &fakeHandler{}

	runUntilCommitted(t, r, h, 2)

	assert.Equal(t, []int64{1, 2}, r.Committed())
	assert.Equal(t, 1, h.Calls())
}

func TestConsumer_PermanentErrorsCommitted(t *testing.T) {
	for name, err := range map[string]error{
		"invalid transition": &status.TransitionError{From: models.StatusReady, To: models.StatusFailed},
		"validation":         pipeline.ErrValidation,
		"not found":          store.ErrNotFound,
	} {
		t.Run(name, func(t *testing.T) {
			id := uuid.New()
			r := newFakeReader(eventMessage(t, 7, pipeline.WorkerEvent{VideoID: id.String(), Status: "failed", Error: "x"}))
			h := &fakeHandler{errs: []error{err}}

			runUntilCommitted(t, r, h, 1)

			assert.Equal(t, []int64{7}, r.Committed())
			assert.Equal(t, 1, h.Calls(), "permanent failures are not retried")
		})
	}
}

func TestConsumer_TransientErrorRetriedBeforeCommit(t *testing.T) {
	id := uuid.New()
	r := newFakeReader(eventMessage(t, 3, pipeline.WorkerEvent{VideoID: id.String(), Status: "processing"}))
	transient := errors.New("connection reset")
	h := &fakeHandler{errs: []error{transient, transient, nil}}

	runUntilCommitted(t, r, h, 1)

	assert.Equal(t, 3, h.Calls())
	assert.Equal(t, []int64{3}, r.Committed())
}

func TestConsumer_TransientErrorNeverCommittedOnShutdown(t *testing.T) {
	id := uuid.New()
	r := newFakeReader(eventMessage(t, 4, pipeline.WorkerEvent{VideoID: id.String(), Status: "processing"}))
	failing := make([]error, 1000)
	for i := range failing {
		failing[i] = errors.New("database down")
	}
	h := &fakeHandler{errs: failing}

	c := NewConsumer(r, h, WithRetryDelay(time.Millisecond))
	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return h.Calls() >= 2 }, 2*time.Second, time.Millisecond)
	require.NoError(t, c.Shutdown(context.Background()))

	assert.Empty(t, r.Committed())
}

func TestConsumer_StartTwice(t *testing.T) {
	c := NewConsumer(newFakeReader(), &fakeHandler{})
	require.NoError(t, c.Start(context.Background()))
	assert.Error(t, c.Start(context.Background()))
	require.NoError(t, c.Shutdown(context.Background()))
}

func TestConsumer_ShutdownWithoutStartClosesReader(t *testing.T) {
	r := newFakeReader()
	c := NewConsumer(r, &fakeHandler{})
	require.NoError(t, c.Shutdown(context.Background()))
	assert.Equal(t, 1, r.closed)
}

func TestNewReader(t *testing.T) {
	r := NewReader(config.KafkaConfig{Brokers: []string{"localhost:9092"}, GroupID: "cliprelay", Topic: "worker-events"})
	defer r.Close()

	cfg := r.Config()
	assert.Equal(t, "worker-events", cfg.Topic)
	assert.Equal(t, "cliprelay", cfg.GroupID)
}
