package observability_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tensorzero/inference-gateway/internal/observability"
)

type fakeWriter struct {
	mu    sync.Mutex
	rows  map[string]int
	delay time.Duration
}

func newFakeWriter() *fakeWriter { return &fakeWriter{rows: make(map[string]int)} }

func (w *fakeWriter) WriteBatch(ctx context.Context, table string, rows []any) error {
	if w.delay > 0 {
		time.Sleep(w.delay)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rows[table] += len(rows)
	return nil
}

func (w *fakeWriter) count(table string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rows[table]
}

func TestEnqueueIsFlushedEventually(t *testing.T) {
	w := newFakeWriter()
	s := observability.New(w, observability.Config{FlushInterval: 10 * time.Millisecond}, zap.NewNop())
	defer s.Shutdown(context.Background())

	s.Enqueue("ChatInference", map[string]any{"a": 1})
	s.Enqueue("ChatInference", map[string]any{"a": 2})

	require.Eventually(t, func() bool { return w.count("ChatInference") == 2 }, time.Second, 5*time.Millisecond)
}

func TestShutdownDrainsQueue(t *testing.T) {
	w := newFakeWriter()
	s := observability.New(w, observability.Config{FlushInterval: time.Hour, BatchMaxRows: 1000}, zap.NewNop())

	for i := 0; i < 50; i++ {
		s.Enqueue("ModelInference", map[string]any{"i": i})
	}

	// The flush ticker is effectively disabled (one hour); only
	// Shutdown's drain should be responsible for writing these rows.
	err := s.Shutdown(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 50, w.count("ModelInference"))
}

func TestShutdownIsIdempotent(t *testing.T) {
	w := newFakeWriter()
	s := observability.New(w, observability.Config{}, zap.NewNop())
	s.Enqueue("ChatInference", map[string]any{"a": 1})

	require.NoError(t, s.Shutdown(context.Background()))
	require.NoError(t, s.Shutdown(context.Background()), "a second Shutdown call must be a harmless no-op")
}

