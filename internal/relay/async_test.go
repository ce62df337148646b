package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory ConnectionStore that can fail the first N calls.
type memStore struct {
	mu        sync.Mutex
	failFirst int
	calls     int
	saved     map[string]ConnectionRecord
	traffic   map[string][4]int64
}

func newMemStore(failFirst int) *memStore {
	return &memStore{
		failFirst: failFirst,
		saved:     make(map[string]ConnectionRecord),
		traffic:   make(map[string][4]int64),
	}
}

func (m *memStore) maybeFail() error {
	m.calls++
	if m.calls <= m.failFirst {
		return errors.New("transient store failure")
	}
	return nil
}

func (m *memStore) SaveConnection(_ context.Context, rec ConnectionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.maybeFail(); err != nil {
		return err
	}
	m.saved[rec.ConnectionID] = rec
	return nil
}

func (m *memStore) UpdateConnection(_ context.Context, rec ConnectionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.maybeFail(); err != nil {
		return err
	}
	m.saved[rec.ConnectionID] = rec
	return nil
}

func (m *memStore) AddConnectionTraffic(_ context.Context, id string, rx, tx, rxp, txp int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.maybeFail(); err != nil {
		return err
	}
	t := m.traffic[id]
	t[0] += rx
	t[1] += tx
	t[2] += rxp
	t[3] += txp
	m.traffic[id] = t
	return nil
}

func (m *memStore) DeleteConnection(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.maybeFail(); err != nil {
		return err
	}
	delete(m.saved, id)
	return nil
}

func (m *memStore) savedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saved)
}

func TestAsyncConnectionSink_WritesThrough(t *testing.T) {
	store := newMemStore(0)
	sink := NewAsyncConnectionSink(store, 2, slog.Default())

	sink.Save(ConnectionRecord{ConnectionID: "c1", Status: StatusConnected})
	sink.AddTraffic("c1", 10, 20, 1, 2)
	sink.Close()

	require.Equal(t, 1, store.savedCount())
	assert.Equal(t, [4]int64{10, 20, 1, 2}, store.traffic["c1"])
}

func TestAsyncConnectionSink_RetriesTransientFailures(t *testing.T) {
	store := newMemStore(2)
	sink := NewAsyncConnectionSink(store, 1, slog.Default())

	sink.Save(ConnectionRecord{ConnectionID: "c1"})
	require.Eventually(t, func() bool { return store.savedCount() == 1 },
		3*time.Second, 10*time.Millisecond, "save must survive two transient failures")
	sink.Close()
}

func TestAsyncConnectionSink_DeleteRemovesRecord(t *testing.T) {
	store := newMemStore(0)
	sink := NewAsyncConnectionSink(store, 1, slog.Default())

	sink.Save(ConnectionRecord{ConnectionID: "c1"})
	sink.Delete("c1")
	sink.Close()

	assert.Equal(t, 0, store.savedCount())
}

func TestAsyncConnectionSink_SaveDeleteKeepOrderAcrossWorkers(t *testing.T) {
	// The save fails twice and is retried on its lane; the delete for the
	// same connection must still run after it, even with several workers.
	// A nil logger falls back to the default.
	store := newMemStore(2)
	sink := NewAsyncConnectionSink(store, 4, nil)

	sink.Save(ConnectionRecord{ConnectionID: "c1", Status: StatusConnected})
	sink.Delete("c1")
	sink.Close()

	assert.Equal(t, 0, store.savedCount(), "delete must not be overtaken by a retried save")
}

func TestAsyncConnectionSink_NeverBlocksCaller(t *testing.T) {
	store := newMemStore(0)
	sink := NewAsyncConnectionSink(store, 1, slog.Default())
	defer sink.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			sink.AddTraffic("c1", 1, 0, 1, 0)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("submission blocked the caller")
	}
}
