package relay

import (
	"context"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/cenkalti/backoff/v4"
)

// ConnectionStore is the synchronous persistence contract the async sink
// wraps. internal/database provides the SQLite implementation.
type ConnectionStore interface {
	SaveConnection(ctx context.Context, rec ConnectionRecord) error
	UpdateConnection(ctx context.Context, rec ConnectionRecord) error
	AddConnectionTraffic(ctx context.Context, connectionID string, rxBytes, txBytes, rxPackets, txPackets int64) error
	DeleteConnection(ctx context.Context, connectionID string) error
}

// AsyncConnectionSink adapts a ConnectionStore to the fire-and-forget
// ConnectionSink contract. Writes are handed to bounded worker lanes so the
// data plane never blocks on the database; transient store errors are retried
// with exponential backoff before the write is dropped and logged.
//
// Every write for a given connection lands on the same single-worker lane,
// so a Save and the Delete that follows it cannot reorder even while the
// Save is being retried.
type AsyncConnectionSink struct {
	store   ConnectionStore
	lanes   []pond.Pool
	logger  *slog.Logger
	timeout time.Duration
}

// NewAsyncConnectionSink creates a sink writing to store with the given
// number of worker goroutines.
func NewAsyncConnectionSink(store ConnectionStore, workers int, logger *slog.Logger) *AsyncConnectionSink {
	if workers <= 0 {
		workers = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	lanes := make([]pond.Pool, workers)
	for i := range lanes {
		lanes[i] = pond.NewPool(1, pond.WithQueueSize(4096), pond.WithNonBlocking(true))
	}
	return &AsyncConnectionSink{
		store:   store,
		lanes:   lanes,
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

func (s *AsyncConnectionSink) lane(connectionID string) pond.Pool {
	h := fnv.New32a()
	h.Write([]byte(connectionID))
	return s.lanes[h.Sum32()%uint32(len(s.lanes))]
}

func (s *AsyncConnectionSink) Save(rec ConnectionRecord) {
	s.submit("save", rec.ConnectionID, func(ctx context.Context) error {
		return s.store.SaveConnection(ctx, rec)
	})
}

func (s *AsyncConnectionSink) Update(rec ConnectionRecord) {
	s.submit("update", rec.ConnectionID, func(ctx context.Context) error {
		return s.store.UpdateConnection(ctx, rec)
	})
}

func (s *AsyncConnectionSink) AddTraffic(connectionID string, rxBytes, txBytes, rxPackets, txPackets int64) {
	s.submit("traffic", connectionID, func(ctx context.Context) error {
		return s.store.AddConnectionTraffic(ctx, connectionID, rxBytes, txBytes, rxPackets, txPackets)
	})
}

func (s *AsyncConnectionSink) Delete(connectionID string) {
	s.submit("delete", connectionID, func(ctx context.Context) error {
		return s.store.DeleteConnection(ctx, connectionID)
	})
}

func (s *AsyncConnectionSink) submit(op, connectionID string, fn func(context.Context) error) {
	s.lane(connectionID).Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(50*time.Millisecond),
			backoff.WithMaxInterval(time.Second),
		), 3), ctx)

		if err := backoff.Retry(func() error { return fn(ctx) }, bo); err != nil {
			s.logger.Warn("connection record write dropped",
				"op", op,
				"connection_id", connectionID,
				"error", err)
		}
	})
}

// Close drains pending writes and stops the workers.
func (s *AsyncConnectionSink) Close() {
	for _, lane := range s.lanes {
		lane.StopAndWait()
	}
}
