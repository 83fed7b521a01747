package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/warp/household-points/points"
)

const (
	outboxBucket       = "outbox"
	DefaultDrainBatch  = 50
	DefaultMaxAttempts = 10
)

// entry is what the outbox stores per event.
type entry struct {
	Message  Message   `json:"message"`
	Attempts int       `json:"attempts"`
	QueuedAt time.Time `json:"queuedAt"`
}

// Outbox persists undelivered events in a bbolt file, oldest first.
type Outbox struct {
	db          *bolt.DB
	maxAttempts int
	logger      *zap.Logger
}

// OpenOutbox opens (or creates) the bbolt file at path.
func OpenOutbox(path string, logger *zap.Logger) (*Outbox, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(outboxBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Outbox{db: db, maxAttempts: DefaultMaxAttempts, logger: logger.Named("outbox")}, nil
}

func (o *Outbox) Close() error {
	return o.db.Close()
}

// Enqueue parks ev until the next drain.
func (o *Outbox) Enqueue(ev points.Event) error {
	return o.put(entry{Message: NewMessage(ev), QueuedAt: time.Now()})
}

func (o *Outbox) put(e entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return o.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(outboxBucket)).Put(entryKey(e), payload)
	})
}

// Size returns the number of parked events.
func (o *Outbox) Size() (int, error) {
	var n int
	err := o.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(outboxBucket)).Stats().KeyN
		return nil
	})
	return n, err
}

func (o *Outbox) batch(limit int) ([]entry, error) {
	var out []entry
	err := o.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(outboxBucket)).Cursor()
		for k, v := c.First(); k != nil && len(out) < limit; k, v = c.Next() {
			var e entry
			if err := json.Unmarshal(v, &e); err != nil {
				o.logger.Warn("skipping corrupt outbox entry", zap.ByteString("key", k), zap.Error(err))
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

func (o *Outbox) remove(e entry) error {
	return o.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(outboxBucket)).Delete(entryKey(e))
	})
}

// Drain re-publishes up to limit parked events to sink, oldest first. It
// stops at the first failure, since the sink is most likely still down.
// Events that exhaust maxAttempts are dropped and logged.
func (o *Outbox) Drain(ctx context.Context, sink points.Sink, limit int) (delivered int, err error) {
	if limit <= 0 {
		limit = DefaultDrainBatch
	}
	entries, err := o.batch(limit)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		if perr := sink.Publish(ctx, e.Message.Event()); perr != nil {
			e.Attempts++
			if e.Attempts >= o.maxAttempts {
				o.logger.Error("dropping undeliverable event",
					zap.String("event_id", e.Message.ID),
					zap.Int("attempts", e.Attempts),
					zap.Error(perr))
				return delivered, o.remove(e)
			}
			if err := o.put(e); err != nil {
				return delivered, err
			}
			return delivered, fmt.Errorf("deliver %s: %w", e.Message.ID, perr)
		}
		if err := o.remove(e); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}

// The key sorts by queue time so cursors walk oldest first. Re-putting an
// entry after a failed attempt keeps its key and position.
func entryKey(e entry) []byte {
	return []byte(fmt.Sprintf("%020d_%s", e.QueuedAt.UnixNano(), e.Message.ID))
}

// =============================================================================
// FALLBACK SINK
// =============================================================================

// FallbackSink publishes to primary and parks the event in the outbox when
// that fails. Publish only returns an error when both fail.
type FallbackSink struct {
	primary points.Sink
	outbox  *Outbox
	logger  *zap.Logger
}

func NewFallbackSink(primary points.Sink, outbox *Outbox, logger *zap.Logger) *FallbackSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FallbackSink{primary: primary, outbox: outbox, logger: logger}
}

func (s *FallbackSink) Publish(ctx context.Context, ev points.Event) error {
	err := s.primary.Publish(ctx, ev)
	if err == nil {
		return nil
	}
	if qerr := s.outbox.Enqueue(ev); qerr != nil {
		return fmt.Errorf("publish failed (%v) and outbox enqueue failed: %w", err, qerr)
	}
	s.logger.Warn("event parked in outbox", zap.String("event_id", ev.ID), zap.Error(err))
	return nil
}

// Flush drains the outbox into the primary sink.
func (s *FallbackSink) Flush(ctx context.Context) (int, error) {
	return s.outbox.Drain(ctx, s.primary, DefaultDrainBatch)
}
