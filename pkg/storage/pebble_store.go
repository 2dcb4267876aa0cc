package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"github.com/uhyunpark/orderflow/pkg/events"
	"github.com/uhyunpark/orderflow/pkg/order"
	"github.com/uhyunpark/orderflow/pkg/queue"
	"github.com/uhyunpark/orderflow/pkg/quote"
)

type PebbleStore struct {
	db  *pebble.DB
	log *zap.SugaredLogger

	// seqMu serializes event appends so seq order matches commit order.
	seqMu sync.Mutex
	seq   uint64
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	s := &PebbleStore{db: db, log: zap.NewNop().Sugar()}
	val, closer, err := db.Get(keyEventSeq)
	switch {
	case err == nil:
		s.seq = decodeSeq(val)
		closer.Close()
	case !errors.Is(err, pebble.ErrNotFound):
		db.Close()
		return nil, fmt.Errorf("read event seq: %w", err)
	}
	return s, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) SetLogger(log *zap.SugaredLogger) {
	if log != nil {
		s.log = log
	}
}

// ============================================================================
// Orders
// ============================================================================

func (s *PebbleStore) CreateOrder(_ context.Context, o *order.Order) error {
	key := orderKey(o.ID)
	if _, closer, err := s.db.Get(key); err == nil {
		closer.Close()
		return fmt.Errorf("%w: %s", ErrOrderExists, o.ID)
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("failed to check order: %w", err)
	}
	return s.putJSON(key, o, pebble.Sync)
}

func (s *PebbleStore) GetOrder(_ context.Context, id string) (*order.Order, error) {
	var o order.Order
	found, err := s.getJSON(orderKey(id), &o)
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", order.ErrNotFound, id)
	}
	return &o, nil
}

// UpdateOrder overwrites the record; the owning worker is the only writer.
func (s *PebbleStore) UpdateOrder(_ context.Context, o *order.Order) error {
	return s.putJSON(orderKey(o.ID), o, pebble.Sync)
}

// ============================================================================
// Event log
// ============================================================================

// Append stores e under the next global sequence number. The event and the new
// counter are committed in one batch.
func (s *PebbleStore) Append(_ context.Context, e events.StatusEvent) (events.StatusEvent, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	e.Seq = s.seq + 1
	data, err := json.Marshal(e)
	if err != nil {
		return events.StatusEvent{}, fmt.Errorf("failed to marshal event: %w", err)
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(eventKey(e.OrderID, e.Seq), data, nil); err != nil {
		return events.StatusEvent{}, err
	}
	if err := batch.Set(keyEventSeq, encodeSeq(e.Seq), nil); err != nil {
		return events.StatusEvent{}, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return events.StatusEvent{}, fmt.Errorf("failed to append event: %w", err)
	}
	s.seq = e.Seq
	return e, nil
}

func (s *PebbleStore) Events(_ context.Context, orderID string) ([]events.StatusEvent, error) {
	prefix := eventPrefix(orderID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []events.StatusEvent
	for iter.First(); iter.Valid(); iter.Next() {
		var e events.StatusEvent
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event %s: %w", iter.Key(), err)
		}
		out = append(out, e)
	}
	return out, nil
}

// ============================================================================
// Jobs
// ============================================================================

func (s *PebbleStore) SaveJob(_ context.Context, j queue.Job) error {
	return s.putJSON(jobKey(j.OrderID), j, pebble.Sync)
}

func (s *PebbleStore) DeleteJob(_ context.Context, orderID string) error {
	if err := s.db.Delete(jobKey(orderID), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

func (s *PebbleStore) LoadJobs(_ context.Context) ([]queue.Job, error) {
	prefix := []byte(prefixJob)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var jobs []queue.Job
	for iter.First(); iter.Valid(); iter.Next() {
		var j queue.Job
		if err := json.Unmarshal(iter.Value(), &j); err != nil {
			s.log.Errorw("job_decode_failed", "key", string(iter.Key()), "err", err)
			continue
		}
		jobs = append(jobs, j)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	// keys sort by order id; recovery wants admission order
	sort.SliceStable(jobs, func(i, k int) bool { return jobs[i].EnqueuedAt.Before(jobs[k].EnqueuedAt) })
	return jobs, nil
}

// ============================================================================
// Settlement ledger
// ============================================================================

func (s *PebbleStore) LookupSettlement(_ context.Context, orderID string) (quote.Settlement, bool, error) {
	var st quote.Settlement
	found, err := s.getJSON(settlementKey(orderID), &st)
	if err != nil {
		return quote.Settlement{}, false, fmt.Errorf("failed to get settlement: %w", err)
	}
	return st, found, nil
}

func (s *PebbleStore) RecordSettlement(_ context.Context, orderID string, st quote.Settlement) error {
	return s.putJSON(settlementKey(orderID), st, pebble.Sync)
}

func (s *PebbleStore) putJSON(key []byte, v any, opts *pebble.WriteOptions) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := s.db.Set(key, data, opts); err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}

func (s *PebbleStore) getJSON(key []byte, v any) (bool, error) {
	data, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer closer.Close()
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

var _ Store = (*PebbleStore)(nil)
