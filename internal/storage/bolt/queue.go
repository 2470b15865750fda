package bolt

import (
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/epochdist/internal/queue"
	"github.com/snehjoshi/epochdist/internal/storage"
	"github.com/snehjoshi/epochdist/internal/types"
)

// Queue is a durable FIFO stored under queues/<name> in the provider's
// database. Ordering comes from the items bucket's NextSequence keys.
type Queue struct {
	name string
	p    *Provider
}

var (
	_ queue.Queue           = (*Queue)(nil)
	_ queue.AttemptRecorder = (*Queue)(nil)
)

func (q *Queue) Name() string { return q.name }

// Add appends item unless an item with the same id is already queued.
func (q *Queue) Add(item types.QueueItem) error {
	err := q.p.update(func(tx *bbolt.Tx) error {
		items, ids, err := q.buckets(tx)
		if err != nil {
			return err
		}
		if ids.Get([]byte(item.ID)) != nil {
			return nil
		}
		seq, err := items.NextSequence()
		if err != nil {
			return err
		}
		val, err := storage.EncodeEntry(types.QueueEntry{
			Item:   item,
			Status: types.QueueItemStatus{Entered: q.p.clock.Now()},
		})
		if err != nil {
			return err
		}
		key := seqKey(seq)
		if err := items.Put(key, val); err != nil {
			return err
		}
		return ids.Put([]byte(item.ID), key)
	})
	return q.wrap("add", err)
}

func (q *Queue) Remove(itemID string) (*types.QueueItem, error) {
	var out *types.QueueItem
	err := q.p.update(func(tx *bbolt.Tx) error {
		items, ids, err := q.buckets(tx)
		if err != nil {
			return err
		}
		key := ids.Get([]byte(itemID))
		if key == nil {
			return nil
		}
		key = append([]byte(nil), key...)
		if v := items.Get(key); v != nil {
			e, err := storage.DecodeEntry(v)
			if err != nil {
				return err
			}
			out = &e.Item
		}
		if err := items.Delete(key); err != nil {
			return err
		}
		return ids.Delete([]byte(itemID))
	})
	if err != nil {
		return nil, q.wrap("remove", err)
	}
	return out, nil
}

func (q *Queue) Entry(itemID string) (*types.QueueEntry, error) {
	var out *types.QueueEntry
	err := q.p.view(func(tx *bbolt.Tx) error {
		items, ids, err := q.buckets(tx)
		if err != nil {
			return err
		}
		key := ids.Get([]byte(itemID))
		if key == nil {
			return nil
		}
		v := items.Get(key)
		if v == nil {
			return fmt.Errorf("dangling id %s: %w", itemID, storage.ErrCorrupted)
		}
		out, err = q.decode(v)
		return err
	})
	if err != nil {
		return nil, q.wrap("entry", err)
	}
	return out, nil
}

func (q *Queue) Head() (*types.QueueEntry, error) {
	var out *types.QueueEntry
	err := q.p.view(func(tx *bbolt.Tx) error {
		var err error
		out, err = q.headTx(tx)
		return err
	})
	if err != nil {
		return nil, q.wrap("head", err)
	}
	return out, nil
}

// Status counts the items bucket's keys, which walks its pages. Callers on a
// hot path should go through a queue.CachingQueue.
func (q *Queue) Status() (types.QueueStatus, error) {
	var st types.QueueStatus
	err := q.p.view(func(tx *bbolt.Tx) error {
		items, _, err := q.buckets(tx)
		if err != nil {
			return err
		}
		head, err := q.headTx(tx)
		if err != nil {
			return err
		}
		n := items.Stats().KeyN
		st = types.QueueStatus{ItemsCount: n, State: queue.StateOf(n, head)}
		return nil
	})
	if err != nil {
		return types.QueueStatus{}, q.wrap("status", err)
	}
	return st, nil
}

func (q *Queue) ItemStatus(item types.QueueItem) (types.QueueItemStatus, error) {
	e, err := q.Entry(item.ID)
	if err != nil {
		return types.QueueItemStatus{}, err
	}
	if e == nil {
		return types.QueueItemStatus{State: types.ItemSucceeded, QueueName: q.name}, nil
	}
	return e.Status, nil
}

func (q *Queue) Items(offset, limit int) ([]types.QueueItem, error) {
	var out []types.QueueItem
	err := q.p.view(func(tx *bbolt.Tx) error {
		items, _, err := q.buckets(tx)
		if err != nil {
			return err
		}
		c := items.Cursor()
		i := 0
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if i < offset {
				i++
				continue
			}
			if limit > 0 && len(out) >= limit {
				break
			}
			e, err := storage.DecodeEntry(v)
			if err != nil {
				return err
			}
			out = append(out, e.Item)
			i++
		}
		return nil
	})
	if err != nil {
		return nil, q.wrap("items", err)
	}
	return out, nil
}

func (q *Queue) IsEmpty() (bool, error) {
	empty := true
	err := q.p.view(func(tx *bbolt.Tx) error {
		items, _, err := q.buckets(tx)
		if err != nil {
			return err
		}
		k, _ := items.Cursor().First()
		empty = k == nil
		return nil
	})
	if err != nil {
		return false, q.wrap("is empty", err)
	}
	return empty, nil
}

// RecordAttempt increments and persists the attempt counter of the queued item.
func (q *Queue) RecordAttempt(itemID string) (types.QueueItemStatus, error) {
	var st types.QueueItemStatus
	err := q.p.update(func(tx *bbolt.Tx) error {
		items, ids, err := q.buckets(tx)
		if err != nil {
			return err
		}
		key := ids.Get([]byte(itemID))
		if key == nil {
			return queue.ErrItemNotFound
		}
		key = append([]byte(nil), key...)
		v := items.Get(key)
		if v == nil {
			return fmt.Errorf("dangling id %s: %w", itemID, storage.ErrCorrupted)
		}
		e, err := storage.DecodeEntry(v)
		if err != nil {
			return err
		}
		e.Status.Attempts++
		val, err := storage.EncodeEntry(e)
		if err != nil {
			return err
		}
		if err := items.Put(key, val); err != nil {
			return err
		}
		st = q.status(e.Status)
		return nil
	})
	if err != nil {
		return types.QueueItemStatus{}, q.wrap("record attempt", err)
	}
	return st, nil
}

// ─── Internal helpers ─────────────────────────────────────────────────────────

func (q *Queue) buckets(tx *bbolt.Tx) (items, ids *bbolt.Bucket, err error) {
	qb := tx.Bucket(bucketQueues).Bucket([]byte(q.name))
	if qb == nil {
		return nil, nil, fmt.Errorf("queue bucket %s: %w", q.name, storage.ErrNotFound)
	}
	return qb.Bucket(bucketItems), qb.Bucket(bucketIDs), nil
}

func (q *Queue) headTx(tx *bbolt.Tx) (*types.QueueEntry, error) {
	items, _, err := q.buckets(tx)
	if err != nil {
		return nil, err
	}
	k, v := items.Cursor().First()
	if k == nil {
		return nil, nil
	}
	return q.decode(v)
}

func (q *Queue) decode(v []byte) (*types.QueueEntry, error) {
	e, err := storage.DecodeEntry(v)
	if err != nil {
		return nil, err
	}
	e.Status = q.status(e.Status)
	return &e, nil
}

func (q *Queue) status(s types.QueueItemStatus) types.QueueItemStatus {
	s.State = types.ItemQueued
	s.QueueName = q.name
	return s
}

func (q *Queue) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if isClosed(err) {
		return fmt.Errorf("bolt: %s %s: %w", op, q.name, queue.ErrQueueClosed)
	}
	return fmt.Errorf("bolt: %s %s: %w", op, q.name, err)
}

func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}
