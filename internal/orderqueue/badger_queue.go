package orderqueue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v3"
)

var (
	jobPrefix = []byte("job/")
	idxPrefix = []byte("idx/")
	seqKey    = []byte("meta/seq")
)

// BadgerQueue is a disk-backed Queue. Unacknowledged jobs are replayed after a
// restart, in the order they were enqueued.
type BadgerQueue struct {
	db  *badger.DB
	seq *badger.Sequence
	mu  sync.Mutex // serializes enqueue so keys follow arrival order
}

// NewBadgerQueue opens (or creates) a queue stored at path.
func NewBadgerQueue(path string) (*BadgerQueue, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	return openBadger(opts)
}

// NewInMemoryBadgerQueue opens a queue backed by an in-memory badger instance.
func NewInMemoryBadgerQueue() (*BadgerQueue, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return openBadger(opts)
}

func openBadger(opts badger.Options) (*BadgerQueue, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger db: %w", err)
	}
	seq, err := db.GetSequence(seqKey, 128)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("opening queue sequence: %w", err)
	}
	return &BadgerQueue{db: db, seq: seq}, nil
}

// key format: job/<big-endian seq>; idx/<job id> -> job key
func jobKey(n uint64) []byte {
	k := make([]byte, len(jobPrefix)+8)
	copy(k, jobPrefix)
	binary.BigEndian.PutUint64(k[len(jobPrefix):], n)
	return k
}

func idxKey(id string) []byte {
	return append(append([]byte{}, idxPrefix...), id...)
}

func (q *BadgerQueue) Enqueue(ctx context.Context, job Job) error {
	job = prepare(job)
	val, err := json.Marshal(job)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	n, err := q.seq.Next()
	if err != nil {
		return err
	}
	key := jobKey(n)
	return q.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(idxKey(job.ID))
		if err == nil {
			return fmt.Errorf("%w: %s", ErrDuplicate, job.ID)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(idxKey(job.ID), key); err != nil {
			return err
		}
		return txn.Set(key, val)
	})
}

func (q *BadgerQueue) Dequeue(ctx context.Context) (Job, error) {
	var (
		job   Job
		found bool
	)
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = jobPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		it.Rewind()
		if !it.Valid() {
			return nil
		}
		found = true
		return it.Item().Value(func(v []byte) error {
			return json.Unmarshal(v, &job)
		})
	})
	if err != nil {
		return Job{}, err
	}
	if !found {
		return Job{}, ErrEmpty
	}
	return job, nil
}

func (q *BadgerQueue) Ack(ctx context.Context, id string) error {
	return q.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(idxKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Delete(idxKey(id))
	})
}

func (q *BadgerQueue) Pending(ctx context.Context) ([]Job, error) {
	jobs := make([]Job, 0)
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = jobPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var job Job
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &job)
			}); err != nil {
				return err
			}
			jobs = append(jobs, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (q *BadgerQueue) Size(ctx context.Context) (int, error) {
	jobs, err := q.Pending(ctx)
	if err != nil {
		return 0, err
	}
	return len(jobs), nil
}

// Close releases the sequence and closes the underlying BadgerDB.
func (q *BadgerQueue) Close() error {
	if err := q.seq.Release(); err != nil {
		q.db.Close()
		return err
	}
	return q.db.Close()
}
