package sqlbatch

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/pb"
)

// BadgerStore implements every collaborator of the job backend on a single
// BadgerDB: MetadataStore, KeyScanner, UserIndexer, the host queue
// (QueueProducer, QueueConsumer, QueueInspector) and host notifications
// (Publisher, Subscriber). It suits single-node deployments that need
// durability without a Redis server.
type BadgerStore struct {
	db     *badger.DB
	seq    *badger.Sequence
	logger *slog.Logger
}

// NewBadgerStore creates a new BadgerDB store.
// The database directory will be created if it doesn't exist.
// Note: BadgerDB uses its own logger interface, so its internal logging is disabled.
func NewBadgerStore(dbPath string, logger *slog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	seq, err := db.GetSequence([]byte(keyQueueSeq), 100)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open queue sequence: %w", err)
	}

	return &BadgerStore{
		db:     db,
		seq:    seq,
		logger: loggerOrDefault(logger),
	}, nil
}

// Close releases the queue sequence and closes the database.
func (b *BadgerStore) Close() error {
	seqErr := b.seq.Release()
	return errors.Join(seqErr, b.db.Close())
}

// retryUpdate retries a BadgerDB update operation on transaction conflicts.
func (b *BadgerStore) retryUpdate(ctx context.Context, fn func(txn *badger.Txn) error) error {
	const maxRetries = 50
	const retryDelay = 1 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			time.Sleep(retryDelay)
		}

		err := b.db.Update(fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, badger.ErrConflict) {
			lastErr = err
			continue
		}
		return err
	}
	return fmt.Errorf("transaction conflict after %d retries: %w", maxRetries, lastErr)
}

// key prefixes
const (
	keyPrefixHash   = "h:"
	keyPrefixUser   = "u:"
	keyPrefixQueue  = "q:"
	keyPrefixNotify = "n:"
	keyQueueSeq     = "seq:queue"
)

// Variable-length key parts (hash keys, owners, hosts) are escaped and
// terminated: 0x00 becomes 0x00 0xff and the part ends with 0x00 0x01. A part
// therefore never runs into the one after it, whatever bytes it contains, and
// the escaped form of a prefix is a prefix of the escaped form of the part.
const (
	escByte   = 0x00
	escEscape = 0xff
	escEnd    = 0x01
)

func escapeKeyPart(dst []byte, part string) []byte {
	for i := 0; i < len(part); i++ {
		if part[i] == escByte {
			dst = append(dst, escByte, escEscape)
			continue
		}
		dst = append(dst, part[i])
	}
	return dst
}

func appendKeyPart(dst []byte, part string) []byte {
	return append(escapeKeyPart(dst, part), escByte, escEnd)
}

// readKeyPart decodes a part written by appendKeyPart from the start of b.
func readKeyPart(b []byte) (string, []byte, bool) {
	part := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != escByte {
			part = append(part, b[i])
			continue
		}
		if i+1 >= len(b) {
			return "", nil, false
		}
		switch b[i+1] {
		case escEscape:
			part = append(part, escByte)
			i++
		case escEnd:
			return string(part), b[i+2:], true
		default:
			return "", nil, false
		}
	}
	return "", nil, false
}

// hashPrefix returns the key prefix for hashes in a logical index.
func hashPrefix(index int) []byte {
	return []byte(keyPrefixHash + strconv.Itoa(index) + ":")
}

// hashFieldKey returns the key holding one field of a hash.
func hashFieldKey(index int, key, field string) []byte {
	return append(appendKeyPart(hashPrefix(index), key), field...)
}

// userPrefix returns the prefix of every job recorded for owner.
func userPrefix(owner string) []byte {
	return appendKeyPart([]byte(keyPrefixUser), owner)
}

// userJobKey returns the key recording jobID for owner.
func userJobKey(owner, jobID string) []byte {
	return append(userPrefix(owner), jobID...)
}

// queueItemKey returns the key of a queued job, ordered by sequence number.
func queueItemKey(host string, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(queueItemPrefix(host), seq)
}

func queueItemPrefix(host string) []byte {
	return appendKeyPart([]byte(keyPrefixQueue), host)
}

// WriteFields sets fields of the hash at key in one transaction.
func (b *BadgerStore) WriteFields(ctx context.Context, index int, key string, fields map[string]string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		for field, value := range fields {
			if err := txn.Set(hashFieldKey(index, key, field), []byte(value)); err != nil {
				return fmt.Errorf("failed to set field %s: %w", field, err)
			}
		}
		return nil
	})
}

// SwapFields sets fields of the hash at key if field equals expect. The check
// and the write share one transaction; a concurrent writer makes it retry.
func (b *BadgerStore) SwapFields(ctx context.Context, index int, key, field, expect string, fields map[string]string) (bool, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return false, err
	}
	var swapped bool
	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		swapped = false
		item, err := txn.Get(hashFieldKey(index, key, field))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get field %s: %w", field, err)
		}
		current, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("failed to read field %s: %w", field, err)
		}
		if string(current) != expect {
			return nil
		}
		for f, value := range fields {
			if err := txn.Set(hashFieldKey(index, key, f), []byte(value)); err != nil {
				return fmt.Errorf("failed to set field %s: %w", f, err)
			}
		}
		swapped = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return swapped, nil
}

// ReadFields reads the named fields of the hash at key from one snapshot.
func (b *BadgerStore) ReadFields(ctx context.Context, index int, key string, names []string) ([]*string, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	values := make([]*string, len(names))
	err := b.db.View(func(txn *badger.Txn) error {
		for i, name := range names {
			item, err := txn.Get(hashFieldKey(index, key, name))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to get field %s: %w", name, err)
			}
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("failed to read field %s: %w", name, err)
			}
			v := string(raw)
			values[i] = &v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return values, nil
}

// ScanKeys returns every hash key in index starting with prefix.
func (b *BadgerStore) ScanKeys(ctx context.Context, index int, prefix string) ([]string, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	base := hashPrefix(index)
	scanPrefix := escapeKeyPart(hashPrefix(index), prefix)

	keys := make([]string, 0)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = scanPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		last := ""
		for it.Seek(scanPrefix); it.ValidForPrefix(scanPrefix); it.Next() {
			key, _, ok := readKeyPart(it.Item().Key()[len(base):])
			if !ok {
				continue
			}
			if len(keys) == 0 || key != last {
				keys = append(keys, key)
				last = key
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Add records jobID for owner.
func (b *BadgerStore) Add(ctx context.Context, owner string, jobID string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		return txn.Set(userJobKey(owner, jobID), nil)
	})
}

// List returns the job IDs recorded for owner, sorted.
func (b *BadgerStore) List(ctx context.Context, owner string) ([]string, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	prefix := userPrefix(owner)

	jobIDs := make([]string, 0)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			jobIDs = append(jobIDs, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobIDs, nil
}

// Enqueue appends jobID to the queue of host.
func (b *BadgerStore) Enqueue(ctx context.Context, jobID string, host string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	next, err := b.seq.Next()
	if err != nil {
		return fmt.Errorf("failed to allocate queue position: %w", err)
	}
	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		return txn.Set(queueItemKey(host, next), []byte(jobID))
	})
}

// Dequeue pops the oldest job queued for host.
func (b *BadgerStore) Dequeue(ctx context.Context, host string) (string, bool, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return "", false, err
	}
	prefix := queueItemPrefix(host)

	var jobID string
	var found bool
	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		found = false
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 1
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(prefix)
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		item := it.Item()
		key := item.KeyCopy(nil)
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("failed to read queued job: %w", err)
		}
		if err := txn.Delete(key); err != nil {
			return fmt.Errorf("failed to remove queued job: %w", err)
		}
		jobID = string(raw)
		found = true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	if found {
		b.logger.Debug("Dequeue: popped job", "host", host, "jobID", jobID)
	}
	return jobID, found, nil
}

// Queued reports whether jobID is waiting in the queue of host.
func (b *BadgerStore) Queued(ctx context.Context, host string, jobID string) (bool, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return false, err
	}
	prefix := queueItemPrefix(host)

	var queued bool
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				if string(val) == jobID {
					queued = true
				}
				return nil
			})
			if err != nil {
				return err
			}
			if queued {
				return nil
			}
		}
		return nil
	})
	return queued, err
}

// Publish writes a notification key for host; Subscribe watches those keys.
func (b *BadgerStore) Publish(ctx context.Context, host string) {
	if ctx == nil {
		ctx = context.Background()
	}
	stamp := []byte(formatTime(time.Now()))
	err := b.retryUpdate(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefixNotify+host), stamp)
	})
	if err != nil {
		b.logger.Warn("BadgerStore: publish failed", "host", host, "error", err)
	}
}

// Subscribe delivers the host of every notification written after the call.
func (b *BadgerStore) Subscribe(ctx context.Context) (<-chan string, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan string, 16)
	match := []pb.Match{{Prefix: []byte(keyPrefixNotify)}}
	go func() {
		defer close(out)
		err := b.db.Subscribe(ctx, func(kvs *badger.KVList) error {
			for _, kv := range kvs.Kv {
				select {
				case out <- string(kv.Key[len(keyPrefixNotify):]):
				default:
				}
			}
			return nil
		}, match)
		if err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Warn("BadgerStore: subscription ended", "error", err)
		}
	}()
	return out, nil
}
