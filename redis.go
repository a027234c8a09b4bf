package sqlbatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Redis key naming. Job records live under jobKeyPrefix.
const (
	queueKeyPrefix = "batch:queues:"
	userKeyPrefix  = "batch:users:"
	// hostsChannel is the pub/sub channel carrying host names.
	hostsChannel = "batch:hosts"
)

// swapFieldsScript runs HSET only while a field holds the expected value.
// KEYS[1] is the hash, ARGV is field, expected value, then field/value pairs.
var swapFieldsScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
return 1
`)

func queueKey(host string) string { return queueKeyPrefix + host }

func userKey(owner string) string { return userKeyPrefix + owner }

// RedisStore implements MetadataStore and KeyScanner over Redis hashes.
// Each logical index maps to a Redis database number, served by its own
// client created on first use.
type RedisStore struct {
	opts    redis.Options
	logger  *slog.Logger
	mu      sync.Mutex
	clients map[int]*redis.Client
}

// NewRedisStore creates a Redis store. opts.DB is ignored: the database is
// chosen per call by the index argument.
func NewRedisStore(opts *redis.Options, logger *slog.Logger) *RedisStore {
	return &RedisStore{
		opts:    *opts,
		logger:  loggerOrDefault(logger),
		clients: make(map[int]*redis.Client),
	}
}

// Client returns the client bound to the given database index.
func (s *RedisStore) Client(index int) *redis.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[index]; ok {
		return c
	}
	opts := s.opts
	opts.DB = index
	c := redis.NewClient(&opts)
	s.clients[index] = c
	s.logger.Debug("RedisStore: opened client", "addr", opts.Addr, "db", index)
	return c
}

// Ping verifies the connection to the given database index.
func (s *RedisStore) Ping(ctx context.Context, index int) error {
	return s.Client(index).Ping(ctx).Err()
}

// Close closes every client opened by the store.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for index, c := range s.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close db %d: %w", index, err))
		}
		delete(s.clients, index)
	}
	return errors.Join(errs...)
}

// WriteFields runs HSET key field value [field value ...].
func (s *RedisStore) WriteFields(ctx context.Context, index int, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for field, value := range fields {
		args = append(args, field, value)
	}
	if err := s.Client(index).HSet(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("sqlbatch/redis: hset %s: %w", key, err)
	}
	return nil
}

// SwapFields sets fields with swapFieldsScript, atomically on the server.
func (s *RedisStore) SwapFields(ctx context.Context, index int, key, field, expect string, fields map[string]string) (bool, error) {
	if len(fields) == 0 {
		return false, fmt.Errorf("sqlbatch/redis: swap %s: no fields", key)
	}
	args := make([]interface{}, 0, 2+len(fields)*2)
	args = append(args, field, expect)
	for f, value := range fields {
		args = append(args, f, value)
	}
	swapped, err := swapFieldsScript.Run(ctx, s.Client(index), []string{key}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("sqlbatch/redis: swap %s: %w", key, err)
	}
	return swapped == 1, nil
}

// ReadFields runs HMGET key field [field ...].
func (s *RedisStore) ReadFields(ctx context.Context, index int, key string, names []string) ([]*string, error) {
	raw, err := s.Client(index).HMGet(ctx, key, names...).Result()
	if err != nil {
		return nil, fmt.Errorf("sqlbatch/redis: hmget %s: %w", key, err)
	}
	values := make([]*string, len(raw))
	for i, v := range raw {
		switch tv := v.(type) {
		case nil:
		case string:
			values[i] = &tv
		default:
			str := fmt.Sprint(tv)
			values[i] = &str
		}
	}
	return values, nil
}

// ScanKeys walks the keyspace with SCAN MATCH prefix*.
func (s *RedisStore) ScanKeys(ctx context.Context, index int, prefix string) ([]string, error) {
	client := s.Client(index)
	match := escapeGlob(prefix) + "*"
	var keys []string
	var cursor uint64
	for {
		batch, next, err := client.Scan(ctx, cursor, match, 200).Result()
		if err != nil {
			return nil, fmt.Errorf("sqlbatch/redis: scan %s: %w", match, err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}

// RedisQueue implements the host queue as Redis lists (RPUSH/LPOP) and host
// notifications as Redis pub/sub.
type RedisQueue struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// NewRedisQueue creates a host queue on client. The queue lists live in the
// database the client is bound to.
func NewRedisQueue(client redis.UniversalClient, logger *slog.Logger) *RedisQueue {
	return &RedisQueue{client: client, logger: loggerOrDefault(logger)}
}

// Enqueue appends jobID to the list of host.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID string, host string) error {
	if err := q.client.RPush(ctx, queueKey(host), jobID).Err(); err != nil {
		return fmt.Errorf("sqlbatch/redis: rpush %s: %w", queueKey(host), err)
	}
	return nil
}

// Dequeue pops the oldest job queued for host.
func (q *RedisQueue) Dequeue(ctx context.Context, host string) (string, bool, error) {
	jobID, err := q.client.LPop(ctx, queueKey(host)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sqlbatch/redis: lpop %s: %w", queueKey(host), err)
	}
	return jobID, true, nil
}

// Queued reports whether jobID is still in the list of host.
func (q *RedisQueue) Queued(ctx context.Context, host string, jobID string) (bool, error) {
	_, err := q.client.LPos(ctx, queueKey(host), jobID, redis.LPosArgs{}).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlbatch/redis: lpos %s: %w", queueKey(host), err)
	}
	return true, nil
}

// Publish sends host on the hosts channel. Failures are logged, not returned.
func (q *RedisQueue) Publish(ctx context.Context, host string) {
	if err := q.client.Publish(ctx, hostsChannel, host).Err(); err != nil {
		q.logger.Warn("RedisQueue: publish failed", "host", host, "error", err)
	}
}

// Subscribe listens on the hosts channel until ctx is done.
func (q *RedisQueue) Subscribe(ctx context.Context) (<-chan string, error) {
	pubsub := q.client.Subscribe(ctx, hostsChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("sqlbatch/redis: subscribe %s: %w", hostsChannel, err)
	}

	out := make(chan string, 16)
	msgs := pubsub.Channel()
	go func() {
		defer close(out)
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				default:
					// buffer full; workers still poll their queue
				}
			}
		}
	}()
	return out, nil
}

// RedisUserIndexer keeps each user's job IDs in a Redis set.
type RedisUserIndexer struct {
	client redis.UniversalClient
}

// NewRedisUserIndexer creates a user indexer on client.
func NewRedisUserIndexer(client redis.UniversalClient) *RedisUserIndexer {
	return &RedisUserIndexer{client: client}
}

// Add runs SADD batch:users:<owner> jobID.
func (x *RedisUserIndexer) Add(ctx context.Context, owner string, jobID string) error {
	if err := x.client.SAdd(ctx, userKey(owner), jobID).Err(); err != nil {
		return fmt.Errorf("sqlbatch/redis: sadd %s: %w", userKey(owner), err)
	}
	return nil
}

// List runs SMEMBERS batch:users:<owner>.
func (x *RedisUserIndexer) List(ctx context.Context, owner string) ([]string, error) {
	ids, err := x.client.SMembers(ctx, userKey(owner)).Result()
	if err != nil {
		return nil, fmt.Errorf("sqlbatch/redis: smembers %s: %w", userKey(owner), err)
	}
	return ids, nil
}
