package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/Mschirtzinger/studytrack/internal/types"
)

// RedisConfig holds Redis backend configuration.
type RedisConfig struct {
	// Addr of the Redis server, host:port
	Addr string

	// Prefix for every key and channel (default: "studytrack")
	Prefix string

	// DialTimeout for the initial connection (default: 5s)
	DialTimeout time.Duration

	// Logger for backend activity (default: stderr logger)
	Logger *log.Logger
}

// RedisStore is a Backend on Redis. Each user collection is a hash of id to
// record JSON, and every push is published on a channel of the same name.
type RedisStore struct {
	rdb    *goredis.Client
	prefix string
	logger *log.Logger

	mu      sync.RWMutex
	session Session
}

// NewRedisStore connects and pings the server.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "studytrack"
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[cloud] ", log.LstdFlags)
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		DialTimeout: cfg.DialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%w: redis ping: %v", ErrNetworkFailure, err)
	}

	return &RedisStore{
		rdb:    rdb,
		prefix: cfg.Prefix,
		logger: cfg.Logger,
	}, nil
}

// Close releases the connection pool.
func (r *RedisStore) Close() error {
	return r.rdb.Close()
}

// SetSession implements Authenticator.
func (r *RedisStore) SetSession(s Session) {
	r.mu.Lock()
	r.session = s
	r.mu.Unlock()
}

func (r *RedisStore) userID() (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.session.Valid() {
		return "", ErrNoSession
	}
	return r.session.UserID, nil
}

// AnonymousSession implements Identity. The token is recorded so another
// device can resolve it to the same user.
func (r *RedisStore) AnonymousSession(ctx context.Context) (Session, error) {
	sess := Session{
		UserID:    uuid.NewString(),
		Token:     uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}
	if err := r.rdb.Set(ctx, r.key("session", sess.Token), sess.UserID, 0).Err(); err != nil {
		return Session{}, &OpError{Op: "auth", Err: fmt.Errorf("%w: %v", ErrNetworkFailure, err)}
	}
	return sess, nil
}

// Pull implements Store. Records come back ordered by update time, then id.
func (r *RedisStore) Pull(ctx context.Context, collection string) ([]types.Record, error) {
	user, err := r.userID()
	if err != nil {
		return nil, &OpError{Op: "pull", Collection: collection, Err: err}
	}

	fields, err := r.rdb.HGetAll(ctx, r.key(user, collection)).Result()
	if err != nil {
		return nil, &OpError{Op: "pull", Collection: collection, Err: fmt.Errorf("%w: %v", ErrNetworkFailure, err)}
	}

	recs := make([]types.Record, 0, len(fields))
	for id, raw := range fields {
		var rec types.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			r.logger.Printf("WARNING: Skipping bad record %s/%s: %v", collection, id, err)
			continue
		}
		rec.Collection = collection
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].UpdatedAt.Equal(recs[j].UpdatedAt) {
			return recs[i].UpdatedAt.Before(recs[j].UpdatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
	return recs, nil
}

// Push implements Store. The hash writes and the change publication run
// in one pipeline.
func (r *RedisStore) Push(ctx context.Context, collection string, recs []types.Record) error {
	if len(recs) == 0 {
		return nil
	}
	user, err := r.userID()
	if err != nil {
		return &OpError{Op: "push", Collection: collection, Err: err}
	}

	values := make(map[string]any, len(recs))
	out := make([]types.Record, 0, len(recs))
	for _, rec := range recs {
		rec.Collection = collection
		if err := rec.Validate(); err != nil {
			return &OpError{Op: "push", Collection: collection, Err: fmt.Errorf("%w: %v", ErrBadRequest, err)}
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return &OpError{Op: "push", Collection: collection, Err: err}
		}
		values[rec.ID] = raw
		out = append(out, rec)
	}
	change, err := json.Marshal(Change{Collection: collection, Records: out})
	if err != nil {
		return &OpError{Op: "push", Collection: collection, Err: err}
	}

	key := r.key(user, collection)
	_, err = r.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key, values)
		pipe.Publish(ctx, key, change)
		return nil
	})
	if err != nil {
		return &OpError{Op: "push", Collection: collection, Err: fmt.Errorf("%w: %v", ErrNetworkFailure, err)}
	}
	return nil
}

// Subscribe implements Subscriber with Redis pub/sub. The subscription is
// confirmed before the snapshot is read, so no published change falls
// between the two.
func (r *RedisStore) Subscribe(ctx context.Context, collection string) (<-chan Change, error) {
	user, err := r.userID()
	if err != nil {
		return nil, &OpError{Op: "subscribe", Collection: collection, Err: err}
	}

	sub := r.rdb.Subscribe(ctx, r.key(user, collection))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, &OpError{Op: "subscribe", Collection: collection, Err: fmt.Errorf("%w: %v", ErrNetworkFailure, err)}
	}

	snapshot, err := r.Pull(ctx, collection)
	if err != nil {
		_ = sub.Close()
		return nil, err
	}

	ch := make(chan Change, 16)
	ch <- Change{Collection: collection, Records: snapshot, Snapshot: true}

	go func() {
		defer close(ch)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok || m == nil {
					r.logger.Printf("Feed for %s dropped", collection)
					return
				}
				var change Change
				if err := json.Unmarshal([]byte(m.Payload), &change); err != nil {
					r.logger.Printf("WARNING: Bad change payload on %s: %v", collection, err)
					continue
				}
				for i := range change.Records {
					change.Records[i].Collection = collection
				}
				select {
				case ch <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ch, nil
}

func (r *RedisStore) key(parts ...string) string {
	k := r.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}
