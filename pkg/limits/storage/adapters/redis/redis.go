// Package redis provides the redis storage driver. One core serves the
// standalone, TLS, unix-socket, cluster and sentinel deployments; they
// differ only at connection establishment.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/chris-alexander-pop/ratelimits/pkg/errors"
	"github.com/chris-alexander-pop/ratelimits/pkg/limits/storage"
)

// keyPrefix namespaces every redis key written by this library.
const keyPrefix = "LIMITS:"

func init() {
	storage.Register("redis", newStandalone)
	storage.Register("rediss", newStandalone)
	storage.Register("redis+unix", newStandalone)
	storage.Register("redis+cluster", newCluster)
	storage.Register("redis+sentinel", newSentinel)
}

// Store executes every atomic sequence as a server-side script against a
// standalone, cluster or sentinel-managed deployment.
type Store struct {
	client goredis.UniversalClient
}

// NewWithClient wraps an existing client. The caller keeps ownership of the
// client's lifecycle when constructing the store this way.
func NewWithClient(client goredis.UniversalClient) *Store {
	return &Store{client: client}
}

func newStandalone(uri storage.URI, opts storage.Options) (storage.Storage, error) {
	options := &goredis.Options{
		Username: uri.Username,
		Password: uri.Password,
	}

	switch uri.Scheme {
	case "redis+unix":
		if uri.Path == "" {
			return nil, errors.New(errors.CodeConfiguration,
				fmt.Sprintf("missing socket path in uri %q", uri.Raw), nil)
		}
		options.Network = "unix"
		options.Addr = uri.Path
	default:
		options.Addr = "localhost:6379"
		if len(uri.Hosts) > 0 {
			options.Addr = uri.Hosts[0].String()
		}
		db, err := parseDB(uri.Path)
		if err != nil {
			return nil, err
		}
		options.DB = db
	}

	if uri.Scheme == "rediss" {
		options.TLSConfig = opts.TLSConfig
		if options.TLSConfig == nil {
			options.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	}

	return &Store{client: goredis.NewClient(options)}, nil
}

func newCluster(uri storage.URI, opts storage.Options) (storage.Storage, error) {
	if len(uri.Hosts) == 0 {
		return nil, errors.New(errors.CodeConfiguration,
			fmt.Sprintf("no hosts in cluster uri %q", uri.Raw), nil)
	}
	return &Store{client: goredis.NewClusterClient(&goredis.ClusterOptions{
		Addrs:     uri.Addrs(),
		Username:  uri.Username,
		Password:  uri.Password,
		TLSConfig: opts.TLSConfig,
	})}, nil
}

func newSentinel(uri storage.URI, opts storage.Options) (storage.Storage, error) {
	if len(uri.Hosts) == 0 {
		return nil, errors.New(errors.CodeConfiguration,
			fmt.Sprintf("no sentinel hosts in uri %q", uri.Raw), nil)
	}
	serviceName := strings.Trim(uri.Path, "/")
	if serviceName == "" {
		serviceName = uri.Query.Get("service_name")
	}
	if serviceName == "" {
		serviceName = opts.ServiceName
	}
	if serviceName == "" {
		return nil, errors.New(errors.CodeConfiguration,
			fmt.Sprintf("sentinel uri %q needs a service name in its path", uri.Raw), nil)
	}
	return &Store{client: goredis.NewFailoverClient(&goredis.FailoverOptions{
		MasterName:    serviceName,
		SentinelAddrs: uri.Addrs(),
		Username:      uri.Username,
		Password:      uri.Password,
		TLSConfig:     opts.TLSConfig,
	})}, nil
}

func parseDB(path string) (int, error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return 0, nil
	}
	db, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, errors.New(errors.CodeConfiguration,
			fmt.Sprintf("invalid redis database %q", trimmed), err)
	}
	return db, nil
}

func prefixed(key string) string {
	return keyPrefix + key
}

// The sliding pair is hash-tagged so cluster mode places both keys in the
// same slot.
func slidingCurrentKey(key string) string {
	return keyPrefix + "{" + key + "}"
}

func slidingPreviousKey(key string) string {
	return keyPrefix + "{" + key + "}/-1"
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}

// unix renders a timestamp as fractional epoch seconds, the list entry
// format of the moving window scripts.
func unix(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixMicro())/1e6, 'f', 6, 64)
}

func (s *Store) Incr(ctx context.Context, key string, expiry time.Duration, amount int64, elastic bool) (int64, error) {
	elasticFlag := "0"
	if elastic {
		elasticFlag = "1"
	}
	value, err := incrExpireScript.Run(ctx, s.client,
		[]string{prefixed(key)}, seconds(expiry), amount, elasticFlag).Int64()
	if err != nil {
		return 0, errors.Wrap(err, "redis incr failed")
	}
	return value, nil
}

func (s *Store) Get(ctx context.Context, key string) (int64, error) {
	value, err := s.client.Get(ctx, prefixed(key)).Int64()
	if err == goredis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "redis get failed")
	}
	return value, nil
}

func (s *Store) GetExpiry(ctx context.Context, key string) (time.Time, error) {
	ttl, err := s.client.TTL(ctx, prefixed(key)).Result()
	if err != nil {
		return time.Time{}, errors.Wrap(err, "redis ttl failed")
	}
	if ttl < 0 {
		ttl = 0
	}
	return time.Now().Add(ttl), nil
}

func (s *Store) Clear(ctx context.Context, key string) error {
	// The sliding pair hashes to one slot, but the plain key may not; two
	// deletes keep cluster mode happy.
	if err := s.client.Del(ctx, prefixed(key)).Err(); err != nil {
		return errors.Wrap(err, "redis del failed")
	}
	if err := s.client.Del(ctx, slidingPreviousKey(key), slidingCurrentKey(key)).Err(); err != nil {
		return errors.Wrap(err, "redis del failed")
	}
	return nil
}

func (s *Store) Reset(ctx context.Context) (int64, error) {
	pattern := keyPrefix + "*"
	if cluster, ok := s.client.(*goredis.ClusterClient); ok {
		return resetCluster(ctx, cluster, pattern)
	}
	removed, err := resetScript.Run(ctx, s.client, []string{}, pattern).Int64()
	if err != nil {
		return 0, errors.Wrap(err, "redis reset failed")
	}
	return removed, nil
}

func (s *Store) Check(ctx context.Context) bool {
	return s.client.Ping(ctx).Err() == nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) AcquireEntry(ctx context.Context, key string, limit int64, expiry time.Duration, amount int64) (bool, error) {
	if amount > limit {
		return false, nil
	}
	now := time.Now()
	acquired, err := acquireMovingWindowScript.Run(ctx, s.client,
		[]string{prefixed(key)}, unix(now), limit, expiry.Seconds(), amount).Int64()
	if err != nil {
		return false, errors.Wrap(err, "redis acquire entry failed")
	}
	return acquired == 1, nil
}

func (s *Store) MovingWindow(ctx context.Context, key string, limit int64, expiry time.Duration) (time.Time, int64, error) {
	now := time.Now()
	cutoff := now.Add(-expiry)
	window, err := movingWindowScript.Run(ctx, s.client,
		[]string{prefixed(key)}, unix(cutoff), limit).Slice()
	if err != nil {
		return time.Time{}, 0, errors.Wrap(err, "redis moving window failed")
	}
	if len(window) < 2 {
		return now, 0, nil
	}
	oldestSeconds, err := strconv.ParseFloat(fmt.Sprint(window[0]), 64)
	if err != nil {
		return time.Time{}, 0, errors.Wrap(err, "redis moving window returned a malformed timestamp")
	}
	count, ok := window[1].(int64)
	if !ok {
		return time.Time{}, 0, errors.New(errors.CodeStorage,
			"redis moving window returned a malformed count", nil)
	}
	return time.UnixMicro(int64(oldestSeconds * 1e6)), count, nil
}

func (s *Store) AcquireSlidingWindowEntry(ctx context.Context, key string, limit int64, expiry time.Duration, amount int64) (bool, error) {
	if amount > limit {
		return false, nil
	}
	acquired, err := acquireSlidingWindowScript.Run(ctx, s.client,
		[]string{slidingPreviousKey(key), slidingCurrentKey(key)},
		seconds(expiry), limit, amount).Int64()
	if err != nil {
		return false, errors.Wrap(err, "redis acquire sliding window failed")
	}
	return acquired == 1, nil
}

func (s *Store) SlidingWindow(ctx context.Context, key string, expiry time.Duration) (storage.SlidingWindowState, error) {
	result, err := slidingWindowScript.Run(ctx, s.client,
		[]string{slidingPreviousKey(key), slidingCurrentKey(key)},
		seconds(expiry)).Int64Slice()
	if err != nil {
		return storage.SlidingWindowState{}, errors.Wrap(err, "redis sliding window failed")
	}
	if len(result) != 4 {
		return storage.SlidingWindowState{}, errors.New(errors.CodeStorage,
			"redis sliding window returned a malformed reply", nil)
	}
	return storage.SlidingWindowState{
		PreviousCount: result[0],
		PreviousTTL:   time.Duration(result[1]) * time.Millisecond,
		CurrentCount:  result[2],
		CurrentTTL:    time.Duration(result[3]) * time.Millisecond,
	}, nil
}

var (
	_ storage.Storage              = (*Store)(nil)
	_ storage.MovingWindowStorage  = (*Store)(nil)
	_ storage.SlidingWindowStorage = (*Store)(nil)
)
