// Package memcached provides the memcached storage driver. Memcached has no
// scripting and no ttl introspection, so atomicity is assembled from add and
// incr/decr, and the absolute expiry lives in a companion key.
package memcached

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/chris-alexander-pop/ratelimits/pkg/errors"
	"github.com/chris-alexander-pop/ratelimits/pkg/limits/storage"
)

// maxCASRetries bounds the gets/cas loop of elastic increments.
const maxCASRetries = 10

// createRetries bounds the incr/add/incr race pattern. Two rounds suffice
// unless the key is evicted between the add and the retried incr.
const createRetries = 3

func init() {
	storage.Register("memcached", func(uri storage.URI, opts storage.Options) (storage.Storage, error) {
		return New(uri, opts)
	})
}

// Store is a memcached-backed storage. It implements the Counter and
// SlidingWindowCounter capabilities; the moving window needs an ordered log
// memcached cannot maintain.
type Store struct {
	client     *memcache.Client
	casRetries int
}

// New connects to the hosts in the URI; a bare path selects a unix socket.
func New(uri storage.URI, opts storage.Options) (*Store, error) {
	addrs := uri.Addrs()
	if len(addrs) == 0 {
		if uri.Path == "" {
			return nil, errors.New(errors.CodeConfiguration,
				fmt.Sprintf("no hosts or socket path in memcached uri %q", uri.Raw), nil)
		}
		addrs = []string{uri.Path}
	}
	casRetries := maxCASRetries
	if opts.MaxRetries > 0 {
		casRetries = opts.MaxRetries
	}
	return &Store{client: memcache.New(addrs...), casRetries: casRetries}, nil
}

func expiresKey(key string) string {
	return key + "/expires"
}

func ttlSeconds(expiry time.Duration) int32 {
	s := int32(expiry / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

// setExpires records the absolute window end, the only ttl readback
// memcached gives us.
func (s *Store) setExpires(key string, expiry time.Duration, now time.Time) error {
	deadline := float64(now.Add(expiry).UnixMicro()) / 1e6
	return s.client.Set(&memcache.Item{
		Key:        expiresKey(key),
		Value:      []byte(strconv.FormatFloat(deadline, 'f', 6, 64)),
		Expiration: ttlSeconds(expiry),
	})
}

func (s *Store) Incr(ctx context.Context, key string, expiry time.Duration, amount int64, elastic bool) (int64, error) {
	value, created, err := s.incr(key, expiry, amount, elastic)
	if err != nil {
		return 0, err
	}
	if created || elastic {
		if err := s.setExpires(key, expiry, time.Now()); err != nil {
			return 0, errors.Wrap(err, "memcached set expires failed")
		}
	}
	return value, nil
}

// incr runs the incr/add/incr pattern, or a bounded gets/cas loop when the
// expiry has to be rewritten on every hit.
func (s *Store) incr(key string, expiry time.Duration, amount int64, elastic bool) (int64, bool, error) {
	if elastic {
		return s.incrElastic(key, expiry, amount)
	}
	for attempt := 0; attempt < createRetries; attempt++ {
		next, err := s.client.Increment(key, uint64(amount))
		if err == nil {
			return int64(next), false, nil
		}
		if err != memcache.ErrCacheMiss {
			return 0, false, errors.Wrap(err, "memcached incr failed")
		}
		err = s.client.Add(&memcache.Item{
			Key:        key,
			Value:      []byte(strconv.FormatInt(amount, 10)),
			Expiration: ttlSeconds(expiry),
		})
		if err == nil {
			return amount, true, nil
		}
		if err != memcache.ErrNotStored {
			return 0, false, errors.Wrap(err, "memcached add failed")
		}
		// Lost the creation race; the incr will land on the next pass.
	}
	return 0, false, errors.New(errors.CodeStorage,
		fmt.Sprintf("memcached incr gave up on %q after %d attempts", key, createRetries), nil)
}

func (s *Store) incrElastic(key string, expiry time.Duration, amount int64) (int64, bool, error) {
	for attempt := 0; attempt < s.casRetries; attempt++ {
		item, err := s.client.Get(key)
		if err == memcache.ErrCacheMiss {
			err = s.client.Add(&memcache.Item{
				Key:        key,
				Value:      []byte(strconv.FormatInt(amount, 10)),
				Expiration: ttlSeconds(expiry),
			})
			if err == nil {
				return amount, true, nil
			}
			if err == memcache.ErrNotStored {
				continue
			}
			return 0, false, errors.Wrap(err, "memcached add failed")
		}
		if err != nil {
			return 0, false, errors.Wrap(err, "memcached get failed")
		}
		current, err := strconv.ParseInt(string(item.Value), 10, 64)
		if err != nil {
			return 0, false, errors.Wrap(err, "memcached counter is not numeric")
		}
		item.Value = []byte(strconv.FormatInt(current+amount, 10))
		item.Expiration = ttlSeconds(expiry)
		switch err := s.client.CompareAndSwap(item); err {
		case nil:
			return current + amount, false, nil
		case memcache.ErrCASConflict, memcache.ErrNotStored, memcache.ErrCacheMiss:
			continue
		default:
			return 0, false, errors.Wrap(err, "memcached cas failed")
		}
	}
	return 0, false, errors.New(errors.CodeStorage,
		fmt.Sprintf("memcached elastic incr gave up on %q after %d cas attempts", key, s.casRetries), nil)
}

func (s *Store) Get(ctx context.Context, key string) (int64, error) {
	item, err := s.client.Get(key)
	if err == memcache.ErrCacheMiss {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "memcached get failed")
	}
	value, err := strconv.ParseInt(string(item.Value), 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "memcached counter is not numeric")
	}
	return value, nil
}

func (s *Store) GetExpiry(ctx context.Context, key string) (time.Time, error) {
	item, err := s.client.Get(expiresKey(key))
	if err == memcache.ErrCacheMiss {
		return time.Now(), nil
	}
	if err != nil {
		return time.Time{}, errors.Wrap(err, "memcached get expires failed")
	}
	deadline, err := strconv.ParseFloat(string(item.Value), 64)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "memcached expires key is malformed")
	}
	return time.UnixMicro(int64(deadline * 1e6)), nil
}

func (s *Store) Clear(ctx context.Context, key string) error {
	for _, k := range []string{key, expiresKey(key)} {
		if err := s.client.Delete(k); err != nil && err != memcache.ErrCacheMiss {
			return errors.Wrap(err, "memcached delete failed")
		}
	}
	return nil
}

// Reset is unsupported: memcached cannot enumerate keys.
func (s *Store) Reset(ctx context.Context) (int64, error) {
	return 0, errors.New(errors.CodeUnsupported, "memcached cannot enumerate keys for reset", nil)
}

func (s *Store) Check(ctx context.Context) bool {
	return s.client.Ping() == nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// Sliding windows are bucketed by wall-clock epoch interval, so the previous
// counter's remaining ttl is pure clock arithmetic and needs no ttl readback.

func windowInterval(expiry time.Duration, now time.Time) int64 {
	return now.UnixNano() / expiry.Nanoseconds()
}

func windowKey(key string, interval int64) string {
	return key + "/" + strconv.FormatInt(interval, 10)
}

func (s *Store) AcquireSlidingWindowEntry(ctx context.Context, key string, limit int64, expiry time.Duration, amount int64) (bool, error) {
	if amount > limit {
		return false, nil
	}
	now := time.Now()
	state, err := s.slidingWindow(key, expiry, now)
	if err != nil {
		return false, err
	}
	if state.WeightedCount(expiry)+float64(amount) > float64(limit) {
		return false, nil
	}

	current := windowKey(key, windowInterval(expiry, now))
	post, _, err := s.incr(current, 2*expiry, amount, false)
	if err != nil {
		return false, err
	}

	// Post-check: another writer may have raised the weighted count past
	// the limit between the read and the incr. Compensating with decr can
	// under-admit near the window boundary under peak concurrency, but
	// never over-admits.
	state, err = s.slidingWindow(key, expiry, now)
	if err != nil {
		return false, err
	}
	previousWeight := int64(float64(state.PreviousCount) * (state.PreviousTTL.Seconds() / expiry.Seconds()))
	if previousWeight+post > limit {
		if _, decrErr := s.client.Decrement(current, uint64(amount)); decrErr != nil && decrErr != memcache.ErrCacheMiss {
			return false, errors.Wrap(decrErr, "memcached sliding window compensation failed")
		}
		return false, nil
	}
	return true, nil
}

func (s *Store) SlidingWindow(ctx context.Context, key string, expiry time.Duration) (storage.SlidingWindowState, error) {
	return s.slidingWindow(key, expiry, time.Now())
}

func (s *Store) slidingWindow(key string, expiry time.Duration, now time.Time) (storage.SlidingWindowState, error) {
	interval := windowInterval(expiry, now)
	var state storage.SlidingWindowState

	previous, err := s.getCount(windowKey(key, interval-1))
	if err != nil {
		return state, err
	}
	if previous > 0 {
		state.PreviousCount = previous
		// The previous bucket's weight decays to zero exactly when the
		// current interval ends.
		state.PreviousTTL = time.Duration((interval+1)*expiry.Nanoseconds() - now.UnixNano())
	}

	current, err := s.getCount(windowKey(key, interval))
	if err != nil {
		return state, err
	}
	if current > 0 {
		state.CurrentCount = current
		state.CurrentTTL = time.Duration((interval+2)*expiry.Nanoseconds() - now.UnixNano())
	}
	return state, nil
}

func (s *Store) getCount(key string) (int64, error) {
	item, err := s.client.Get(key)
	if err == memcache.ErrCacheMiss {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "memcached get failed")
	}
	value, err := strconv.ParseInt(string(item.Value), 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "memcached counter is not numeric")
	}
	return value, nil
}

var (
	_ storage.Storage              = (*Store)(nil)
	_ storage.SlidingWindowStorage = (*Store)(nil)
)
