// Package etcd provides the etcd v3 storage driver. etcd has no per-key ttl,
// so counters ride on leases and carry their window end inside the value
// ("count:window_end"); every mutation is an optimistic compare-and-swap
// transaction retried a bounded number of times.
package etcd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/chris-alexander-pop/ratelimits/pkg/errors"
	"github.com/chris-alexander-pop/ratelimits/pkg/limits/storage"
)

// keyPrefix namespaces every etcd key written by this library.
const keyPrefix = "limits/"

// DefaultMaxRetries bounds the optimistic-concurrency retry loop.
const DefaultMaxRetries = 5

const dialTimeout = 5 * time.Second

func init() {
	storage.Register("etcd", func(uri storage.URI, opts storage.Options) (storage.Storage, error) {
		return New(uri, opts)
	})
}

// Store is an etcd-backed storage with the Counter and SlidingWindowCounter
// capabilities.
type Store struct {
	client     *clientv3.Client
	maxRetries int
}

// New connects to the endpoints in the URI. The retry bound comes from the
// max_retries query option, then Options, then DefaultMaxRetries.
func New(uri storage.URI, opts storage.Options) (*Store, error) {
	if len(uri.Hosts) == 0 {
		return nil, errors.New(errors.CodeConfiguration,
			fmt.Sprintf("no hosts in etcd uri %q", uri.Raw), nil)
	}
	maxRetries, err := uri.QueryInt("max_retries", 0)
	if err != nil {
		return nil, err
	}
	if maxRetries == 0 {
		maxRetries = opts.MaxRetries
	}
	if maxRetries == 0 {
		maxRetries = DefaultMaxRetries
	}

	endpoints := make([]string, len(uri.Hosts))
	for i, h := range uri.Hosts {
		endpoints[i] = "http://" + h.String()
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		Username:    uri.Username,
		Password:    uri.Password,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, errors.New(errors.CodeConfiguration, "failed to connect to etcd", err)
	}
	return &Store{client: client, maxRetries: maxRetries}, nil
}

func prefixed(key string) string {
	return keyPrefix + key
}

// windowValue renders "count:window_end" with window_end as fractional epoch
// seconds.
func windowValue(count int64, windowEnd float64) string {
	return strconv.FormatInt(count, 10) + ":" + strconv.FormatFloat(windowEnd, 'f', 6, 64)
}

func parseWindowValue(value []byte) (count int64, windowEnd float64) {
	text := string(value)
	sep := strings.IndexByte(text, ':')
	if sep < 0 {
		return 0, 0
	}
	count, _ = strconv.ParseInt(text[:sep], 10, 64)
	windowEnd, _ = strconv.ParseFloat(text[sep+1:], 64)
	return count, windowEnd
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

func (s *Store) Incr(ctx context.Context, key string, expiry time.Duration, amount int64, elastic bool) (int64, error) {
	etcdKey := prefixed(key)
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		now := time.Now()

		resp, err := s.client.Get(ctx, etcdKey)
		if err != nil {
			return 0, errors.Wrap(err, "etcd get failed")
		}

		if len(resp.Kvs) == 0 {
			lease, err := s.client.Grant(ctx, leaseSeconds(expiry))
			if err != nil {
				return 0, errors.Wrap(err, "etcd lease grant failed")
			}
			windowEnd := epochSeconds(now.Add(expiry))
			created, err := s.client.Txn(ctx).
				If(clientv3.Compare(clientv3.CreateRevision(etcdKey), "=", 0)).
				Then(clientv3.OpPut(etcdKey, windowValue(amount, windowEnd), clientv3.WithLease(lease.ID))).
				Commit()
			if err != nil {
				return 0, errors.Wrap(err, "etcd create txn failed")
			}
			if created.Succeeded {
				return amount, nil
			}
			// Lost the creation race; release the unused lease and retry.
			_, _ = s.client.Revoke(ctx, lease.ID)
			continue
		}

		kv := resp.Kvs[0]
		count, windowEnd := parseWindowValue(kv.Value)
		if windowEnd <= epochSeconds(now) {
			// Lapsed window the lease has not collected yet.
			if kv.Lease != 0 {
				_, _ = s.client.Revoke(ctx, clientv3.LeaseID(kv.Lease))
			}
			_, err := s.client.Delete(ctx, etcdKey)
			if err != nil {
				return 0, errors.Wrap(err, "etcd delete failed")
			}
			continue
		}

		if elastic {
			if kv.Lease != 0 {
				if _, err := s.client.KeepAliveOnce(ctx, clientv3.LeaseID(kv.Lease)); err != nil {
					return 0, errors.Wrap(err, "etcd lease refresh failed")
				}
			}
			windowEnd = epochSeconds(now.Add(expiry))
		}

		next := count + amount
		updated, err := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.Value(etcdKey), "=", string(kv.Value))).
			Then(clientv3.OpPut(etcdKey, windowValue(next, windowEnd), clientv3.WithLease(clientv3.LeaseID(kv.Lease)))).
			Commit()
		if err != nil {
			return 0, errors.Wrap(err, "etcd update txn failed")
		}
		if updated.Succeeded {
			return next, nil
		}
	}
	return 0, errors.ConcurrentUpdate(key, s.maxRetries)
}

// leaseSeconds clamps to etcd's 1s lease floor.
func leaseSeconds(expiry time.Duration) int64 {
	s := int64(expiry / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

func (s *Store) Get(ctx context.Context, key string) (int64, error) {
	resp, err := s.client.Get(ctx, prefixed(key))
	if err != nil {
		return 0, errors.Wrap(err, "etcd get failed")
	}
	if len(resp.Kvs) == 0 {
		return 0, nil
	}
	count, windowEnd := parseWindowValue(resp.Kvs[0].Value)
	if windowEnd > epochSeconds(time.Now()) {
		return count, nil
	}
	return 0, nil
}

func (s *Store) GetExpiry(ctx context.Context, key string) (time.Time, error) {
	resp, err := s.client.Get(ctx, prefixed(key))
	if err != nil {
		return time.Time{}, errors.Wrap(err, "etcd get failed")
	}
	if len(resp.Kvs) == 0 {
		return time.Now(), nil
	}
	_, windowEnd := parseWindowValue(resp.Kvs[0].Value)
	return time.UnixMicro(int64(windowEnd * 1e6)), nil
}

func (s *Store) Clear(ctx context.Context, key string) error {
	if _, err := s.client.Delete(ctx, prefixed(key)); err != nil {
		return errors.Wrap(err, "etcd delete failed")
	}
	return nil
}

func (s *Store) Reset(ctx context.Context) (int64, error) {
	resp, err := s.client.Delete(ctx, keyPrefix, clientv3.WithPrefix())
	if err != nil {
		return 0, errors.Wrap(err, "etcd reset failed")
	}
	return resp.Deleted, nil
}

func (s *Store) Check(ctx context.Context) bool {
	if len(s.client.Endpoints()) == 0 {
		return false
	}
	_, err := s.client.Status(ctx, s.client.Endpoints()[0])
	return err == nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// Sliding windows bucket counters by wall-clock epoch interval; each bucket
// lives for two window lengths so the lapsed bucket serves as "previous".

func windowInterval(expiry time.Duration, at time.Time) int64 {
	return at.UnixNano() / expiry.Nanoseconds()
}

func currentWindowKey(key string, expiry time.Duration, now time.Time) string {
	return key + "/" + strconv.FormatInt(windowInterval(expiry, now), 10)
}

func previousWindowKey(key string, expiry time.Duration, now time.Time) string {
	return key + "/" + strconv.FormatInt(windowInterval(expiry, now)-1, 10)
}

func (s *Store) AcquireSlidingWindowEntry(ctx context.Context, key string, limit int64, expiry time.Duration, amount int64) (bool, error) {
	if amount > limit {
		return false, nil
	}
	now := time.Now()
	state, err := s.slidingWindow(ctx, key, expiry, now)
	if err != nil {
		return false, err
	}
	if state.WeightedCount(expiry)+float64(amount) > float64(limit) {
		return false, nil
	}
	current := currentWindowKey(key, expiry, now)
	post, err := s.Incr(ctx, current, 2*expiry, amount, false)
	if err != nil {
		return false, err
	}
	if post > limit {
		// The current bucket alone filled up between the read and the
		// increment; undo before refusing.
		if _, undoErr := s.Incr(ctx, current, 2*expiry, -amount, false); undoErr != nil {
			return false, undoErr
		}
		return false, nil
	}
	return true, nil
}

func (s *Store) SlidingWindow(ctx context.Context, key string, expiry time.Duration) (storage.SlidingWindowState, error) {
	return s.slidingWindow(ctx, key, expiry, time.Now())
}

func (s *Store) slidingWindow(ctx context.Context, key string, expiry time.Duration, now time.Time) (storage.SlidingWindowState, error) {
	resp, err := s.client.Txn(ctx).Then(
		clientv3.OpGet(prefixed(previousWindowKey(key, expiry, now))),
		clientv3.OpGet(prefixed(currentWindowKey(key, expiry, now))),
	).Commit()
	if err != nil {
		return storage.SlidingWindowState{}, errors.Wrap(err, "etcd sliding window failed")
	}

	var state storage.SlidingWindowState
	nowSeconds := epochSeconds(now)
	if kvs := resp.Responses[0].GetResponseRange().Kvs; len(kvs) > 0 {
		count, windowEnd := parseWindowValue(kvs[0].Value)
		if ttl := windowEnd - nowSeconds; ttl > 0 {
			state.PreviousCount = count
			state.PreviousTTL = time.Duration(ttl * float64(time.Second))
		}
	}
	if kvs := resp.Responses[1].GetResponseRange().Kvs; len(kvs) > 0 {
		count, windowEnd := parseWindowValue(kvs[0].Value)
		if ttl := windowEnd - nowSeconds; ttl > 0 {
			state.CurrentCount = count
			state.CurrentTTL = time.Duration(ttl * float64(time.Second))
		}
	}
	return state, nil
}

var (
	_ storage.Storage              = (*Store)(nil)
	_ storage.SlidingWindowStorage = (*Store)(nil)
)
