package redis

import (
	"context"
	"sync/atomic"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/chris-alexander-pop/ratelimits/pkg/errors"
)

// resetCluster runs the reset script on every master, since SCAN only walks
// one node's keyspace.
func resetCluster(ctx context.Context, cluster *goredis.ClusterClient, pattern string) (int64, error) {
	var removed atomic.Int64
	group, ctx := errgroup.WithContext(ctx)
	err := cluster.ForEachMaster(ctx, func(ctx context.Context, master *goredis.Client) error {
		group.Go(func() error {
			deleted, err := resetScript.Run(ctx, master, []string{}, pattern).Int64()
			if err != nil {
				return err
			}
			removed.Add(deleted)
			return nil
		})
		return nil
	})
	if waitErr := group.Wait(); waitErr != nil {
		return 0, errors.Wrap(waitErr, "redis cluster reset failed")
	}
	if err != nil {
		return 0, errors.Wrap(err, "redis cluster reset failed")
	}
	return removed.Load(), nil
}
