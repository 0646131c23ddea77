/*
Package storage defines the capability contract between rate limiting
strategies and their backing stores, and the scheme registry that builds a
store from a URI.

Every backend implements the Counter capability (Storage). Backends that can
keep an ordered log of hit timestamps additionally implement
MovingWindowStorage, and backends that can keep the current/previous counter
pair implement SlidingWindowStorage.

Drivers live in adapters subpackages and register their URI schemes at load
time, so callers import the drivers they need for their side effects:

	import (
		"github.com/chris-alexander-pop/ratelimits/pkg/limits/storage"
		_ "github.com/chris-alexander-pop/ratelimits/pkg/limits/storage/adapters/memory"
		_ "github.com/chris-alexander-pop/ratelimits/pkg/limits/storage/adapters/redis"
	)

	store, err := storage.NewFromURI("redis://localhost:6379")
	defer store.Close()

An "async+" scheme prefix is accepted and resolves to the same driver: all
operations take a context.Context and suspend only on network round trips,
which is the cooperative surface in Go.
*/
package storage
