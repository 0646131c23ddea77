/*
Package limits defines the rate limit descriptor and its string notation.

A RateLimit is an immutable value describing one quota: an amount per a
window of multiples x granularity (e.g. "10 per 3 minute"). It knows how to
compose the storage key for a set of caller-supplied identifiers, and it
round-trips through Parse / String.

Usage:

	item := limits.PerMinute(10)
	key := item.Key("user", "42")          // LIMITER/user/42/10/1/minute

	item, err := limits.Parse("100/hour")
	items, err := limits.ParseMany("1/second; 1000 per day")
*/
package limits
