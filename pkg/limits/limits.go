package limits

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultNamespace is the key namespace used when none is configured.
const DefaultNamespace = "LIMITER"

// Granularity is the unit of a rate limit window.
type Granularity struct {
	Name    string
	Seconds int64
}

var (
	Second = Granularity{"second", 1}
	Minute = Granularity{"minute", 60}
	Hour   = Granularity{"hour", 60 * 60}
	Day    = Granularity{"day", 60 * 60 * 24}
	Month  = Granularity{"month", 60 * 60 * 24 * 30}
	Year   = Granularity{"year", 60 * 60 * 24 * 30 * 12}
)

// granularities in parse order. Names are unique; lookup is case-insensitive.
var granularities = []Granularity{Second, Minute, Hour, Day, Month, Year}

// GranularityFromString resolves a granularity by name ("minute", "Hours", ...).
func GranularityFromString(name string) (Granularity, bool) {
	normalized := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(name), "s"))
	for _, g := range granularities {
		if g.Name == normalized {
			return g, true
		}
	}
	return Granularity{}, false
}

// RateLimit describes a rate limited resource: the characteristic namespace,
// amount and granularity multiples of the rate limiting window. It is a value
// type and is not modified after construction.
type RateLimit struct {
	Namespace   string
	Amount      int64
	Multiples   int64
	Granularity Granularity
}

// New builds a RateLimit in the default namespace. Amount and multiples are
// clamped to at least 1.
func New(amount, multiples int64, granularity Granularity) RateLimit {
	if amount < 1 {
		amount = 1
	}
	if multiples < 1 {
		multiples = 1
	}
	return RateLimit{
		Namespace:   DefaultNamespace,
		Amount:      amount,
		Multiples:   multiples,
		Granularity: granularity,
	}
}

// PerSecond returns a per-second rate limit. The optional multiples argument
// widens the window ("n per m seconds").
func PerSecond(amount int64, multiples ...int64) RateLimit {
	return per(amount, multiples, Second)
}

// PerMinute returns a per-minute rate limit.
func PerMinute(amount int64, multiples ...int64) RateLimit {
	return per(amount, multiples, Minute)
}

// PerHour returns a per-hour rate limit.
func PerHour(amount int64, multiples ...int64) RateLimit {
	return per(amount, multiples, Hour)
}

// PerDay returns a per-day rate limit.
func PerDay(amount int64, multiples ...int64) RateLimit {
	return per(amount, multiples, Day)
}

// PerMonth returns a per-month rate limit.
func PerMonth(amount int64, multiples ...int64) RateLimit {
	return per(amount, multiples, Month)
}

// PerYear returns a per-year rate limit.
func PerYear(amount int64, multiples ...int64) RateLimit {
	return per(amount, multiples, Year)
}

func per(amount int64, multiples []int64, g Granularity) RateLimit {
	m := int64(1)
	if len(multiples) > 0 {
		m = multiples[0]
	}
	return New(amount, m, g)
}

// WithNamespace returns a copy of the limit in the given namespace.
func (r RateLimit) WithNamespace(namespace string) RateLimit {
	r.Namespace = namespace
	return r
}

// ExpirySeconds is the size of the window in seconds.
func (r RateLimit) ExpirySeconds() int64 {
	return r.Granularity.Seconds * r.Multiples
}

// Expiry is the size of the window as a duration.
func (r RateLimit) Expiry() time.Duration {
	return time.Duration(r.ExpirySeconds()) * time.Second
}

// Key composes the storage key identifying this limit for the given
// identifiers, each appended with a '/' delimiter.
func (r RateLimit) Key(identifiers ...string) string {
	namespace := r.Namespace
	if namespace == "" {
		namespace = DefaultNamespace
	}
	parts := make([]string, 0, len(identifiers)+4)
	parts = append(parts, namespace)
	parts = append(parts, identifiers...)
	parts = append(parts,
		strconv.FormatInt(r.Amount, 10),
		strconv.FormatInt(r.Multiples, 10),
		r.Granularity.Name,
	)
	return strings.Join(parts, "/")
}

// Equal reports whether two limits describe the same quota. Namespace and
// multiples are not part of the identity.
func (r RateLimit) Equal(other RateLimit) bool {
	return r.Amount == other.Amount && r.Granularity == other.Granularity
}

// Less orders limits by window granularity, shortest first.
func (r RateLimit) Less(other RateLimit) bool {
	return r.Granularity.Seconds < other.Granularity.Seconds
}

// String renders the limit in the canonical "N per M granularity" notation
// accepted by Parse.
func (r RateLimit) String() string {
	return fmt.Sprintf("%d per %d %s", r.Amount, r.Multiples, r.Granularity.Name)
}
