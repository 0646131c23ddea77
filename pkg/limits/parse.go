package limits

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/chris-alexander-pop/ratelimits/pkg/errors"
)

var (
	separators = regexp.MustCompile(`[,;|]`)
	singleExpr = regexp.MustCompile(
		`(?i)^\s*([0-9]+)\s*(?:/|per)\s*([0-9]*)\s*(hour|minute|second|day|month|year)s?\s*$`)
)

// Parse parses a single rate limit in string notation
// (e.g. "1/second" or "1 per second").
func Parse(limitString string) (RateLimit, error) {
	parsed, err := ParseMany(limitString)
	if err != nil {
		return RateLimit{}, err
	}
	return parsed[0], nil
}

// ParseMany parses rate limits in string notation containing multiple rate
// limits (e.g. "1/second; 5/minute"). Accepted separators are ',', ';' and
// '|'.
func ParseMany(limitString string) ([]RateLimit, error) {
	exprs := separators.Split(limitString, -1)
	parsed := make([]RateLimit, 0, len(exprs))
	for _, expr := range exprs {
		match := singleExpr.FindStringSubmatch(expr)
		if match == nil {
			return nil, errors.New(errors.CodeInvalidArgument,
				fmt.Sprintf("couldn't parse rate limit string %q", limitString), nil)
		}
		amount, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil {
			return nil, errors.New(errors.CodeInvalidArgument,
				fmt.Sprintf("couldn't parse rate limit string %q", limitString), err)
		}
		multiples := int64(1)
		if match[2] != "" {
			if multiples, err = strconv.ParseInt(match[2], 10, 64); err != nil {
				return nil, errors.New(errors.CodeInvalidArgument,
					fmt.Sprintf("couldn't parse rate limit string %q", limitString), err)
			}
		}
		granularity, ok := GranularityFromString(match[3])
		if !ok {
			return nil, errors.New(errors.CodeInvalidArgument,
				fmt.Sprintf("no granularity matched for %q", match[3]), nil)
		}
		parsed = append(parsed, New(amount, multiples, granularity))
	}
	return parsed, nil
}
