package storage

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/chris-alexander-pop/ratelimits/pkg/errors"
)

// AsyncSchemePrefix marks a URI that requests the cooperative-async surface.
// Both surfaces are served by the same drivers; the prefix is recorded and
// stripped before scheme lookup.
const AsyncSchemePrefix = "async+"

// Host is one backend location.
type Host struct {
	Name string
	Port int
}

func (h Host) String() string {
	return net.JoinHostPort(h.Name, strconv.Itoa(h.Port))
}

// URI is the parsed form of a storage URI such as
// "redis+cluster://user:pass@h1:7000,h2:7000/0?max_retries=3" or
// "memcached:///var/run/memcached.sock".
type URI struct {
	Raw      string
	Scheme   string
	Async    bool
	Username string
	Password string
	Hosts    []Host
	Path     string
	Query    url.Values
}

// Addrs renders each host as "host:port".
func (u URI) Addrs() []string {
	addrs := make([]string, len(u.Hosts))
	for i, h := range u.Hosts {
		addrs[i] = h.String()
	}
	return addrs
}

// QueryInt reads an integer query option, falling back to def when absent.
func (u URI) QueryInt(name string, def int) (int, error) {
	raw := u.Query.Get(name)
	if raw == "" {
		return def, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New(errors.CodeConfiguration,
			fmt.Sprintf("invalid integer for option %q: %q", name, raw), err)
	}
	return value, nil
}

// ParseURI splits a storage URI into scheme, credentials, host list, path and
// query. The host part may be a comma separated list; socket-path forms
// ("scheme+unix:///path" or "memcached:///path") leave Hosts empty and carry
// the socket in Path.
func ParseURI(raw string) (URI, error) {
	schemeEnd := strings.Index(raw, "://")
	if schemeEnd <= 0 {
		return URI{}, errors.New(errors.CodeConfiguration,
			fmt.Sprintf("invalid storage uri %q", raw), nil)
	}
	uri := URI{Raw: raw, Scheme: strings.ToLower(raw[:schemeEnd]), Query: url.Values{}}
	if strings.HasPrefix(uri.Scheme, AsyncSchemePrefix) {
		uri.Async = true
		uri.Scheme = strings.TrimPrefix(uri.Scheme, AsyncSchemePrefix)
	}

	rest := raw[schemeEnd+3:]
	if q := strings.IndexByte(rest, '?'); q >= 0 {
		query, err := url.ParseQuery(rest[q+1:])
		if err != nil {
			return URI{}, errors.New(errors.CodeConfiguration,
				fmt.Sprintf("invalid query in storage uri %q", raw), err)
		}
		uri.Query = query
		rest = rest[:q]
	}

	authority := rest
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		authority = rest[:slash]
		uri.Path = rest[slash:]
	}

	if at := strings.LastIndexByte(authority, '@'); at >= 0 {
		userinfo := authority[:at]
		authority = authority[at+1:]
		if colon := strings.IndexByte(userinfo, ':'); colon >= 0 {
			uri.Username = userinfo[:colon]
			uri.Password = userinfo[colon+1:]
		} else {
			uri.Username = userinfo
		}
	}

	for _, loc := range strings.Split(authority, ",") {
		loc = strings.TrimSpace(loc)
		if loc == "" {
			continue
		}
		host, portString, err := net.SplitHostPort(loc)
		if err != nil {
			return URI{}, errors.New(errors.CodeConfiguration,
				fmt.Sprintf("missing host or port in location %q of uri %q", loc, raw), err)
		}
		port, err := strconv.Atoi(portString)
		if err != nil {
			return URI{}, errors.New(errors.CodeConfiguration,
				fmt.Sprintf("invalid port in location %q of uri %q", loc, raw), err)
		}
		uri.Hosts = append(uri.Hosts, Host{Name: host, Port: port})
	}

	return uri, nil
}
