package ratelimit

import (
	"net/http"
	"time"

	"github.com/relaygate/relaygate/internal/auth"
)

// pathEquals returns a skip predicate exempting every request whose path is
// not the given endpoint.
func pathEquals(path string) func(*http.Request) bool {
	return func(r *http.Request) bool { return r.URL.Path != path }
}

// anonymous skips a rule when the request carries no authenticated
// principal, so unauthenticated traffic is not collapsed into one bucket.
func anonymous(r *http.Request) bool {
	_, ok := auth.PrincipalFrom(r.Context())
	return !ok
}

// BaseRules returns the rules applied to all proxied traffic: a global
// budget (from RATE_LIMIT_MAX / RATE_LIMIT_TTL), a per-IP budget, and a
// per-user budget for authenticated requests.
func BaseRules(globalLimit int64, globalWindow time.Duration) []Rule {
	return []Rule{
		{
			Name:        "global",
			KeyTemplate: "global",
			Limit:       globalLimit,
			Window:      globalWindow,
		},
		{
			Name:        "per-ip",
			KeyTemplate: "ip:{ip}",
			Limit:       100,
			Window:      time.Minute,
		},
		{
			Name:        "per-user",
			KeyTemplate: "user:{user}",
			Limit:       200,
			Window:      time.Minute,
			Skip:        anonymous,
		},
	}
}

// EndpointRules returns the endpoint-specific rules. Each rule only counts
// requests for its own endpoint.
func EndpointRules() []Rule {
	return []Rule{
		{
			Name:        "login",
			KeyTemplate: "endpoint:{method}:{path}:ip:{ip}",
			Limit:       5,
			Window:      5 * time.Minute,
			Skip:        pathEquals("/api/v1/auth/login"),
		},
		{
			Name:        "register",
			KeyTemplate: "endpoint:{method}:{path}:ip:{ip}",
			Limit:       3,
			Window:      5 * time.Minute,
			Skip:        pathEquals("/api/v1/auth/register"),
		},
		{
			Name:        "users-endpoint",
			KeyTemplate: "endpoint:{method}:{path}",
			Limit:       50,
			Window:      time.Minute,
			Skip:        pathEquals("/api/users"),
		},
		{
			Name:        "orders-endpoint",
			KeyTemplate: "endpoint:{method}:{path}",
			Limit:       30,
			Window:      time.Minute,
			Skip:        pathEquals("/api/orders"),
		},
	}
}
