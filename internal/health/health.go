// Package health reports whether the configured origins are reachable.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"
)

const pingTimeout = 10 * time.Second

// Pinger is the slice of an origin client the checker needs.
type Pinger interface {
	Name() string
	Ping(ctx context.Context) error
}

// Checker pings every origin on demand. Used by the admin /healthz endpoint.
type Checker struct {
	origins []Pinger
}

func NewChecker(origins []Pinger) *Checker {
	return &Checker{origins: origins}
}

// Check pings all origins and returns one entry per origin name. A nil value
// means the origin answered.
func (c *Checker) Check(ctx context.Context) map[string]error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	out := make(map[string]error, len(c.origins))
	for _, o := range c.origins {
		out[o.Name()] = o.Ping(ctx)
	}
	return out
}

// Handler serves a plain text health report. 200 when every origin answers,
// 503 when any does not.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		results := c.Check(r.Context())

		names := make([]string, 0, len(results))
		for name := range results {
			names = append(names, name)
		}
		sort.Strings(names)

		code := http.StatusOK
		for _, name := range names {
			if results[name] != nil {
				code = http.StatusServiceUnavailable
				break
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(code)
		for _, name := range names {
			if err := results[name]; err != nil {
				fmt.Fprintf(w, "%s: %v\n", name, err)
			} else {
				fmt.Fprintf(w, "%s: ok\n", name)
			}
		}
	})
}
