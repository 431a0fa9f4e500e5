package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger is anything that can report reachability, such as a pgx pool, a
// store or a Redis client wrapper.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type Status struct {
	OK       bool            `json:"ok"`
	Message  string          `json:"message,omitempty"`
	Database bool            `json:"database,omitempty"`
	Checks   map[string]bool `json:"checks,omitempty"`
}

// HTTPHandler reports the health of the service. db may be nil; extra
// dependencies are checked by name and reported under "checks".
func HTTPHandler(db Pinger, extra map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
		defer cancel()

		st := Status{OK: true, Message: "ok", Database: true}
		if db != nil {
			if err := db.Ping(ctx); err != nil {
				st.OK = false
				st.Message = "db ping failed"
				st.Database = false
			}
		}
		for name, p := range extra {
			if st.Checks == nil {
				st.Checks = make(map[string]bool, len(extra))
			}
			healthy := p.Ping(ctx) == nil
			st.Checks[name] = healthy
			if !healthy && st.OK {
				st.OK = false
				st.Message = name + " ping failed"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
