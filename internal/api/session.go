package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// sessionHeader carries the caller's session id. Clients echo back the id
// the first response assigned them.
const sessionHeader = "X-Session-Id"

type sessionKey struct{}

// sessionMiddleware attaches a session id to every request, assigning a new
// one when the client sent none or an invalid one.
func sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(sessionHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(sessionHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, id)))
	})
}

// SessionID returns the session id attached to ctx.
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}

// SessionCacheBy partitions cached results per session. Pass it to
// manager.WithCache.
func SessionCacheBy(ctx context.Context) string {
	return SessionID(ctx)
}

// limitSubmissions rejects submissions beyond the configured rate.
func (s *Server) limitSubmissions(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := s.limiter.Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			recordSubmit("", submitThrottled)
			w.Header().Set("Retry-After", strconv.Itoa(int(delay.Round(time.Second)/time.Second)+1))
			s.writeError(w, http.StatusTooManyRequests, "too many submissions")
			return
		}
		next.ServeHTTP(w, r)
	})
}
