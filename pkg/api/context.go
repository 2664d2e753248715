package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type correlationIDKey struct{}

// correlationHeader is the header the Control API reads an inbound
// correlation id from and echoes it back on, per spec §7's "stable
// error code and a correlation id" requirement.
const correlationHeader = "X-Correlation-Id"

// withCorrelationID stamps every request with a correlation id — the
// caller's, if it supplied one, otherwise a freshly generated one — and
// echoes it back on the response so a caller that didn't supply one can
// still log it against the orchestrator's JobLog entries.
func withCorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(correlationHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(correlationHeader, id)
		ctx := context.WithValue(r.Context(), correlationIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func correlationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}
	return ""
}
