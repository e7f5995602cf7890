package auth

import (
	"log/slog"
	"net/http"

	"github.com/tjfontaine/camgate/internal/domain"
)

// Evicter drops cached state for a token.
type Evicter interface {
	Evict(token string)
}

// LogoutHandler evicts the caller's token from the introspection cache so
// the next request with it is checked against the auth service again.
func LogoutHandler(cache Evicter, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := ExtractBearer(r)
		if err != nil {
			domain.WriteError(w, err)
			return
		}
		cache.Evict(token)
		logger.Info("token evicted on logout", slog.String("token_hash", HashToken(token)[:12]))
		w.WriteHeader(http.StatusNoContent)
	})
}
