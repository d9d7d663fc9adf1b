package pathsafe

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Middleware rejects requests whose path fails [Sanitize] with 400 and
// rewrites the path of every other request to its normalized form, so the
// router matches "/webhook//x/" as "/webhook/x". A nil logger uses
// [slog.Default].
func Middleware(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clean, err := Sanitize(r.URL.Path)
			if err != nil {
				logger.WarnContext(r.Context(), "rejected unsafe request path",
					"error", err,
					"method", r.Method,
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(w).Encode(errorResponse{
					Error:   "invalid_path",
					Message: "request path is not allowed",
				})
				return
			}
			if clean != r.URL.Path {
				r2 := r.Clone(r.Context())
				r2.URL.Path = clean
				r2.URL.RawPath = ""
				r = r2
			}
			next.ServeHTTP(w, r)
		})
	}
}
