package port

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/aelexs/identity-service/internal/domain"
	"github.com/aelexs/identity-service/internal/errmap"
)

const maxBodyBytes = 8 << 10

// validate is initialised once; it is safe for concurrent use.
var validate = validator.New(validator.WithRequiredStructEnabled())

// decodeAndValidate reads a JSON body into dst and checks its validate tags.
// Every failure wraps domain.ErrInvalidInput.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", domain.ErrInvalidInput)
	}

	if err := validate.Struct(dst); err != nil {
		var ve validator.ValidationErrors
		if !errors.As(err, &ve) {
			return fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
		}
		msgs := make([]string, 0, len(ve))
		for _, fe := range ve {
			msgs = append(msgs, fmt.Sprintf("field '%s' failed '%s'", fe.Field(), fe.Tag()))
		}
		return fmt.Errorf("%s: %w", strings.Join(msgs, "; "), domain.ErrInvalidInput)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error errmap.HTTPError `json:"error"`
}

// writeError maps err to a response. Server-side failures are logged with
// the full chain; the client only sees the mapped code.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	he := errmap.ToHTTPError(err)
	if he.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(he.RetryAfterSeconds))
	}

	logger := h.requestLogger(r)
	switch {
	case he.StatusCode >= http.StatusInternalServerError:
		logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "status", he.StatusCode, "error", err)
	case he.StatusCode != http.StatusTooManyRequests:
		logger.DebugContext(r.Context(), "request rejected",
			"method", r.Method, "path", r.URL.Path, "error_code", he.Code, "error", err)
	}

	writeJSON(w, he.StatusCode, errorResponse{Error: he})
}

var rateLimitedError = errmap.ToHTTPError(domain.ErrRateLimited)
