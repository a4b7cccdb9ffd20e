package middleware

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/pawhero/backend/internal/apperr"
	"github.com/pawhero/backend/internal/schema"
)

// MaxBodyBytes bounds JSON request bodies.
const MaxBodyBytes = 64 << 10

// ValidateBody checks the JSON body against the named schema before the
// handler runs, then restores r.Body so the handler can decode it.
func ValidateBody(v *schema.Validator, name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
			r.Body.Close()
			if err != nil {
				apperr.WriteHTTP(w, apperr.Invalid("failed to read body"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

			if err := v.Validate(name, bodyBytes); err != nil {
				if errors.Is(err, schema.ErrValidation) {
					msg := strings.TrimPrefix(err.Error(), schema.ErrValidation.Error()+": ")
					apperr.WriteHTTP(w, apperr.Invalid("%s", msg))
					return
				}
				apperr.WriteHTTP(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
