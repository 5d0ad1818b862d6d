package webhook

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
)

// DefaultBodyLimit bounds the bytes read from a webhook POST
const DefaultBodyLimit int64 = 1 << 20

type rawBodyKey struct{}

// WithRawBody stores the unparsed request bytes in ctx
func WithRawBody(ctx context.Context, body []byte) context.Context {
	return context.WithValue(ctx, rawBodyKey{}, body)
}

// RawBody returns the bytes stored by CaptureRawBody
func RawBody(ctx context.Context) ([]byte, bool) {
	body, ok := ctx.Value(rawBodyKey{}).([]byte)
	return body, ok
}

// CaptureRawBody reads the whole request body before any handler decodes it
// and keeps the exact bytes in the request context. Bodies above limit get
// 413. The body is replaced with a reader over the same bytes.
func CaptureRawBody(limit int64) func(http.Handler) http.Handler {
	if limit <= 0 {
		limit = DefaultBodyLimit
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil || r.Body == http.NoBody {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					writeText(w, http.StatusRequestEntityTooLarge, "request body too large")
					return
				}
				writeText(w, http.StatusBadRequest, "unable to read request body")
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			ctx := r.Context()
			if len(body) > 0 {
				ctx = WithRawBody(ctx, body)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
