package http

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"

	"golang.org/x/sync/singleflight"

	"github.com/stepsync/studio_services/internal/platform/idempotency"
	"github.com/stepsync/studio_services/internal/studio_service/app"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	ReplayedHeader       = "Idempotent-Replayed"
	maxIdempotencyKeyLen = 255
)

// ResponseStore keeps the first response stored for a key.
type ResponseStore interface {
	Get(key string) (*idempotency.Record, error)
	Save(rec idempotency.Record) (*idempotency.Record, bool, error)
}

// responseCapture buffers a handler's response so it can be stored and replayed.
type responseCapture struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (c *responseCapture) Header() http.Header { return c.header }

func (c *responseCapture) Write(b []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	return c.body.Write(b)
}

func (c *responseCapture) WriteHeader(status int) {
	if c.status == 0 {
		c.status = status
	}
}

type idempotentResult struct {
	record idempotency.Record
	stored bool
}

// Idempotency replays the first successful response for a repeated Idempotency-Key on
// POST requests. Keys are scoped by caller and route. Concurrent requests with the same
// key share one execution. Non-2xx responses are not stored, so a failed call can be retried.
func Idempotency(store ResponseStore, logger *slog.Logger) func(next http.Handler) http.Handler {
	var group singleflight.Group
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyKeyHeader)
			if r.Method != http.MethodPost || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxIdempotencyKeyLen {
				respondWithError(w, http.StatusBadRequest, "invalid-argument", "Idempotency-Key is too long")
				return
			}

			caller := "anonymous"
			if p, ok := app.PrincipalFromContext(r.Context()); ok {
				caller = p.Email
			}
			scoped := caller + "|" + r.Method + " " + r.URL.Path + "|" + key

			ran := false
			v, err, _ := group.Do(scoped, func() (interface{}, error) {
				ran = true
				rec, err := store.Get(scoped)
				if err == nil {
					return idempotentResult{record: *rec, stored: true}, nil
				}
				if !errors.Is(err, idempotency.ErrNotFound) {
					return nil, err
				}

				capture := &responseCapture{header: http.Header{}}
				next.ServeHTTP(capture, r)
				if capture.status == 0 {
					capture.status = http.StatusOK
				}
				result := idempotentResult{record: idempotency.Record{
					Key:        scoped,
					StatusCode: capture.status,
					Header:     capture.header.Clone(),
					Body:       capture.body.Bytes(),
				}}
				if capture.status >= 200 && capture.status < 300 {
					if saved, _, err := store.Save(result.record); err != nil {
						logger.ErrorContext(r.Context(), "Failed to store idempotent response", "error", err)
					} else {
						result.record = *saved
					}
				}
				return result, nil
			})
			if err != nil {
				logger.ErrorContext(r.Context(), "Idempotency store lookup failed", "error", err)
				respondWithError(w, http.StatusInternalServerError, "internal", "Failed to check idempotency key")
				return
			}

			result := v.(idempotentResult)
			for name, values := range result.record.Header {
				w.Header()[name] = append([]string(nil), values...)
			}
			if !ran || result.stored {
				w.Header().Set(ReplayedHeader, "true")
			}
			w.WriteHeader(result.record.StatusCode)
			if _, err := w.Write(result.record.Body); err != nil {
				logger.WarnContext(r.Context(), "Failed to write response", "error", err)
			}
		})
	}
}
