package server

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"vendorvote/services/rewardd/keylock"
	"vendorvote/services/rewardd/models"
)

const idempotencyHeader = "Idempotency-Key"

// WithIdempotency replays the stored response for a repeated Idempotency-Key
// on POST requests from the same token subject. Concurrent requests with one key run one at a time. Server
// errors are not stored so the client can retry.
func WithIdempotency(db *gorm.DB, logger *slog.Logger) func(http.Handler) http.Handler {
	locks := keylock.New()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
			if key == "" || r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > 128 {
				writeError(w, http.StatusBadRequest, "idempotency key too long")
				return
			}
			key = scopedIdempotencyKey(r.Context(), key)
			unlock := locks.Lock(key)
			defer unlock()

			var record models.IdempotencyKey
			if err := db.WithContext(r.Context()).First(&record, "key = ?", key).Error; err == nil {
				if record.Method != r.Method || record.Path != r.URL.Path {
					writeError(w, http.StatusUnprocessableEntity, "idempotency key reused for a different request")
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(record.Status)
				_, _ = w.Write([]byte(record.Response))
				return
			}

			recorder := &responseRecorder{ResponseWriter: w}
			next.ServeHTTP(recorder, r)

			status := recorder.status
			if status == 0 {
				status = http.StatusOK
			}
			if status >= http.StatusInternalServerError {
				return
			}
			payload := models.IdempotencyKey{
				Key:       key,
				RequestID: chimw.GetReqID(r.Context()),
				Method:    r.Method,
				Path:      r.URL.Path,
				Status:    status,
				Response:  recorder.buf.String(),
				CreatedAt: time.Now().UTC(),
			}
			if err := db.WithContext(r.Context()).Clauses(clause.OnConflict{DoNothing: true}).Create(&payload).Error; err != nil {
				logger.Warn("store idempotent response", slog.String("path", r.URL.Path), slog.Any("error", err))
			}
		})
	}
}

// scopedIdempotencyKey prefixes key with the token subject so callers cannot
// replay each other's responses.
func scopedIdempotencyKey(ctx context.Context, key string) string {
	subject, _ := ctx.Value(contextKeySubject).(string)
	if subject == "" {
		return key
	}
	return subject + ":" + key
}

// responseRecorder captures the response for idempotent operations.
type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	if rr.status == 0 {
		rr.status = status
	}
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}
