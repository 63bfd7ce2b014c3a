package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"shipcover/services/insurance-gateway/auth"
	"shipcover/services/insurance-gateway/models"
)

// IdempotencyHeader names the client supplied request key.
const IdempotencyHeader = "Idempotency-Key"

const (
	idempotencyPending  = "pending"
	idempotencyComplete = "complete"

	maxIdempotentBody = 1 << 20
)

var errBodyTooLarge = errors.New("request body too large")

// WithIdempotency executes a mutating request at most once per key. The key is
// claimed before the handler runs, so a concurrent duplicate is refused rather
// than executed, and a completed one replays the stored response. Keys are
// scoped to the authenticated subject, method, path and body.
func WithIdempotency(db *gorm.DB) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
			if key == "" || r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > 128 {
				http.Error(w, "idempotency key too long", http.StatusBadRequest)
				return
			}
			subject, _ := auth.FromContext(r.Context())

			body, err := readBody(r)
			switch {
			case errors.Is(err, errBodyTooLarge):
				http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
				return
			case err != nil:
				http.Error(w, "request body unreadable", http.StatusBadRequest)
				return
			}
			sum := sha256.Sum256(body)
			bodyHash := hex.EncodeToString(sum[:])

			claim := models.IdempotencyKey{
				Key:       key,
				Subject:   subject,
				RequestID: uuid.NewString(),
				Method:    r.Method,
				Path:      r.URL.Path,
				BodyHash:  bodyHash,
				State:     idempotencyPending,
				CreatedAt: time.Now().UTC(),
			}
			res := db.WithContext(r.Context()).Clauses(clause.OnConflict{DoNothing: true}).Create(&claim)
			if res.Error != nil {
				http.Error(w, "idempotency claim failed", http.StatusInternalServerError)
				return
			}
			if res.RowsAffected == 0 {
				replay(w, r, db, key, subject, bodyHash)
				return
			}

			recorder := &responseRecorder{ResponseWriter: w}
			next.ServeHTTP(recorder, r)

			status := recorder.status
			if status == 0 {
				status = http.StatusOK
			}
			// Failures are stored too: a timed out submission may still execute,
			// so replaying the same key must not reach the ledger again.
			ctx := context.WithoutCancel(r.Context())
			err = db.WithContext(ctx).Model(&models.IdempotencyKey{}).
				Where("key = ?", key).
				Updates(map[string]any{
					"state":    idempotencyComplete,
					"status":   status,
					"response": recorder.buf.String(),
				}).Error
			if err != nil {
				slog.Default().ErrorContext(ctx, "idempotency record not completed",
					slog.String("idempotency_key", key),
					slog.Any("error", err))
			}
		})
	}
}

func replay(w http.ResponseWriter, r *http.Request, db *gorm.DB, key, subject, bodyHash string) {
	var record models.IdempotencyKey
	if err := db.WithContext(r.Context()).First(&record, "key = ?", key).Error; err != nil {
		http.Error(w, "idempotency lookup failed", http.StatusInternalServerError)
		return
	}
	if record.Subject != subject || record.Method != r.Method || record.Path != r.URL.Path || record.BodyHash != bodyHash {
		http.Error(w, "idempotency key reused for a different request", http.StatusUnprocessableEntity)
		return
	}
	if record.State != idempotencyComplete {
		http.Error(w, "request with this idempotency key is still in progress", http.StatusConflict)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Idempotent-Replay", "true")
	w.WriteHeader(record.Status)
	_, _ = io.WriteString(w, record.Response)
}

// readBody drains the request body for hashing and puts it back for the handler.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBody+1))
	_ = r.Body.Close()
	if err != nil {
		return nil, err
	}
	if len(body) > maxIdempotentBody {
		return nil, errBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// responseRecorder captures the response for idempotent operations.
type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}
