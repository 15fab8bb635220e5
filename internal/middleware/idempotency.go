package middleware

import (
	"bytes"
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/response"
	"github.com/stemsi/exstem-attempt/internal/service"
)

// RequestLedger remembers processed requests by idempotency key.
type RequestLedger interface {
	Claim(ctx context.Context, scope, key string) (service.ClaimState, []byte, error)
	Complete(ctx context.Context, scope, key string, body []byte) error
	Release(ctx context.Context, scope, key string) error
}

// recordingWriter copies the response body while writing it out.
type recordingWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *recordingWriter) Write(data []byte) (int, error) {
	w.body.Write(data)
	return w.ResponseWriter.Write(data)
}

func (w *recordingWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Idempotency makes POSTs carrying model.IdempotencyHeader safe to retry.
// A completed request is replayed from the ledger, a request still running
// is refused with 425, and a failed one is forgotten so the retry runs it.
// Keys are scoped by the :attempt_id path parameter.
func Idempotency(ledger RequestLedger, log zerolog.Logger) gin.HandlerFunc {
	log = log.With().Str("component", "idempotency").Logger()

	return func(c *gin.Context) {
		key := c.GetHeader(model.IdempotencyHeader)
		if key == "" || c.Request.Method != http.MethodPost {
			c.Next()
			return
		}
		scope := c.Param("attempt_id")

		state, stored, err := ledger.Claim(c.Request.Context(), scope, key)
		if err != nil {
			// Fail open: the store's own guards still hold.
			log.Warn().Err(err).Str("key", key).Msg("Idempotency ledger unavailable")
			c.Next()
			return
		}

		switch state {
		case service.ClaimInFlight:
			response.AbortFail(c, http.StatusTooEarly, response.ErrDuplicateRequestInUse)
			return
		case service.ClaimReplay:
			c.Header("Idempotent-Replayed", "true")
			c.Data(http.StatusOK, "application/json; charset=utf-8", stored)
			c.Abort()
			return
		}

		rec := &recordingWriter{ResponseWriter: c.Writer}
		c.Writer = rec
		c.Next()

		ctx := context.WithoutCancel(c.Request.Context())
		status := rec.Status()
		if status >= 200 && status < 300 {
			if err := ledger.Complete(ctx, scope, key, rec.body.Bytes()); err != nil {
				log.Warn().Err(err).Str("key", key).Msg("Failed to record idempotent response")
			}
			return
		}
		if err := ledger.Release(ctx, scope, key); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Failed to release idempotency key")
		}
	}
}
