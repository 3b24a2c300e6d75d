package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	domainerrors "anypay.backend/internal/domain/errors"
	"anypay.backend/pkg/logger"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	TimestampHeader = "X-Webhook-Timestamp"

	maxWebhookBody = 1 << 20
)

var (
	ErrWebhookNotConfigured = errors.New("webhook secret not configured")
	ErrMissingSignature     = errors.New("missing webhook signature")
	ErrMissingTimestamp     = errors.New("missing webhook timestamp")
	ErrStaleTimestamp       = errors.New("stale webhook timestamp")
	ErrInvalidSignature     = errors.New("invalid webhook signature")
)

var webhookNow = time.Now

// WebhookSignatureMiddleware authenticates bridge delivery pushes. The sender signs
// hex(HMAC-SHA256(secret, timestamp + "." + body)) and sends the unix timestamp alongside.
func WebhookSignatureMiddleware(secret string, maxSkew time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := verifyWebhook(c, secret, maxSkew); err != nil {
			logger.Warn(c.Request.Context(), "Webhook rejected", zap.String("path", c.Request.URL.Path), zap.Error(err))
			abortWith(c, domainerrors.Unauthorized(err.Error()))
			return
		}
		c.Next()
	}
}

func verifyWebhook(c *gin.Context, secret string, maxSkew time.Duration) error {
	if secret == "" {
		return ErrWebhookNotConfigured
	}

	sig := strings.TrimPrefix(strings.ToLower(c.GetHeader(SignatureHeader)), "sha256=")
	if sig == "" {
		return ErrMissingSignature
	}
	tsHeader := c.GetHeader(TimestampHeader)
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return ErrMissingTimestamp
	}

	now := webhookNow()
	reqTime := time.Unix(ts, 0)
	if now.Sub(reqTime) > maxSkew || reqTime.Sub(now) > maxSkew {
		return ErrStaleTimestamp
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		return err
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))

	expected := SignWebhook(secret, tsHeader, body)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return ErrInvalidSignature
	}
	return nil
}

// SignWebhook computes the signature a sender puts in X-Webhook-Signature
func SignWebhook(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
