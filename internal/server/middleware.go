package server

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/crmflow-go/pkg/config"
	"github.com/crmflow-go/pkg/logger"
)

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, X-Webhook-Signature, X-Webhook-Timestamp, X-API-Key")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

func loggingMiddleware(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		if raw != "" {
			path = path + "?" + raw
		}

		log.Info("HTTP Request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", latency,
			"ip", c.ClientIP(),
		)
	}
}

// webhookAuthMiddleware verifies inbound CRM webhooks. With a signing secret
// configured, requests must carry X-Webhook-Timestamp and X-Webhook-Signature,
// where the signature is the hex HMAC-SHA256 of "<timestamp>.<body>" and the
// timestamp must be within the configured TTL. Without a secret, a static
// X-API-Key is accepted instead. With neither configured, requests pass.
func webhookAuthMiddleware(cfg config.WebhookConfig, log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.SigningSecret != "" {
			body, err := io.ReadAll(c.Request.Body)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
				return
			}
			c.Request.Body = io.NopCloser(bytes.NewReader(body))

			timestamp := c.GetHeader("X-Webhook-Timestamp")
			signature := c.GetHeader("X-Webhook-Signature")
			if timestamp == "" || signature == "" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing webhook signature"})
				return
			}

			ts, err := strconv.ParseInt(timestamp, 10, 64)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid webhook timestamp"})
				return
			}
			ttl := time.Duration(cfg.SignatureTTLSeconds) * time.Second
			if ttl > 0 {
				age := time.Since(time.Unix(ts, 0))
				if age > ttl || age < -ttl {
					c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Webhook timestamp expired"})
					return
				}
			}

			if !validSignature(cfg.SigningSecret, timestamp, body, signature) {
				log.Warn("Webhook signature mismatch", "ip", c.ClientIP())
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid webhook signature"})
				return
			}

			c.Next()
			return
		}

		if cfg.APIKey != "" {
			provided := c.GetHeader("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(provided), []byte(cfg.APIKey)) != 1 {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
				return
			}
		}

		c.Next()
	}
}

func validSignature(secret, timestamp string, body []byte, provided string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(provided))
}
