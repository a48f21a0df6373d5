package http

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"fulfillment/internal/observability"
	"fulfillment/internal/orders"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	customerKey    = "customer_id"
	requestIDKey   = "request_id"
	requestIDHdr   = "X-Request-Id"
	customerIDHdr  = "X-Customer-ID"
	carrierAuthHdr = "X-Carrier-Token"
)

// RequestLogger writes one log entry per request and tags the response with
// a request id.
func RequestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := c.GetHeader(requestIDHdr)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Set(requestIDKey, reqID)
		c.Header(requestIDHdr, reqID)

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		entry := log.WithFields(logrus.Fields{
			"request_id": reqID,
			"method":     c.Request.Method,
			"path":       path,
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"client_ip":  c.ClientIP(),
		})
		if id, ok := c.Get(customerKey); ok {
			entry = entry.WithField("customer_id", id)
		}
		if len(c.Errors) > 0 {
			entry = entry.WithError(c.Errors.Last())
		}
		switch status := c.Writer.Status(); {
		case status >= 500:
			entry.Error("request failed")
		case status >= 400:
			entry.Warn("request rejected")
		default:
			entry.Info("request served")
		}
	}
}

// Metrics records request counts and latency by route.
func Metrics(metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.ObserveHTTP(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}

// RateLimit admits requests through limiter, waiting at most maxWait for a
// token before answering 429.
func RateLimit(limiter *orders.RateLimiter, maxWait time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		if maxWait > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, maxWait)
			defer cancel()
		}
		if err := limiter.Wait(ctx); err != nil {
			c.Header("Retry-After", "1")
			writeJSONError(c, http.StatusTooManyRequests, "rate_limited", "too many requests", nil)
			return
		}
		c.Next()
	}
}

// Authenticator resolves the calling customer. With a secret it requires an
// HS256 bearer token whose subject is the customer id; without one it trusts
// the X-Customer-ID header set by the gateway.
type Authenticator struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
}

// NewAuthenticator constructs an Authenticator. Empty issuer or audience are
// not checked.
func NewAuthenticator(secret, issuer, audience string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer, audience: audience, leeway: 30 * time.Second}
}

var errNoSubject = errors.New("token has no subject")

// Require rejects requests without a resolvable customer.
func (a *Authenticator) Require() gin.HandlerFunc {
	return func(c *gin.Context) {
		customerID, err := a.customer(c)
		if err != nil {
			c.Header("WWW-Authenticate", `Bearer error="invalid_token"`)
			writeJSONError(c, http.StatusUnauthorized, "unauthorized", err.Error(), nil)
			return
		}
		c.Set(customerKey, customerID)
		c.Next()
	}
}

func (a *Authenticator) customer(c *gin.Context) (string, error) {
	if len(a.secret) == 0 {
		id := strings.TrimSpace(c.GetHeader(customerIDHdr))
		if id == "" {
			return "", errors.New("missing " + customerIDHdr + " header")
		}
		return id, nil
	}

	auth := c.GetHeader("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", errors.New("missing bearer token")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.leeway),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(strings.TrimPrefix(auth, "Bearer "), &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errNoSubject
	}
	return claims.Subject, nil
}

// RequireCarrierToken guards carrier webhooks with a shared token. An empty
// token disables the check.
func RequireCarrierToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token != "" && c.GetHeader(carrierAuthHdr) != token {
			writeJSONError(c, http.StatusUnauthorized, "unauthorized", "invalid carrier token", nil)
			return
		}
		c.Next()
	}
}

func customerID(c *gin.Context) string {
	return c.GetString(customerKey)
}
