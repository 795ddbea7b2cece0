package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

// RateLimitConfig shapes the public webhook surface. Webhook senders carry no
// auth identity, so budgets are tracked per source IP.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL is how long an IP's budget survives without traffic before it
	// is dropped from the registry.
	IdleTTL time.Duration
}

// DefaultRateLimitConfig returns the settings used on the webhook surface.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		BurstSize:         200,
		IdleTTL:           10 * time.Minute,
	}
}

type rateClient struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// limiterRegistry holds one limiter per source IP and sweeps idle entries so
// a long-lived process does not keep a bucket for every IP it ever saw.
type limiterRegistry struct {
	mu        sync.Mutex
	clients   map[string]*rateClient
	cfg       RateLimitConfig
	lastSweep time.Time
}

func newLimiterRegistry(cfg RateLimitConfig) *limiterRegistry {
	return &limiterRegistry{
		clients: make(map[string]*rateClient),
		cfg:     cfg,
	}
}

func (r *limiterRegistry) get(ip string, now time.Time) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if now.Sub(r.lastSweep) > r.cfg.IdleTTL {
		for key, cl := range r.clients {
			if now.Sub(cl.lastSeen) > r.cfg.IdleTTL {
				delete(r.clients, key)
			}
		}
		r.lastSweep = now
	}

	cl, ok := r.clients[ip]
	if !ok {
		cl = &rateClient{
			lim: rate.NewLimiter(rate.Limit(r.cfg.RequestsPerSecond), r.cfg.BurstSize),
		}
		r.clients[ip] = cl
	}
	cl.lastSeen = now
	return cl.lim
}

// retryAfterSeconds estimates when the limiter will next admit a request.
func retryAfterSeconds(lim *rate.Limiter) int {
	res := lim.Reserve()
	defer res.Cancel()
	if !res.OK() {
		return 1
	}
	delay := res.Delay()
	if delay <= 0 {
		return 1
	}
	secs := int(delay / time.Second)
	if delay%time.Second > 0 {
		secs++
	}
	return secs
}

// RateLimit returns a per-IP rate limiting middleware for the webhook
// surface. Rejected requests get a 429 with a Retry-After hint.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	registry := newLimiterRegistry(cfg)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			lim := registry.get(c.RealIP(), time.Now())
			if !lim.Allow() {
				c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(lim)))
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
