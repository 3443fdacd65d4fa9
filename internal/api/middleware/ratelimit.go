package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	burstMultiplier        = 2
	defaultGlobalRPS       = 100
	defaultClientRPS       = 20
	defaultAnonymousRPS    = 50
	defaultMaxClients      = 1000
	defaultCleanupInterval = 5 * time.Minute
	defaultIdleTimeout     = time.Hour
	warnThresholdPercent   = 80
)

type (
	// RateLimiter decides whether a request may proceed. clientID is empty
	// for requests outside /api/v1/clients/.
	RateLimiter interface {
		Allow(clientID string) bool
	}

	// InMemoryRateLimiter is a token bucket RateLimiter for single-node
	// deployments, built on golang.org/x/time/rate.
	InMemoryRateLimiter struct {
		global    *rate.Limiter
		anonymous *rate.Limiter

		mu      sync.Mutex
		clients map[string]*clientLimiter

		clientRPS   int
		clientBurst int
		idleTimeout time.Duration
		maxClients  int

		ticker *time.Ticker
		done   chan struct{}
		once   sync.Once
	}

	clientLimiter struct {
		limiter    *rate.Limiter
		lastAccess time.Time
	}
)

var _ RateLimiter = (*InMemoryRateLimiter)(nil)

// NewInMemoryRateLimiter creates a limiter and starts its cleanup goroutine.
// Call Close to stop it.
func NewInMemoryRateLimiter(cfg *Config) *InMemoryRateLimiter {
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = defaultCleanupInterval
	}

	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = defaultIdleTimeout
	}

	rl := &InMemoryRateLimiter{
		global:      rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst(cfg.GlobalRPS, cfg.GlobalBurst)),
		anonymous:   rate.NewLimiter(rate.Limit(cfg.AnonymousRPS), burst(cfg.AnonymousRPS, cfg.AnonymousBurst)),
		clients:     make(map[string]*clientLimiter),
		clientRPS:   cfg.ClientRPS,
		clientBurst: burst(cfg.ClientRPS, cfg.ClientBurst),
		idleTimeout: idle,
		maxClients:  cfg.MaxClients,
		ticker:      time.NewTicker(interval),
		done:        make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

func burst(rps, override int) int {
	if override > 0 {
		return override
	}

	return rps * burstMultiplier
}

// Allow implements RateLimiter. The global bucket is checked first.
func (rl *InMemoryRateLimiter) Allow(clientID string) bool {
	if !rl.global.Allow() {
		return false
	}

	if clientID == "" {
		return rl.anonymous.Allow()
	}

	return rl.client(clientID).Allow()
}

func (rl *InMemoryRateLimiter) client(clientID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cl, ok := rl.clients[clientID]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rl.clientRPS), rl.clientBurst)}
		rl.clients[clientID] = cl

		if rl.maxClients > 0 && len(rl.clients)*100 >= rl.maxClients*warnThresholdPercent {
			slog.Warn("Rate limiter is tracking many clients",
				slog.Int("clients", len(rl.clients)),
				slog.Int("max_clients", rl.maxClients))
		}
	}

	cl.lastAccess = time.Now()

	return cl.limiter
}

// Clients returns the number of clients currently tracked.
func (rl *InMemoryRateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return len(rl.clients)
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (rl *InMemoryRateLimiter) Close() error {
	rl.once.Do(func() {
		rl.ticker.Stop()
		close(rl.done)
	})

	return nil
}

func (rl *InMemoryRateLimiter) cleanupLoop() {
	for {
		select {
		case <-rl.ticker.C:
			rl.cleanup(time.Now())
		case <-rl.done:
			return
		}
	}
}

// cleanup drops limiters idle for longer than idleTimeout as of now.
func (rl *InMemoryRateLimiter) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for id, cl := range rl.clients {
		if now.Sub(cl.lastAccess) > rl.idleTimeout {
			delete(rl.clients, id)
		}
	}
}

// RateLimit rejects throttled requests with a 429 problem response. Requests
// are keyed by the client ID in their path.
func RateLimit(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := ClientFromPath(r.URL.Path)

			if limiter.Allow(clientID) {
				next.ServeHTTP(w, r)

				return
			}

			w.Header().Set("Retry-After", "1")

			const detail = "Rate limit exceeded. Please retry after some time."
			if err := writeProblem(w, r, http.StatusTooManyRequests, detail); err != nil {
				logger.Error("Failed to write rate limit response",
					slog.String("correlation_id", GetCorrelationID(r.Context())),
					slog.String("client_id", clientID),
					slog.String("error", err.Error()))
			}
		})
	}
}
