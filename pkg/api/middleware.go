package api

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"capsuled/pkg/utils"
)

// SecConfig carries the facade's access policy.
type SecConfig struct {
	// APIKeys gate all requests when non-empty.
	APIKeys map[string]struct{}
	RPS     float64
	Burst   int
}

type limiterPool struct {
	mu  sync.Mutex
	m   map[string]*rate.Limiter
	cfg SecConfig
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.m == nil {
		p.m = make(map[string]*rate.Limiter)
	}
	if l, ok := p.m[key]; ok {
		return l
	}
	rps := p.cfg.RPS
	if rps <= 0 {
		rps = 5
	}
	burst := p.cfg.Burst
	if burst <= 0 {
		burst = 10
	}
	l := rate.NewLimiter(rate.Limit(rps), burst)
	p.m[key] = l
	return l
}

func (p *limiterPool) Allow(key string) bool {
	return p.get(key).Allow()
}

// callerID resolves the authenticated principal. Authentication itself
// happens upstream; the facade only reads the identity header.
func callerID(r *http.Request) string {
	return r.Header.Get("X-Caller-ID")
}

// Middleware enforces API keys, caller identity and per-caller rate
// limits around the facade.
func Middleware(cfg SecConfig) func(http.Handler) http.Handler {
	pool := &limiterPool{cfg: cfg}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(cfg.APIKeys) > 0 {
				if _, ok := cfg.APIKeys[r.Header.Get("X-API-Key")]; !ok {
					utils.JSONError(w, http.StatusUnauthorized, "missing or unknown api key")
					return
				}
			}
			caller := callerID(r)
			if caller == "" {
				utils.JSONError(w, http.StatusUnauthorized, "caller identity required")
				return
			}
			if !pool.Allow(caller) {
				utils.JSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
