package monitor

import (
	"sync"
	"time"

	"github.com/harunnryd/mpkd/internal/policy"

	"golang.org/x/time/rate"
)

// DefaultWarningCooldown is the minimum gap between two warnings for the
// same app and resource.
const DefaultWarningCooldown = 60 * time.Second

type cooldownKey struct {
	appID    string
	resource policy.ResourceType
}

// Cooldown rate-limits warnings per (app, resource) with a one-token
// limiter refilled once per window.
type Cooldown struct {
	mu       sync.Mutex
	window   time.Duration
	limiters map[cooldownKey]*rate.Limiter
}

func NewCooldown(window time.Duration) *Cooldown {
	if window <= 0 {
		window = DefaultWarningCooldown
	}
	return &Cooldown{
		window:   window,
		limiters: make(map[cooldownKey]*rate.Limiter),
	}
}

// Allow reports whether a warning may be emitted at now and, if so,
// consumes the window.
func (c *Cooldown) Allow(appID string, rt policy.ResourceType, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cooldownKey{appID: appID, resource: rt}
	lim, ok := c.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(c.window), 1)
		c.limiters[key] = lim
	}
	return lim.AllowN(now, 1)
}

// Forget drops every limiter of an app.
func (c *Cooldown) Forget(appID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.limiters {
		if key.appID == appID {
			delete(c.limiters, key)
		}
	}
}
