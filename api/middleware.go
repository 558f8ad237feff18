package api

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"
)

// client represents a rate-limited client
type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter limits each client IP to rps requests per second.
func rateLimiter(rps float64, burst int) fiber.Handler {
	var (
		clients   = make(map[string]*client)
		mu        sync.Mutex
		lastSweep = time.Now()
	)
	if burst <= 0 {
		burst = int(rps) + 1
	}

	return func(c *fiber.Ctx) error {
		ip := c.IP()
		now := time.Now()

		mu.Lock()
		// Forget clients idle for more than three minutes.
		if now.Sub(lastSweep) > time.Minute {
			for key, cl := range clients {
				if now.Sub(cl.lastSeen) > 3*time.Minute {
					delete(clients, key)
				}
			}
			lastSweep = now
		}
		cl, ok := clients[ip]
		if !ok {
			cl = &client{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
			clients[ip] = cl
		}
		cl.lastSeen = now
		allowed := cl.limiter.Allow()
		mu.Unlock()

		if !allowed {
			return c.Status(fiber.StatusTooManyRequests).JSON(ErrorResponse{
				Error:   true,
				Message: "Rate limit exceeded",
			})
		}
		return c.Next()
	}
}
