package middleware

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/meridianhq/ratekeeper"
)

// FiberOptions configures the Fiber middleware. Keeper is required.
type FiberOptions struct {
	Keeper *ratekeeper.Keeper

	// KeyFunc derives the bucket key from a request. Default: c.IP().
	KeyFunc func(c *fiber.Ctx) string

	// CostFunc derives the token cost of a request. Default: 1.
	CostFunc func(c *fiber.Ctx) float64

	LegacyHeaders bool
}

// Fiber returns a rate-limiting handler for a Fiber app.
func Fiber(opts FiberOptions) fiber.Handler {
	if opts.KeyFunc == nil {
		opts.KeyFunc = func(c *fiber.Ctx) string { return c.IP() }
	}
	if opts.CostFunc == nil {
		opts.CostFunc = func(*fiber.Ctx) float64 { return 1 }
	}

	capacity := opts.Keeper.Capacity()
	rate := opts.Keeper.RefillRate()
	limit := strconv.Itoa(int(capacity))

	return func(c *fiber.Ctx) error {
		res, err := opts.Keeper.TryConsume(c.UserContext(), opts.KeyFunc(c), opts.CostFunc(c))
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}

		c.Set("RateLimit-Limit", limit)
		if opts.LegacyHeaders {
			c.Set("X-RateLimit-Limit", limit)
		}
		if res.Remaining >= 0 {
			remaining := strconv.Itoa(res.Remaining)
			c.Set("RateLimit-Remaining", remaining)
			if opts.LegacyHeaders {
				c.Set("X-RateLimit-Remaining", remaining)
			}
		}
		reset := resetSeconds(capacity, res.Remaining, rate)
		c.Set("RateLimit-Reset", reset)
		if opts.LegacyHeaders {
			c.Set("X-RateLimit-Reset", reset)
		}

		if !res.Allowed {
			retry := retryAfterSeconds(res.RetryAfter)
			c.Set("Retry-After", retry)
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "rate limit exceeded",
				"retry_after": retry,
			})
		}

		return c.Next()
	}
}
