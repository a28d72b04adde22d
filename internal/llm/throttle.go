package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Throttled limits the request rate to an underlying Completer.
type Throttled struct {
	next    Completer
	limiter *rate.Limiter
}

// NewThrottled wraps next with a token bucket of perSecond requests and the given burst.
func NewThrottled(next Completer, perSecond float64, burst int) *Throttled {
	if burst < 1 {
		burst = 1
	}
	return &Throttled{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Complete waits for a token, honouring the context deadline, then forwards the request.
func (t *Throttled) Complete(ctx context.Context, req Request) (string, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}
	return t.next.Complete(ctx, req)
}
