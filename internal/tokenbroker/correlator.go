package tokenbroker

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/crawlctl/internal/crawlerr"
	"github.com/ternarybob/crawlctl/internal/models"
)

// Correlator tracks outstanding TOKEN_REFRESH_REQUEST round trips by
// requestId on the crawler side. Exactly one TOKEN_REFRESH_RESPONSE is
// expected per request, or the request times out and the caller fails the
// job locally, per spec §4.3 and invariant 5 in spec §8.
type Correlator struct {
	mu      sync.Mutex
	waiters map[string]chan models.TokenRefreshResponsePayload
	timeout time.Duration
}

// NewCorrelator constructs a Correlator with the given per-request timeout
// (default 30s).
func NewCorrelator(timeout time.Duration) *Correlator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Correlator{
		waiters: make(map[string]chan models.TokenRefreshResponsePayload),
		timeout: timeout,
	}
}

// Await registers requestID and blocks until a matching response arrives via
// Resolve, ctx is cancelled, or the correlator's timeout elapses.
func (c *Correlator) Await(ctx context.Context, requestID string) (models.TokenRefreshResponsePayload, error) {
	ch := make(chan models.TokenRefreshResponsePayload, 1)

	c.mu.Lock()
	c.waiters[requestID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.waiters, requestID)
		c.mu.Unlock()
	}()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return models.TokenRefreshResponsePayload{}, crawlerr.New(crawlerr.KindTimeout, crawlerr.SeverityHigh,
			"token refresh request timed out: requestId="+requestID)
	case <-ctx.Done():
		return models.TokenRefreshResponsePayload{}, crawlerr.Wrap(crawlerr.KindTimeout, crawlerr.SeverityHigh,
			"token refresh request cancelled", ctx.Err())
	}
}

// Resolve delivers a response to its matching Await call, if one is still
// outstanding. A response for an unknown or already-timed-out requestId is
// silently dropped.
func (c *Correlator) Resolve(resp models.TokenRefreshResponsePayload) {
	c.mu.Lock()
	ch, ok := c.waiters[resp.RequestID]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

// Outstanding returns the count of requests currently awaiting a response,
// for diagnostics.
func (c *Correlator) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
