package quota

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dubwire/dubwire/internal/resilience"
	"github.com/dubwire/dubwire/pkg/types"
)

// TokenSource supplies the auth token attached to quota sync requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// HTTPRemote is the production [Remote]: JSON POSTs to the quota sync API,
// guarded by a circuit breaker so a dead endpoint degrades to the offline
// policy instead of stacking up timeouts.
type HTTPRemote struct {
	endpoint string
	timeout  time.Duration
	tokens   TokenSource
	client   *http.Client
	breaker  *resilience.Breaker
}

// HTTPRemoteOption configures an [HTTPRemote].
type HTTPRemoteOption func(*HTTPRemote)

// WithTimeout sets the per-request timeout. Default: 5s.
func WithTimeout(d time.Duration) HTTPRemoteOption {
	return func(r *HTTPRemote) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) HTTPRemoteOption {
	return func(r *HTTPRemote) {
		if c != nil {
			r.client = c
		}
	}
}

// NewHTTPRemote creates a remote sync client for the given endpoint.
// tokens may be nil when the endpoint is unauthenticated (tests).
func NewHTTPRemote(endpoint string, tokens TokenSource, opts ...HTTPRemoteOption) *HTTPRemote {
	r := &HTTPRemote{
		endpoint: endpoint,
		timeout:  5 * time.Second,
		tokens:   tokens,
		client:   http.DefaultClient,
		breaker: resilience.NewBreaker(resilience.BreakerConfig{
			Name: "quota-sync",
		}),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Sync implements [Remote]. Auth rejections surface as
// [types.ErrAuthentication]; everything else as [types.ErrTransientNetwork]
// (including an open breaker).
func (r *HTTPRemote) Sync(ctx context.Context, req SyncRequest) (SyncResponse, error) {
	var resp SyncResponse
	err := r.breaker.Do(func() error {
		var execErr error
		resp, execErr = r.doSync(ctx, req)
		return execErr
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return SyncResponse{}, fmt.Errorf("%w: %v", types.ErrTransientNetwork, err)
		}
		return SyncResponse{}, err
	}
	return resp, nil
}

func (r *HTTPRemote) doSync(ctx context.Context, req SyncRequest) (SyncResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return SyncResponse{}, fmt.Errorf("encode sync request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return SyncResponse{}, fmt.Errorf("build sync request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.tokens != nil {
		token, err := r.tokens.Token(ctx)
		if err != nil {
			return SyncResponse{}, fmt.Errorf("%w: %v", types.ErrAuthentication, err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	httpResp, err := r.client.Do(httpReq)
	if err != nil {
		return SyncResponse{}, fmt.Errorf("%w: %v", types.ErrTransientNetwork, err)
	}
	defer httpResp.Body.Close()

	switch {
	case httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden:
		return SyncResponse{}, fmt.Errorf("%w: quota sync returned %d", types.ErrAuthentication, httpResp.StatusCode)
	case httpResp.StatusCode != http.StatusOK:
		return SyncResponse{}, fmt.Errorf("%w: quota sync returned %d", types.ErrTransientNetwork, httpResp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<16))
	if err != nil {
		return SyncResponse{}, fmt.Errorf("%w: read sync response: %v", types.ErrTransientNetwork, err)
	}

	var resp SyncResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return SyncResponse{}, fmt.Errorf("%w: decode sync response: %v", types.ErrProtocol, err)
	}
	return resp, nil
}
