package avalanche

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// RPCError is a JSON-RPC error object from the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error (%d): %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// RetryPolicy retries read calls with linear backoff. Writes never retry
// through this path; a resubmitted transaction is not idempotent.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

func (r RetryPolicy) Do(ctx context.Context, safe bool, fn func() error) error {
	var err error
	for i := 0; i <= r.MaxRetries; i++ {
		err = fn()
		if err == nil || !safe {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.BaseDelay * time.Duration(i+1)):
		}
	}
	return err
}

type RateLimiter struct{ l *rate.Limiter }

func NewRateLimiter(rps, burst int) *RateLimiter {
	return &RateLimiter{l: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (r *RateLimiter) Wait(ctx context.Context) error { return r.l.Wait(ctx) }

// rpcTransport is one JSON-RPC endpoint with its own breaker and limiter.
// The client holds two: the public read endpoint and the private signer.
type rpcTransport struct {
	url     string
	token   string
	http    *http.Client
	retry   RetryPolicy
	limiter *RateLimiter
	breaker *gobreaker.CircuitBreaker
	nextID  atomic.Uint64
}

func newTransport(url, token string, timeout time.Duration, retry RetryPolicy, rps, burst int) *rpcTransport {
	return &rpcTransport{
		url:     url,
		token:   token,
		http:    &http.Client{Timeout: timeout},
		retry:   retry,
		limiter: NewRateLimiter(rps, burst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "avalanche-rpc",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.Requests >= 10 && counts.TotalFailures >= 5
			},
		}),
	}
}

// call performs one JSON-RPC call. safe enables retry; only reads are safe.
func (t *rpcTransport) call(ctx context.Context, safe bool, method string, params []any, out any) error {
	return t.retry.Do(ctx, safe, func() error {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
		_, err := t.breaker.Execute(func() (any, error) {
			return nil, t.doCall(ctx, method, params, out)
		})
		return err
	})
}

func (t *rpcTransport) doCall(ctx context.Context, method string, params []any, out any) error {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      t.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("rpc http %s: %s", resp.Status, string(body))
	}

	var wrapped rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&wrapped); err != nil {
		return err
	}
	if wrapped.Error != nil {
		return wrapped.Error
	}
	if out != nil {
		return json.Unmarshal(wrapped.Result, out)
	}
	return nil
}
