package util

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// NewHTTPClient returns a client with bounded dial/handshake times. insecure
// disables certificate verification for self-signed MISP/TAXII deployments.
func NewHTTPClient(timeout time.Duration, insecure bool) *http.Client {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if insecure {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opt-in
	}
	return &http.Client{Timeout: timeout, Transport: tr}
}

// Retry calls fn up to attempts times with exponential backoff capped at
// maxDelay. An error wrapped with backoff.Permanent stops immediately and is
// returned unwrapped.
func Retry(ctx context.Context, attempts int, initial, maxDelay time.Duration, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxDelay
	b.Multiplier = 2
	op := func() (struct{}, error) { return struct{}{}, fn() }
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(max(1, attempts))),
		backoff.WithMaxElapsedTime(0),
	)
	var p *backoff.PermanentError
	if errors.As(err, &p) {
		return p.Err
	}
	return err
}
