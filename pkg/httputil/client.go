// Package httputil provides shared HTTP plumbing for the gateway's
// external collaborators: pooled clients, bounded response reads, and a
// semaphore for capping in-flight upstream calls.
package httputil

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

// MaxResponseSize bounds how much of an upstream response body we will
// read. Embedding and chat backends return small JSON payloads; anything
// larger is treated as hostile.
const MaxResponseSize = 10 * 1024 * 1024 // 10MB

// One transport for the whole process so connections to the embedding
// backend and the reasoning engine are reused across turns.
var sharedTransport = &http.Transport{
	Proxy: http.ProxyFromEnvironment,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	ForceAttemptHTTP2:     true,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   10,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
}

// TimeoutTier groups upstream calls by how long they are allowed to take.
type TimeoutTier int

const (
	// TierFast for health probes (5s)
	TierFast TimeoutTier = iota
	// TierMedium for embedding calls (30s)
	TierMedium
	// TierSlow for reasoning-engine drafts, which dominate turn latency (60s)
	TierSlow
)

var timeoutDurations = map[TimeoutTier]time.Duration{
	TierFast:   5 * time.Second,
	TierMedium: 30 * time.Second,
	TierSlow:   60 * time.Second,
}

var (
	clientFast   *http.Client
	clientMedium *http.Client
	clientSlow   *http.Client
	clientOnce   sync.Once
)

func initClients() {
	clientFast = &http.Client{
		Timeout:   timeoutDurations[TierFast],
		Transport: sharedTransport,
	}
	clientMedium = &http.Client{
		Timeout:   timeoutDurations[TierMedium],
		Transport: sharedTransport,
	}
	clientSlow = &http.Client{
		Timeout:   timeoutDurations[TierSlow],
		Transport: sharedTransport,
	}
}

// Client returns the shared HTTP client for the given timeout tier.
// Use these instead of constructing http.Client per request so the
// connection pool is actually shared.
func Client(tier TimeoutTier) *http.Client {
	clientOnce.Do(initClients)
	switch tier {
	case TierFast:
		return clientFast
	case TierMedium:
		return clientMedium
	case TierSlow:
		return clientSlow
	default:
		return clientMedium
	}
}

// FastClient returns the 5s-timeout client (health checks).
func FastClient() *http.Client {
	return Client(TierFast)
}

// MediumClient returns the 30s-timeout client (embedding calls).
func MediumClient() *http.Client {
	return Client(TierMedium)
}

// SlowClient returns the 60s-timeout client (reasoning-engine drafts).
func SlowClient() *http.Client {
	return Client(TierSlow)
}

// ReadResponseBody reads a response body with a hard size cap.
func ReadResponseBody(r io.Reader, maxSize int64) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = MaxResponseSize
	}
	return io.ReadAll(io.LimitReader(r, maxSize))
}

// ReadErrorBody reads a response body for error reporting. Error payloads
// are small; 1MB is already generous.
func ReadErrorBody(r io.Reader) ([]byte, error) {
	const maxErrorSize = 1 * 1024 * 1024
	return io.ReadAll(io.LimitReader(r, maxErrorSize))
}

// CheckResponse turns a non-2xx upstream response into an error that names
// the service, with a bounded read of the body for context.
func CheckResponse(resp *http.Response, service string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := ReadErrorBody(resp.Body)
	return fmt.Errorf("%s returned status %d: %s", service, resp.StatusCode, string(body))
}

// DrainAndClose drains and closes a response body so the underlying
// connection goes back to the pool.
func DrainAndClose(body io.ReadCloser) {
	if body != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(body, MaxResponseSize))
		_ = body.Close()
	}
}
