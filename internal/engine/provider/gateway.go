// Package provider calls external capability endpoints through an ordered
// fallback chain.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/brandpulse/automation-be/internal/engine/domain"
)

// Endpoint is one candidate host for a capability.
type Endpoint struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// DefaultEndpointTimeout bounds a call when the endpoint config omits one.
// No endpoint call may hang indefinitely.
const DefaultEndpointTimeout = 30 * time.Second

// maxResponseBytes caps how much of a provider body is read.
const maxResponseBytes = 16 << 20

// Gateway invokes a capability through its configured candidate chain. New
// providers are added through configuration, not code.
type Gateway struct {
	chains map[domain.Capability][]Endpoint
	client *http.Client
	logger *slog.Logger
}

// NewGateway creates a gateway from per-capability endpoint chains.
func NewGateway(chains map[domain.Capability][]Endpoint, logger *slog.Logger) *Gateway {
	return &Gateway{
		chains: chains,
		client: &http.Client{},
		logger: logger,
	}
}

// Invoke tries each candidate endpoint in order and returns the first
// normalized success. Any non-2xx status, timeout, or malformed body
// advances to the next candidate; when every candidate fails the error is
// classified from the last observed cause. Fallback is intra-call: the
// retry policy never sees an individual candidate failure.
func (g *Gateway) Invoke(ctx context.Context, capability domain.Capability, payload json.RawMessage) (*domain.ProviderResult, error) {
	endpoints := g.chains[capability]
	if len(endpoints) == 0 {
		return nil, domain.NewProviderFailure(domain.CauseProviderError,
			fmt.Errorf("no endpoints configured for capability %q", capability))
	}

	var lastErr error
	for i, ep := range endpoints {
		result, err := g.callEndpoint(ctx, capability, ep, payload)
		if err == nil {
			if i > 0 {
				g.logger.Info("Provider fallback succeeded",
					slog.String("capability", string(capability)),
					slog.String("endpoint", ep.URL),
					slog.Int("candidate", i+1),
				)
			}
			return result, nil
		}

		lastErr = err
		g.logger.Warn("Provider endpoint failed, trying next candidate",
			slog.String("capability", string(capability)),
			slog.String("endpoint", ep.URL),
			slog.Int("candidate", i+1),
			slog.Int("candidates", len(endpoints)),
			slog.Any("error", err),
		)

		if ctx.Err() != nil {
			break
		}
	}

	return nil, lastErr
}

// callEndpoint performs one bounded POST against a single candidate.
func (g *Gateway) callEndpoint(ctx context.Context, capability domain.Capability, ep Endpoint, payload json.RawMessage) (*domain.ProviderResult, error) {
	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = DefaultEndpointTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, domain.NewProviderFailure(domain.CauseProviderError, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if ep.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		// Timeouts and network failures are indistinguishable from a
		// broken provider for retry purposes.
		return nil, domain.NewProviderFailure(domain.CauseProviderError, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, domain.NewProviderFailure(domain.CauseProviderError, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		cause := domain.CauseProviderError
		if resp.StatusCode == http.StatusTooManyRequests {
			cause = domain.CauseRateLimited
		}
		return nil, domain.NewProviderFailure(cause,
			fmt.Errorf("endpoint %s returned status %d", ep.URL, resp.StatusCode))
	}

	result, err := normalize(capability, ep.URL, body, resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, domain.NewProviderFailure(domain.CauseMalformedResponse, err)
	}
	return result, nil
}

// normalize converts a raw 2xx response into a capability-specific result.
func normalize(capability domain.Capability, endpoint string, body []byte, contentType string) (*domain.ProviderResult, error) {
	result := &domain.ProviderResult{
		Capability: capability,
		Endpoint:   endpoint,
	}

	switch capability {
	case domain.CapabilityImageGeneration:
		if len(body) == 0 {
			return nil, errors.New("empty image response body")
		}
		result.Data = body
		result.ContentType = contentType
		if result.ContentType == "" {
			result.ContentType = "application/octet-stream"
		}

	case domain.CapabilityTextReply:
		text := NormalizeText(string(body))
		if text == "" {
			return nil, errors.New("empty text response body")
		}
		result.Text = text

	case domain.CapabilitySocialPublish:
		// The reference id, when present, is what verification polls
		// for; its absence is not an error here.
		result.Reference, result.URL = publishReference(body)
		result.Text = string(body)

	default:
		return nil, fmt.Errorf("unsupported capability %q", capability)
	}

	return result, nil
}

// publishReference pulls a provider-issued post identifier out of a
// publish response, best effort.
func publishReference(body []byte) (ref, url string) {
	var envelope struct {
		PostID    string `json:"post_id"`
		ID        string `json:"id"`
		Reference string `json:"reference"`
		URL       string `json:"url"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", ""
	}
	switch {
	case envelope.PostID != "":
		ref = envelope.PostID
	case envelope.Reference != "":
		ref = envelope.Reference
	default:
		ref = envelope.ID
	}
	return ref, envelope.URL
}
