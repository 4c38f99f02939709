// Package verify confirms publish actions actually propagated before a
// unit is marked complete.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/brandpulse/automation-be/internal/engine/domain"
)

// Window bounds one confirmation poll loop. This is a short fixed-interval
// poll, not a backoff escalation.
type Window struct {
	PollInterval   time.Duration
	ConfirmTimeout time.Duration
}

// Config tunes the verifier. Defaults apply to every capability; Overrides
// adjusts individual ones.
type Config struct {
	Defaults Window
	// StatusEndpoints maps a publish capability to the platform URL
	// polled for the success token.
	StatusEndpoints map[domain.Capability]string
	Overrides       map[domain.Capability]Window
	// RequestTimeout bounds each individual poll request.
	RequestTimeout time.Duration
}

// Verifier polls external platforms for provider-issued success tokens.
type Verifier struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New creates a verifier with conservative defaults where config is silent.
func New(cfg Config, logger *slog.Logger) *Verifier {
	if cfg.Defaults.PollInterval <= 0 {
		cfg.Defaults.PollInterval = 2 * time.Second
	}
	if cfg.Defaults.ConfirmTimeout <= 0 {
		cfg.Defaults.ConfirmTimeout = 30 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	return &Verifier{
		cfg:    cfg,
		client: &http.Client{},
		logger: logger,
	}
}

// Verify confirms the provider result. Generation capabilities are
// satisfied by a well-formed payload; publish capabilities poll the
// platform until a success token appears or the ceiling is hit, in which
// case the unit fails with cause provider-error even though the initial
// call succeeded.
func (v *Verifier) Verify(ctx context.Context, unit *domain.ScheduledUnit, result *domain.ProviderResult) error {
	switch unit.Capability {
	case domain.CapabilityImageGeneration:
		if len(result.Data) == 0 {
			return domain.NewProviderFailure(domain.CauseMalformedResponse,
				fmt.Errorf("image unit %s produced no payload", unit.UnitID))
		}
		return nil

	case domain.CapabilityTextReply:
		if result.Text == "" {
			return domain.NewProviderFailure(domain.CauseMalformedResponse,
				fmt.Errorf("text unit %s produced no payload", unit.UnitID))
		}
		return nil

	case domain.CapabilitySocialPublish:
		return v.confirmPublish(ctx, unit, result)

	default:
		return domain.NewProviderFailure(domain.CauseMalformedResponse,
			fmt.Errorf("unsupported capability %q", unit.Capability))
	}
}

func (v *Verifier) window(capability domain.Capability) Window {
	w := v.cfg.Defaults
	if o, ok := v.cfg.Overrides[capability]; ok {
		if o.PollInterval > 0 {
			w.PollInterval = o.PollInterval
		}
		if o.ConfirmTimeout > 0 {
			w.ConfirmTimeout = o.ConfirmTimeout
		}
	}
	return w
}

// confirmPublish polls the platform status endpoint for the post id.
func (v *Verifier) confirmPublish(ctx context.Context, unit *domain.ScheduledUnit, result *domain.ProviderResult) error {
	endpoint, ok := v.cfg.StatusEndpoints[unit.Capability]
	if !ok || endpoint == "" {
		return domain.NewProviderFailure(domain.CauseProviderError,
			fmt.Errorf("no verification endpoint configured for %q", unit.Capability))
	}

	reference := result.Reference
	if reference == "" {
		reference = unit.UnitID
	}

	w := v.window(unit.Capability)
	deadline := time.Now().Add(w.ConfirmTimeout)
	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		token, err := v.pollOnce(ctx, endpoint, reference)
		if err == nil && token != "" {
			v.logger.Debug("Publish confirmed",
				slog.String("unit_id", unit.UnitID),
				slog.String("token", token),
				slog.Int("polls", attempt),
			)
			return nil
		}
		if err != nil {
			v.logger.Debug("Publish poll inconclusive",
				slog.String("unit_id", unit.UnitID),
				slog.Int("poll", attempt),
				slog.Any("error", err),
			)
		}

		if time.Now().After(deadline) {
			return domain.NewProviderFailure(domain.CauseProviderError,
				fmt.Errorf("publish not confirmed within %s", w.ConfirmTimeout))
		}

		select {
		case <-ctx.Done():
			return domain.NewProviderFailure(domain.CauseProviderError, ctx.Err())
		case <-ticker.C:
		}
	}
}

// pollOnce performs one bounded status request and extracts the token.
func (v *Verifier) pollOnce(ctx context.Context, endpoint, reference string) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, v.cfg.RequestTimeout)
	defer cancel()

	pollURL := endpoint
	if u, err := url.Parse(endpoint); err == nil {
		q := u.Query()
		q.Set("reference", reference)
		u.RawQuery = q.Encode()
		pollURL = u.String()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, pollURL, nil)
	if err != nil {
		return "", err
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}

	var status struct {
		PostID string `json:"post_id"`
		Token  string `json:"token"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		return "", fmt.Errorf("unparsable status body: %w", err)
	}
	if status.PostID != "" {
		return status.PostID, nil
	}
	return status.Token, nil
}
