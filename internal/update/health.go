package update

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/harbouros/appliance/internal/system"
)

// HealthChecker verifies the admin service after a restart: the unit must be
// active and its readiness endpoint must answer. The poll is bounded so a
// hung service fails the attempt instead of blocking it forever.
type HealthChecker struct {
	logger   zerolog.Logger
	svc      system.ServiceManager
	unit     string
	url      string
	attempts int
	interval time.Duration
	client   *http.Client
}

func NewHealthChecker(logger zerolog.Logger, svc system.ServiceManager, unit, url string) *HealthChecker {
	return &HealthChecker{
		logger:   logger.With().Str("component", "health-check").Logger(),
		svc:      svc,
		unit:     unit,
		url:      url,
		attempts: 10,
		interval: 3 * time.Second,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// Wait polls until the service is healthy or the attempt budget is spent.
func (h *HealthChecker) Wait(ctx context.Context) error {
	var lastErr error
	for i := 0; i < h.attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(h.interval):
			}
		}

		if err := h.probe(ctx); err != nil {
			lastErr = err
			h.logger.Debug().Err(err).Int("attempt", i+1).Msg("service not healthy yet")
			continue
		}

		h.logger.Info().Int("attempts", i+1).Msg("service healthy")
		return nil
	}

	return fmt.Errorf("%w after %d attempts: %v", ErrHealthCheck, h.attempts, lastErr)
}

func (h *HealthChecker) probe(ctx context.Context) error {
	active, err := h.svc.IsActive(ctx, h.unit)
	if err != nil {
		return err
	}
	if !active {
		return fmt.Errorf("unit %s not active", h.unit)
	}

	if h.url == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	return nil
}
