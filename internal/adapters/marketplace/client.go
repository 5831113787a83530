// Package marketplace implements the downstream marketplace adapter
// contract from spec.md §6: two PATCH endpoints (items, inventory) plus
// a best-effort introspection GET. A push is composed with the circuit
// breaker as the outermost layer, the retrier inside it, and the rate
// gate's WaitForTurn immediately before each HTTP attempt, so every
// physical request, retries included, passes the gate. Grounded on the
// plain net/http.Client pattern from
// the scrapers/discovery example pack's HTTPJSONAdapter.
package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/athebyme/storesync/internal/breaker"
	"github.com/athebyme/storesync/internal/domain/models"
	"github.com/athebyme/storesync/internal/metrics"
	"github.com/athebyme/storesync/internal/ports"
	"github.com/athebyme/storesync/internal/ratelimit"
	"github.com/athebyme/storesync/internal/retry"
)

// MaxBatchItems is the hard per-request ceiling spec.md §6 names;
// AdaptiveBatcher's own Max must never exceed this.
const MaxBatchItems = 200

type Client struct {
	http     *http.Client
	governor *ratelimit.Governor
	breaker  *breaker.Breaker
	retrier  *retry.Retrier
	logger   ports.LoggerPort
}

func NewClient(governor *ratelimit.Governor, breaker *breaker.Breaker, logger ports.LoggerPort) *Client {
	return &Client{
		http:     &http.Client{Timeout: 30 * time.Second},
		governor: governor,
		breaker:  breaker,
		retrier:  retry.New(retry.MarketplaceRetryPolicy()),
		logger:   logger,
	}
}

type itemsRequest struct {
	Data []models.ItemUpdate `json:"data"`
}

type inventoryRequest struct {
	Data []models.InventoryUpdate `json:"data"`
}

// PushItems issues one PATCH /venues/{venueId}/items call for a single
// batch (caller is responsible for chunking at or below MaxBatchItems,
// normally via batch.Batcher/batch.Chunks). A 409 is treated as
// idempotent success at this boundary (spec.md §6, §7).
func (c *Client) PushItems(ctx context.Context, store models.Store, items []models.ItemUpdate) error {
	if len(items) == 0 {
		return nil
	}
	if len(items) > MaxBatchItems {
		return fmt.Errorf("marketplace: batch of %d items exceeds hard ceiling %d", len(items), MaxBatchItems)
	}

	body, err := json.Marshal(itemsRequest{Data: items})
	if err != nil {
		return fmt.Errorf("marshaling items batch: %w", err)
	}
	url := fmt.Sprintf("%s/venues/%s/items", store.MarketplaceBaseURL, store.VenueID)
	return c.doBatch(ctx, store, http.MethodPatch, url, body)
}

// PushInventory issues one PATCH /venues/{venueId}/items/inventory call.
func (c *Client) PushInventory(ctx context.Context, store models.Store, items []models.InventoryUpdate) error {
	if len(items) == 0 {
		return nil
	}
	if len(items) > MaxBatchItems {
		return fmt.Errorf("marketplace: batch of %d inventory rows exceeds hard ceiling %d", len(items), MaxBatchItems)
	}

	body, err := json.Marshal(inventoryRequest{Data: items})
	if err != nil {
		return fmt.Errorf("marshaling inventory batch: %w", err)
	}
	url := fmt.Sprintf("%s/venues/%s/items/inventory", store.MarketplaceBaseURL, store.VenueID)
	return c.doBatch(ctx, store, http.MethodPatch, url, body)
}

// doBatch runs the breaker -> retrier -> rate-gate -> HTTP chain for a
// single PATCH call. The gate is waited on inside the retried closure,
// so every physical request — including retries — is spaced out.
func (c *Client) doBatch(ctx context.Context, store models.Store, method, url string, body []byte) error {
	venue := store.VenueKey()

	breakerErr := c.breaker.Do(func() error {
		return c.retrier.Do(ctx, func(ctx context.Context) error {
			c.governor.WaitForTurn(venue)

			req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			req.SetBasicAuth(store.MarketplaceUser, store.MarketplacePass)

			resp, err := c.http.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			switch {
			case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent:
				c.governor.OnSuccess(venue)
				return nil
			case resp.StatusCode == http.StatusConflict:
				// Idempotent success at this boundary (spec.md §6, §7).
				c.governor.OnSuccess(venue)
				c.logger.Debug("marketplace returned 409, treating batch as already applied")
				return nil
			case resp.StatusCode == http.StatusTooManyRequests:
				retryAfter := resp.Header.Get("Retry-After")
				c.governor.OnRateLimited(venue, retryAfter)
				metrics.RateLimitHitsTotal.WithLabelValues(store.VenueID).Inc()
				raw, _ := io.ReadAll(resp.Body)
				return &retry.HTTPStatusError{StatusCode: resp.StatusCode, Header: resp.Header, Err: fmt.Errorf("rate limited: %s", string(raw))}
			default:
				raw, _ := io.ReadAll(resp.Body)
				return &retry.HTTPStatusError{StatusCode: resp.StatusCode, Header: resp.Header, Err: fmt.Errorf("marketplace batch failed: %s", string(raw))}
			}
		})
	})

	if breakerErr != nil {
		return fmt.Errorf("pushing marketplace batch: %w", breakerErr)
	}
	return nil
}

// introspectionPayload accepts the several wrapper keys spec.md §6 says
// GET /venues/{venueId}/items may respond under.
type introspectionPayload struct {
	Data  []introspectionItem `json:"data"`
	Items []introspectionItem `json:"items"`
}

type introspectionItem struct {
	SKU     string `json:"sku"`
	Enabled bool   `json:"enabled"`
}

// IntrospectItems best-effort fetches the marketplace's current view of
// a venue's items. 404/405 mean "not supported" and are treated as an
// empty result, not an error (spec.md §6). Any other non-2xx is logged
// and treated as empty — this endpoint is explicitly advisory and must
// never abort a run.
func (c *Client) IntrospectItems(ctx context.Context, store models.Store) (map[string]bool, error) {
	url := fmt.Sprintf("%s/venues/%s/items", store.MarketplaceBaseURL, store.VenueID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(store.MarketplaceUser, store.MarketplacePass)

	c.governor.WaitForTurn(store.VenueKey())
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn(fmt.Sprintf("introspection request failed, continuing: %v", err))
		return map[string]bool{}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusMethodNotAllowed {
		return map[string]bool{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn(fmt.Sprintf("introspection returned unexpected status %d, continuing", resp.StatusCode))
		return map[string]bool{}, nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return map[string]bool{}, nil
	}

	var payload introspectionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		var bare []introspectionItem
		if err := json.Unmarshal(raw, &bare); err != nil {
			c.logger.Warn("introspection payload did not match any known shape, continuing")
			return map[string]bool{}, nil
		}
		payload.Data = bare
	}

	items := payload.Data
	if len(items) == 0 {
		items = payload.Items
	}

	out := make(map[string]bool, len(items))
	for _, it := range items {
		out[it.SKU] = it.Enabled
	}
	return out, nil
}
