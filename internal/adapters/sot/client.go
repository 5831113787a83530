// Package sot implements the SoT (source-of-truth ERP) adapter contract
// from spec.md §6: bearer-token auth with single re-auth on 401,
// inventory fetch (empty list is a hard error), and chunked product
// detail fetch (a short response is a hard error). Grounded on the
// plain net/http.Client + context pattern used by the HTTPJSONAdapter in
// the scrapers/discovery example pack, composed here with this
// project's own retry.Retrier and breaker.Breaker rather than that
// example's bespoke retry-free client.
package sot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/athebyme/storesync/internal/breaker"
	"github.com/athebyme/storesync/internal/domain/models"
	"github.com/athebyme/storesync/internal/ports"
	"github.com/athebyme/storesync/internal/retry"
)

// DetailChunkSize is the default product-detail request batch size
// (spec.md §6: "chunked at 1000 ids per call").
const DetailChunkSize = 1000

// DefaultSkuField is the stable extension-field name carrying the marketplace
// SKU (spec.md §6).
const DefaultSkuField = "usr_column_514"

type Client struct {
	baseURL string
	login   string
	password string
	http    *http.Client
	retrier *retry.Retrier
	breaker *breaker.Breaker
	logger  ports.LoggerPort

	mu    sync.RWMutex
	token string
}

func NewClient(baseURL, login, password string, breaker *breaker.Breaker, logger ports.LoggerPort) *Client {
	return &Client{
		baseURL:  baseURL,
		login:    login,
		password: password,
		http:     &http.Client{Timeout: 30 * time.Second},
		retrier:  retry.New(retry.AuthRetryPolicy()),
		breaker:  breaker,
		logger:   logger,
	}
}

type authResponse struct {
	Token string `json:"token"`
}

// authenticate exchanges login/password for a bearer token
// (spec.md §6). Retried under AuthRetryPolicy since a transient
// network blip here would otherwise abort an entire run.
func (c *Client) authenticate(ctx context.Context) error {
	return c.retrier.Do(ctx, func(ctx context.Context) error {
		body, _ := json.Marshal(map[string]string{"login": c.login, "password": c.password})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		raw, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%w: status %d: %s", models.ErrAuthFailed, resp.StatusCode, string(raw))
		}

		var parsed authResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return fmt.Errorf("parsing auth response: %w", err)
		}
		if parsed.Token == "" {
			return fmt.Errorf("%w: empty token in response", models.ErrAuthFailed)
		}

		c.mu.Lock()
		c.token = parsed.Token
		c.mu.Unlock()
		c.logger.Debug("sot authentication refreshed")
		return nil
	})
}

func (c *Client) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// doAuthenticated issues req with the current bearer token, re-authenticating
// once and retrying on a 401 (spec.md §6: "401 requires re-auth once
// before giving up").
func (c *Client) doAuthenticated(ctx context.Context, req *http.Request) (*http.Response, error) {
	if c.currentToken() == "" {
		if err := c.authenticate(ctx); err != nil {
			return nil, err
		}
	}

	do := func() (*http.Response, error) {
		req.Header.Set("Authorization", "Bearer "+c.currentToken())
		return c.http.Do(req)
	}

	resp, err := do()
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		if err := c.authenticate(ctx); err != nil {
			return nil, err
		}
		resp, err = do()
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// Inventory fetches the current inventory snapshot for storeID. An
// empty result is a hard error per spec.md §6 and §8 invariant 2 —
// callers must abort the run rather than treat it as "nothing to sync".
func (c *Client) Inventory(ctx context.Context, storeID int) ([]models.InventoryRecord, error) {
	var records []models.InventoryRecord

	breakerErr := c.breaker.Do(func() error {
		return c.retrier.Do(ctx, func(ctx context.Context) error {
			u := fmt.Sprintf("%s/stores/%d/inventory", c.baseURL, storeID)
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
			if err != nil {
				return err
			}

			resp, err := c.doAuthenticated(ctx, req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			raw, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusOK {
				return &retry.HTTPStatusError{StatusCode: resp.StatusCode, Header: resp.Header, Err: fmt.Errorf("inventory fetch: %s", string(raw))}
			}

			var parsed []struct {
				ID      int `json:"id"`
				Rest    int `json:"rest"`
				StoreID int `json:"store_id"`
			}
			if err := json.Unmarshal(raw, &parsed); err != nil {
				return fmt.Errorf("parsing inventory response: %w", err)
			}

			records = records[:0]
			for _, p := range parsed {
				records = append(records, models.InventoryRecord{ProductID: p.ID, Remaining: p.Rest, StoreID: p.StoreID})
			}
			return nil
		})
	})

	if breakerErr != nil {
		return nil, fmt.Errorf("fetching sot inventory: %w", breakerErr)
	}
	if len(records) == 0 {
		return nil, models.ErrEmptyInventory
	}
	return records, nil
}

// ProductDetails fetches detail records for ids, chunked at chunkSize
// per request. A short response for any chunk is a hard error
// (spec.md §6, §8 invariant 3) — the stricter abort-on-short-response
// contract per spec.md §9's open-question resolution.
func (c *Client) ProductDetails(ctx context.Context, ids []int, chunkSize int) ([]models.ProductDetail, error) {
	if chunkSize <= 0 {
		chunkSize = DetailChunkSize
	}

	out := make([]models.ProductDetail, 0, len(ids))
	for start := 0; start < len(ids); start += chunkSize {
		end := start + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		var details []models.ProductDetail
		breakerErr := c.breaker.Do(func() error {
			return c.retrier.Do(ctx, func(ctx context.Context) error {
				body, _ := json.Marshal(map[string][]int{"ids": chunk})
				req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/products/details", bytes.NewReader(body))
				if err != nil {
					return err
				}
				req.Header.Set("Content-Type", "application/json")

				resp, err := c.doAuthenticated(ctx, req)
				if err != nil {
					return err
				}
				defer resp.Body.Close()

				raw, _ := io.ReadAll(resp.Body)
				if resp.StatusCode != http.StatusOK {
					return &retry.HTTPStatusError{StatusCode: resp.StatusCode, Header: resp.Header, Err: fmt.Errorf("product details fetch: %s", string(raw))}
				}

				var parsed []rawProductDetail
				if err := json.Unmarshal(raw, &parsed); err != nil {
					return fmt.Errorf("parsing product details response: %w", err)
				}

				details = make([]models.ProductDetail, 0, len(parsed))
				for _, p := range parsed {
					details = append(details, p.toModel())
				}
				return nil
			})
		})

		if breakerErr != nil {
			return nil, fmt.Errorf("fetching sot product details: %w", breakerErr)
		}

		if len(details) < len(chunk) {
			return nil, fmt.Errorf("%w: requested %d, got %d", models.ErrPartialDetails, len(chunk), len(details))
		}
		out = append(out, details...)
	}

	return out, nil
}

type rawProductDetail struct {
	ID         int                      `json:"id"`
	Title      string                   `json:"title"`
	Price      json.RawMessage          `json:"price"`
	AddFields  []rawExtensionField      `json:"add_fields"`
}

type rawExtensionField struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// toModel converts the raw wire shape into models.ProductDetail,
// preserving the source's ambiguous "price may be undefined/null/a
// number" semantics as a nil *float64 (spec.md §9).
func (p rawProductDetail) toModel() models.ProductDetail {
	fields := make([]models.ExtensionField, 0, len(p.AddFields))
	for _, f := range p.AddFields {
		fields = append(fields, models.ExtensionField{Field: f.Field, Value: f.Value})
	}

	detail := models.ProductDetail{ProductID: p.ID, Title: p.Title, ExtensionFields: fields}

	if len(p.Price) == 0 || string(p.Price) == "null" {
		return detail
	}
	var f float64
	if err := json.Unmarshal(p.Price, &f); err == nil {
		detail.Price = &f
	}
	return detail
}
