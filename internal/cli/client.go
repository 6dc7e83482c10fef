package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chessvault/internal/auth"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) Signup(ctx context.Context, email, password, username string) (auth.Session, error) {
	var out auth.Session
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/auth/signup", "", map[string]any{
		"email":    email,
		"password": password,
		"username": username,
	}, &out, "")
	return out, err
}

func (c *Client) Login(ctx context.Context, email, password string) (auth.Session, error) {
	var out auth.Session
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email":    email,
		"password": password,
	}, &out, "")
	return out, err
}

func (c *Client) Me(ctx context.Context, accessToken string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/me", accessToken, nil, &out, "")
	return out, err
}

func (c *Client) Dashboard(ctx context.Context, accessToken string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/dashboard", accessToken, nil, &out, "")
	return out, err
}

func (c *Client) ListVisualizations(ctx context.Context, accessToken string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/visualizations", accessToken, nil, &out, "")
	return out, err
}

func (c *Client) CreateVisualization(ctx context.Context, accessToken, title, imagePath, gamePGN string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/visualizations", accessToken, map[string]any{
		"title":      title,
		"image_path": imagePath,
		"game_pgn":   gamePGN,
	}, &out, "")
	return out, err
}

func (c *Client) ListListings(ctx context.Context, accessToken string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/marketplace/listings", accessToken, nil, &out, "")
	return out, err
}

func (c *Client) CreateListing(ctx context.Context, accessToken, visualizationID string, priceCents int64, idem string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/marketplace/listings", accessToken, map[string]any{
		"visualization_id": visualizationID,
		"price_cents":      priceCents,
	}, &out, idem)
	return out, err
}

func (c *Client) CancelListing(ctx context.Context, accessToken, listingID string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/marketplace/listings/"+url.PathEscape(listingID)+"/cancel", accessToken, nil, &out, "")
	return out, err
}

func (c *Client) Purchase(ctx context.Context, accessToken, listingID, idem string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/marketplace/purchase", accessToken, map[string]any{
		"listing_id": listingID,
	}, &out, idem)
	return out, err
}

func (c *Client) CompletePurchase(ctx context.Context, accessToken, listingID string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/marketplace/purchase/complete", accessToken, map[string]any{
		"listing_id": listingID,
	}, &out, "")
	return out, err
}

func (c *Client) Subscribe(ctx context.Context, accessToken string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/billing/subscribe", accessToken, nil, &out, "")
	return out, err
}

func (c *Client) ConfirmSubscription(ctx context.Context, accessToken string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/billing/confirm", accessToken, nil, &out, "")
	return out, err
}

func (c *Client) Signals(ctx context.Context, accessToken string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/signals", accessToken, nil, &out, "")
	return out, err
}

func (c *Client) SignalDetail(ctx context.Context, accessToken, code string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/signals/"+url.PathEscape(code), accessToken, nil, &out, "")
	return out, err
}

func (c *Client) SyncReplay(ctx context.Context, accessToken string, commands []map[string]any) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/sync/replay", accessToken, map[string]any{
		"commands": commands,
	}, &out, "")
	return out, err
}

func (c *Client) Do(ctx context.Context, method, path, accessToken string, body map[string]any, idem string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, method, path, accessToken, body, &out, idem)
	return out, err
}

func (c *Client) jsonRequest(ctx context.Context, method, path, accessToken string, in any, out any, idem string) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	if idem != "" {
		req.Header.Set("Idempotency-Key", idem)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("api status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
