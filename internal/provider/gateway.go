package provider

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

	"go.uber.org/zap"

	"github.com/the-governor-hq/bodyPress-backend/internal/domain"
)

// maxErrorBody caps how much of a failed response body is kept in GatewayError.
const maxErrorBody = 512

// GatewayAdapter talks to the wearable gateway, which owns provider OAuth tokens and paging,
// over a small JSON API:
//
//	GET  {base}/v1/{provider}/users/{userId}/{activities|sleep|dailies}?startDate=&endDate=
//	POST {base}/v1/{provider}/users/{userId}/backfill  {"daysBack": n}
type GatewayAdapter struct {
	client   *http.Client
	baseURL  string
	provider domain.Provider
	logger   *zap.Logger
}

// NewGatewayAdapter constructs a GatewayAdapter for one provider.
func NewGatewayAdapter(baseURL string, provider domain.Provider, timeout time.Duration, logger *zap.Logger) *GatewayAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GatewayAdapter{
		client:   &http.Client{Timeout: timeout},
		baseURL:  strings.TrimRight(baseURL, "/"),
		provider: provider,
		logger:   logger.Named("provider").With(zap.String("provider", string(provider))),
	}
}

// Activities fetches workouts inside r.
func (g *GatewayAdapter) Activities(ctx context.Context, r Range) ([]domain.Activity, error) {
	var body struct {
		Activities []domain.Activity `json:"activities"`
	}
	if err := g.fetchRange(ctx, "activities", r, &body); err != nil {
		return nil, err
	}
	return body.Activities, nil
}

// Sleep fetches sleep sessions inside r.
func (g *GatewayAdapter) Sleep(ctx context.Context, r Range) ([]domain.Sleep, error) {
	var body struct {
		Sleep []domain.Sleep `json:"sleep"`
	}
	if err := g.fetchRange(ctx, "sleep", r, &body); err != nil {
		return nil, err
	}
	return body.Sleep, nil
}

// Dailies fetches daily summaries inside r.
func (g *GatewayAdapter) Dailies(ctx context.Context, r Range) ([]domain.Daily, error) {
	var body struct {
		Dailies []domain.Daily `json:"dailies"`
	}
	if err := g.fetchRange(ctx, "dailies", r, &body); err != nil {
		return nil, err
	}
	return body.Dailies, nil
}

// Backfill pulls daysBack days of history of every data type in one call.
func (g *GatewayAdapter) Backfill(ctx context.Context, userID string, daysBack int) (domain.Snapshot, error) {
	payload, err := json.Marshal(map[string]int{"daysBack": daysBack})
	if err != nil {
		return domain.Snapshot{}, err
	}

	var snapshot domain.Snapshot
	if err := g.do(ctx, http.MethodPost, g.userURL(userID, "backfill"), "backfill", bytes.NewReader(payload), &snapshot); err != nil {
		return domain.Snapshot{}, err
	}
	snapshot.UserID = userID
	snapshot.Provider = g.provider
	return snapshot, nil
}

func (g *GatewayAdapter) fetchRange(ctx context.Context, resource string, r Range, out any) error {
	query := url.Values{}
	query.Set("startDate", r.Window.Start)
	query.Set("endDate", r.Window.End)
	return g.do(ctx, http.MethodGet, g.userURL(r.UserID, resource)+"?"+query.Encode(), resource, nil, out)
}

func (g *GatewayAdapter) userURL(userID, resource string) string {
	return fmt.Sprintf("%s/v1/%s/users/%s/%s", g.baseURL, g.provider, url.PathEscape(userID), resource)
}

func (g *GatewayAdapter) do(ctx context.Context, method, target, resource string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		recordRequest(g.provider, resource, "error", time.Since(start))
		return fmt.Errorf("%s %s: %w", g.provider, resource, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		recordRequest(g.provider, resource, "error", time.Since(start))
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		gwErr := &GatewayError{Provider: g.provider, Resource: resource, Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
		g.logger.Warn("gateway request failed", zap.String("resource", resource), zap.Int("status", resp.StatusCode))
		return gwErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		recordRequest(g.provider, resource, "error", time.Since(start))
		return fmt.Errorf("decode %s %s response: %w", g.provider, resource, err)
	}
	recordRequest(g.provider, resource, "ok", time.Since(start))
	return nil
}

// GatewayError represents a non-successful gateway response.
type GatewayError struct {
	Provider domain.Provider
	Resource string
	Status   int
	Body     string
}

func (e *GatewayError) Error() string {
	msg := fmt.Sprintf("%s %s request failed with status %d", e.Provider, e.Resource, e.Status)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Temporary reports whether retrying the same request may succeed.
func (e *GatewayError) Temporary() bool {
	switch {
	case e.Status == http.StatusRequestTimeout, e.Status == http.StatusTooManyRequests:
		return true
	case e.Status >= 500:
		return true
	default:
		return false
	}
}
