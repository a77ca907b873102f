/**
 * @description
 * This package provides a client for the external review listing source: an
 * HTTP scraper endpoint that returns the most recent Play Store reviews for a
 * package id, newest first. The source is eventually consistent and
 * occasionally unavailable; callers treat a fetch failure as "try again next
 * cycle", never as fatal.
 *
 * @dependencies
 * - context, encoding/json, fmt, net/http, net/url, time: Standard Go libraries.
 * - internal/domain: The Review model.
 */
package playstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/reviewpay/reward-service/internal/domain"
)

// Client is a client for the review listing endpoint.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a new review listing client with a bounded timeout.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// listReviewsResponse is the wire shape returned by the scraper endpoint.
type listReviewsResponse struct {
	Reviews []struct {
		ID       string `json:"id"`
		UserName string `json:"user_name"`
		Score    int    `json:"score"`
		Text     string `json:"text"`
		At       int64  `json:"at"` // unix seconds
	} `json:"reviews"`
}

// ListReviews fetches up to count recent reviews for the given package id,
// newest first.
func (c *Client) ListReviews(ctx context.Context, appID string, count int) ([]domain.Review, error) {
	endpoint := fmt.Sprintf("%s/reviews?%s", c.BaseURL, url.Values{
		"app_id": {appID},
		"count":  {fmt.Sprintf("%d", count)},
		"sort":   {"newest"},
	}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("review source request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("review source returned status %d: %s", resp.StatusCode, string(body))
	}

	var payload listReviewsResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode review listing: %w", err)
	}

	reviews := make([]domain.Review, 0, len(payload.Reviews))
	for _, item := range payload.Reviews {
		reviews = append(reviews, domain.Review{
			ReviewID:     item.ID,
			ReviewerName: item.UserName,
			Rating:       item.Score,
			Text:         item.Text,
			PostedAt:     time.Unix(item.At, 0).UTC(),
		})
	}
	return reviews, nil
}
