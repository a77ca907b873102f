/**
 * @description
 * This package provides a minimal client for delivering chat notifications via
 * the Telegram Bot API. Delivery is fire-and-forget from the caller's point of
 * view: the client reports errors so they can be logged, but nothing in the
 * consistency domain depends on a message arriving.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client sends messages through the Telegram Bot API.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewClient creates a Telegram notification client with a bounded timeout.
func NewClient(token string) *Client {
	return &Client{
		BaseURL: "https://api.telegram.org",
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type sendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send delivers a plain-text message to the given chat id.
func (c *Client) Send(ctx context.Context, targetID, text string) error {
	body, err := json.Marshal(sendMessageRequest{ChatID: targetID, Text: text})
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", c.BaseURL, c.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram request failed: %w", err)
	}
	defer resp.Body.Close()

	var payload sendMessageResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&payload); err != nil {
		return fmt.Errorf("decode telegram response: %w", err)
	}
	if !payload.OK {
		return fmt.Errorf("telegram rejected message: %s", payload.Description)
	}
	return nil
}
