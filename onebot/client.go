// Package onebot talks to a OneBot v11 implementation: it calls the HTTP API
// for moderation actions and group messages, and reads the event stream over
// WebSocket.
package onebot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// Client calls the OneBot HTTP API.
type Client struct {
	httpClient  *http.Client
	logger      *slog.Logger
	baseURL     string
	accessToken string
}

// NewClient creates a new API client for the OneBot implementation at
// baseURL (e.g. http://127.0.0.1:5700). accessToken may be empty.
func NewClient(baseURL, accessToken string, logger *slog.Logger) *Client {
	return &Client{
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		logger:      logger,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		accessToken: accessToken,
	}
}

// apiResponse is the envelope every OneBot API call returns.
type apiResponse struct {
	Status  string `json:"status"`
	Msg     string `json:"msg"`
	Wording string `json:"wording"`
	Retcode int    `json:"retcode"`
}

// RespondJoinRequest answers a pending group join request identified by its
// approval flag. reason is attached only when rejecting.
func (c *Client) RespondJoinRequest(ctx context.Context, flag, subType string, approve bool, reason string) error {
	params := map[string]any{
		"flag":     flag,
		"sub_type": subType,
		"approve":  approve,
	}
	if !approve && reason != "" {
		params["reason"] = reason
	}
	return c.call(ctx, "set_group_add_request", params)
}

// SendGroupMessage posts a plain-text message into a group.
func (c *Client) SendGroupMessage(ctx context.Context, groupID, text string) error {
	return c.call(ctx, "send_group_msg", map[string]any{
		"group_id": numericIfPossible(groupID),
		"message":  text,
	})
}

// numericIfPossible converts an id to int64 when it is purely numeric. The
// OneBot API expects numeric ids as JSON numbers.
func numericIfPossible(id string) any {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}

func (c *Client) call(ctx context.Context, action string, params map[string]any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", action, err)
	}

	url := c.baseURL + "/" + action

	err = retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("create request: %w", err)
			}
			req.Header.Set("Content-Type", "application/json")
			if c.accessToken != "" {
				req.Header.Set("Authorization", "Bearer "+c.accessToken)
			}

			startTime := time.Now()
			resp, err := c.httpClient.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				c.logger.Warn("OneBot API request failed, will retry",
					"action", action,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			if resp.StatusCode != http.StatusOK {
				c.logger.Warn("OneBot API returned non-OK status, will retry",
					"action", action, "status_code", resp.StatusCode)
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}

			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("read response: %w", err)
			}

			var apiResp apiResponse
			if err := json.Unmarshal(data, &apiResp); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}

			if apiResp.Retcode != 0 {
				// An API-level failure (expired flag, insufficient bot
				// permissions) will not heal on retry.
				msg := apiResp.Wording
				if msg == "" {
					msg = apiResp.Msg
				}
				return retry.Unrecoverable(fmt.Errorf("%s failed: retcode %d %s", action, apiResp.Retcode, msg))
			}

			c.logger.Info("OneBot API request completed",
				"action", action,
				"duration_ms", duration.Milliseconds(),
				"status", apiResp.Status)
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			c.logger.Info("Retrying OneBot API call after error", "attempt", n, "action", action, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("%s after retries: %w", action, err)
	}
	return nil
}
