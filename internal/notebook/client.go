package notebook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vipul43/clipdigest-worker/internal/models"
)

// Client posts items to the bridge that drives the AI processing service.
// The bridge answers with {"accepted": bool}; completion arrives later by mail.
type Client struct {
	submitURL  string
	apiToken   string
	httpClient *http.Client
}

func NewClient(submitURL, apiToken string) *Client {
	return &Client{
		submitURL: submitURL,
		apiToken:  apiToken,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

// SubmissionRequest is the JSON body sent to the bridge
type SubmissionRequest struct {
	ItemID          string `json:"item_id"`
	ExternalID      string `json:"external_id"`
	URL             string `json:"url"`
	Title           string `json:"title"`
	ChannelName     string `json:"channel_name"`
	DurationSeconds int    `json:"duration_seconds"`
}

type submissionResponse struct {
	Accepted *bool  `json:"accepted"`
	Message  string `json:"message"`
}

func WatchURL(externalID string) string {
	return "https://www.youtube.com/watch?v=" + externalID
}

func newSubmissionRequest(item models.ContentItem) SubmissionRequest {
	title := item.Title
	if item.TranslatedTitle != nil && *item.TranslatedTitle != "" {
		title = *item.TranslatedTitle
	}
	return SubmissionRequest{
		ItemID:          item.ID,
		ExternalID:      item.ExternalID,
		URL:             WatchURL(item.ExternalID),
		Title:           title,
		ChannelName:     item.ChannelName,
		DurationSeconds: item.DurationSeconds,
	}
}

// Submit returns false when the bridge declines the item
func (c *Client) Submit(ctx context.Context, item models.ContentItem) (bool, error) {
	jsonData, err := json.Marshal(newSubmissionRequest(item))
	if err != nil {
		return false, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.submitURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("submission error (status %d): %s", resp.StatusCode, string(body))
	}

	// an empty 2xx body counts as accepted
	if len(bytes.TrimSpace(body)) == 0 {
		return true, nil
	}

	var out submissionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return false, fmt.Errorf("failed to parse submission response: %w", err)
	}
	if out.Accepted != nil && !*out.Accepted {
		log.Info().Str("item", item.ID).Str("reason", out.Message).Msg("submission declined")
		return false, nil
	}
	return true, nil
}
