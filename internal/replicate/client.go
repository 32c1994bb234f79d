package replicate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to the Replicate predictions API. Predictions are created with
// a webhook URL; Replicate calls it back when the prediction reaches a
// terminal state, so nothing here polls for completion.
type Client struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
}

type PredictionInput struct {
	Prompt             string
	SubjectImageURL    string
	GarmentAssetURL    string
	BackgroundAssetURL string
}

type predictionRequest struct {
	Input               predictionInput `json:"input"`
	Webhook             string          `json:"webhook"`
	WebhookEventsFilter []string        `json:"webhook_events_filter"`
}

type predictionInput struct {
	Prompt                    string   `json:"prompt"`
	ImageInput                []string `json:"image_input"`
	Size                      string   `json:"size"`
	AspectRatio               string   `json:"aspect_ratio"`
	MaxImages                 int      `json:"max_images"`
	SequentialImageGeneration string   `json:"sequential_image_generation"`
}

type predictionResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// WebhookEvent is the payload Replicate posts to the callback URL. Output is
// kept raw because the API returns either a single URL or an array of them.
type WebhookEvent struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// OutputURL extracts the generated image URL from the event output, or ""
// when the payload carries none.
func (e *WebhookEvent) OutputURL() string {
	if len(e.Output) == 0 {
		return ""
	}

	var single string
	if err := json.Unmarshal(e.Output, &single); err == nil {
		return single
	}

	var many []string
	if err := json.Unmarshal(e.Output, &many); err == nil && len(many) > 0 {
		return many[0]
	}

	return ""
}

// APIError is a non-2xx response from the Replicate API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("replicate api error: status %d, body: %s", e.StatusCode, e.Body)
}

// InvalidCredentials reports whether the failure indicates a rejected API
// token rather than transient load.
func (e *APIError) InvalidCredentials() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

func NewClient(baseURL, apiToken string) *Client {
	return &Client{
		baseURL:  baseURL,
		apiToken: apiToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// CreatePrediction submits a generation and returns the prediction id. It
// returns as soon as Replicate accepts the job; the result arrives later via
// the webhook.
func (c *Client) CreatePrediction(input PredictionInput, webhookURL string) (string, error) {
	requestBody := predictionRequest{
		Input: predictionInput{
			Prompt:                    input.Prompt,
			ImageInput:                []string{input.SubjectImageURL, input.GarmentAssetURL, input.BackgroundAssetURL},
			Size:                      "2K",
			AspectRatio:               "match_input_image",
			MaxImages:                 1,
			SequentialImageGeneration: "disabled",
		},
		Webhook:             webhookURL,
		WebhookEventsFilter: []string{"completed"},
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequest("POST", c.baseURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var result predictionResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w, body: %s", err, string(body))
	}

	if result.ID == "" {
		return "", fmt.Errorf("prediction id is empty in response, body: %s", string(body))
	}

	return result.ID, nil
}

// FetchOutput downloads the generated image from the provider's result URL,
// retrying transient failures.
func (c *Client) FetchOutput(url string) ([]byte, error) {
	var data []byte
	err := c.RetryWithBackoff(func() error {
		resp, err := c.httpClient.Get(url)
		if err != nil {
			return fmt.Errorf("failed to fetch output: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("failed to fetch output: status %d", resp.StatusCode)
		}

		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read output body: %w", err)
		}
		return nil
	}, 3)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// RetryWithBackoff executes a function with exponential backoff retry logic
func (c *Client) RetryWithBackoff(fn func() error, maxRetries int) error {
	backoffs := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err
		if i < len(backoffs) {
			time.Sleep(backoffs[i])
		}
	}

	return fmt.Errorf("failed after %d retries: %w", maxRetries, lastErr)
}
