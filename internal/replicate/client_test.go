package replicate_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tryon-backend/internal/replicate"
)

func TestCreatePrediction(t *testing.T) {
	var captured map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"pred-abc","status":"starting"}`))
	}))
	defer server.Close()

	client := replicate.NewClient(server.URL, "test-token")
	id, err := client.CreatePrediction(replicate.PredictionInput{
		Prompt:             "try on the garment",
		SubjectImageURL:    "https://storage.test/subject.png",
		GarmentAssetURL:    "https://assets.test/garment.png",
		BackgroundAssetURL: "https://assets.test/background.png",
	}, "https://app.test/webhook")

	require.NoError(t, err)
	assert.Equal(t, "pred-abc", id)

	assert.Equal(t, "https://app.test/webhook", captured["webhook"])
	input := captured["input"].(map[string]interface{})
	assert.Equal(t, "try on the garment", input["prompt"])
	images := input["image_input"].([]interface{})
	require.Len(t, images, 3)
	assert.Equal(t, "https://storage.test/subject.png", images[0])
}

func TestCreatePrediction_Unauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"detail":"Invalid token"}`))
	}))
	defer server.Close()

	client := replicate.NewClient(server.URL, "bad-token")
	_, err := client.CreatePrediction(replicate.PredictionInput{}, "https://app.test/webhook")

	var apiErr *replicate.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.True(t, apiErr.InvalidCredentials())
}

func TestCreatePrediction_EmptyID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"starting"}`))
	}))
	defer server.Close()

	client := replicate.NewClient(server.URL, "test-token")
	_, err := client.CreatePrediction(replicate.PredictionInput{}, "https://app.test/webhook")

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "prediction id is empty")
}

func TestFetchOutput(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("image-bytes"))
	}))
	defer server.Close()

	client := replicate.NewClient("https://api.test", "test-token")
	data, err := client.FetchOutput(server.URL)

	require.NoError(t, err)
	assert.Equal(t, []byte("image-bytes"), data)
}

func TestWebhookEvent_OutputURL(t *testing.T) {
	ev := replicate.WebhookEvent{Output: json.RawMessage(`"https://out.test/a.png"`)}
	assert.Equal(t, "https://out.test/a.png", ev.OutputURL())

	ev = replicate.WebhookEvent{Output: json.RawMessage(`["https://out.test/b.png","https://out.test/c.png"]`)}
	assert.Equal(t, "https://out.test/b.png", ev.OutputURL())

	ev = replicate.WebhookEvent{}
	assert.Equal(t, "", ev.OutputURL())

	ev = replicate.WebhookEvent{Output: json.RawMessage(`[]`)}
	assert.Equal(t, "", ev.OutputURL())
}

func TestClient_RetryWithBackoff(t *testing.T) {
	client := replicate.NewClient("https://api.test", "test-token")

	callCount := 0
	err := client.RetryWithBackoff(func() error {
		callCount++
		if callCount < 3 {
			return assert.AnError
		}
		return nil
	}, 3)

	assert.NoError(t, err)
	assert.Equal(t, 3, callCount)
}

func TestClient_RetryWithBackoff_Exhausted(t *testing.T) {
	client := replicate.NewClient("https://api.test", "test-token")

	err := client.RetryWithBackoff(func() error {
		return assert.AnError
	}, 3)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 retries")
}
