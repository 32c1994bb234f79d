package handlers_test

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tryon-backend/internal/handlers"
	"tryon-backend/internal/services"
)

type fakeDispatcher struct {
	request services.SubmitRequest
	result  *services.SubmitResult
	err     error
}

func (f *fakeDispatcher) Submit(req services.SubmitRequest) (*services.SubmitResult, error) {
	f.request = req
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func generateRouter(dispatcher *fakeDispatcher) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	handler := handlers.NewGenerateHandler(dispatcher)
	router.POST("/api/v1/generate", handler.Generate)
	return router
}

func postGenerate(router *gin.Engine, body map[string]interface{}) *httptest.ResponseRecorder {
	payload, _ := json.Marshal(body)
	req, _ := http.NewRequest("POST", "/api/v1/generate", bytes.NewBuffer(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func validBody() map[string]interface{} {
	return map[string]interface{}{
		"subjectImageData":   base64.StdEncoding.EncodeToString([]byte("fake-png")),
		"garmentAssetUrl":    "https://assets.test/garment.png",
		"backgroundAssetUrl": "https://assets.test/background.png",
		"garmentId":          "garment-7",
	}
}

func TestGenerate_Success(t *testing.T) {
	jobID := uuid.New()
	dispatcher := &fakeDispatcher{result: &services.SubmitResult{
		JobID:                jobID,
		PredictionID:         "pred-123",
		QueuePosition:        2,
		EstimatedWaitSeconds: 45,
		RateLimitRemaining:   24,
	}}
	router := generateRouter(dispatcher)

	w := postGenerate(router, validBody())

	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, jobID.String(), resp["jobId"])
	assert.Equal(t, "pred-123", resp["externalJobId"])
	assert.Equal(t, "processing", resp["status"])
	assert.Equal(t, float64(2), resp["queuePosition"])
	assert.Equal(t, float64(45), resp["estimatedWaitSeconds"])
	assert.Equal(t, float64(24), resp["rateLimitRemaining"])

	assert.Equal(t, []byte("fake-png"), dispatcher.request.SubjectImage)
	assert.Equal(t, "garment-7", dispatcher.request.GarmentID)
}

func TestGenerate_DataURIDecoded(t *testing.T) {
	dispatcher := &fakeDispatcher{result: &services.SubmitResult{JobID: uuid.New()}}
	router := generateRouter(dispatcher)

	body := validBody()
	body["subjectImageData"] = "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte("jpeg-bytes"))
	w := postGenerate(router, body)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []byte("jpeg-bytes"), dispatcher.request.SubjectImage)
	assert.Equal(t, "image/jpeg", dispatcher.request.ContentType)
}

func TestGenerate_InvalidBase64(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	router := generateRouter(dispatcher)

	body := validBody()
	body["subjectImageData"] = "not base64!!!"
	w := postGenerate(router, body)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGenerate_ValidationError(t *testing.T) {
	dispatcher := &fakeDispatcher{err: &services.ValidationError{Field: "garmentAssetUrl"}}
	router := generateRouter(dispatcher)

	w := postGenerate(router, validBody())

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "garmentAssetUrl")
}

func TestGenerate_RateLimited(t *testing.T) {
	resetAt := time.Now().Add(30 * time.Minute).UTC()
	dispatcher := &fakeDispatcher{err: &services.RateLimitError{ResetAt: resetAt}}
	router := generateRouter(dispatcher)

	w := postGenerate(router, validBody())

	require.Equal(t, http.StatusTooManyRequests, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "rate_limit_exceeded", resp["errorCode"])
	assert.Equal(t, resetAt.Format(time.RFC3339), resp["resetAt"])
}

func TestGenerate_CircuitOpen(t *testing.T) {
	dispatcher := &fakeDispatcher{err: &services.CircuitOpenError{
		Reason:     "service temporarily unavailable, retry in 90 seconds",
		RetryAfter: 90 * time.Second,
	}}
	router := generateRouter(dispatcher)

	w := postGenerate(router, validBody())

	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "circuit_open", resp["errorCode"])
	assert.Equal(t, float64(91), resp["retryAfterSeconds"])
}

func TestGenerate_UnknownErrorIsInternal(t *testing.T) {
	dispatcher := &fakeDispatcher{err: assert.AnError}
	router := generateRouter(dispatcher)

	w := postGenerate(router, validBody())

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
