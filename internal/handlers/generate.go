package handlers

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"tryon-backend/internal/middleware"
	"tryon-backend/internal/models"
	"tryon-backend/internal/replicate"
	"tryon-backend/internal/services"
)

type Dispatcher interface {
	Submit(req services.SubmitRequest) (*services.SubmitResult, error)
}

type GenerateHandler struct {
	dispatcher Dispatcher
}

func NewGenerateHandler(dispatcher Dispatcher) *GenerateHandler {
	return &GenerateHandler{dispatcher: dispatcher}
}

// Generate accepts a try-on request, queues it and returns immediately with
// the job id; the result arrives later through the status channel.
func (h *GenerateHandler) Generate(c *gin.Context) {
	var req models.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "invalid request body",
			Message: err.Error(),
		})
		return
	}

	// A verified token wins over whatever the body claims.
	userID := req.UserID
	if v, exists := c.Get(middleware.UserIDKey); exists {
		userID = v.(string)
	}

	imageData, contentType, err := decodeImageData(req.SubjectImageData)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "invalid subject image data",
			Message: err.Error(),
		})
		return
	}

	result, err := h.dispatcher.Submit(services.SubmitRequest{
		UserID:             userID,
		SubjectImage:       imageData,
		ContentType:        contentType,
		GarmentAssetURL:    req.GarmentAssetURL,
		BackgroundAssetURL: req.BackgroundAssetURL,
		GarmentID:          req.GarmentID,
	})
	if err != nil {
		h.writeSubmitError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.GenerateResponse{
		JobID:                result.JobID.String(),
		ExternalJobID:        result.PredictionID,
		Status:               models.StatusProcessing,
		QueuePosition:        result.QueuePosition,
		EstimatedWaitSeconds: result.EstimatedWaitSeconds,
		RateLimitRemaining:   result.RateLimitRemaining,
	})
}

func (h *GenerateHandler) writeSubmitError(c *gin.Context, err error) {
	var validationErr *services.ValidationError
	if errors.As(err, &validationErr) {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: validationErr.Error()})
		return
	}

	var rateErr *services.RateLimitError
	if errors.As(err, &rateErr) {
		c.JSON(http.StatusTooManyRequests, models.ErrorResponse{
			Error:     "generation limit reached, please try again later",
			ErrorCode: "rate_limit_exceeded",
			ResetAt:   rateErr.ResetAt.UTC().Format(time.RFC3339),
		})
		return
	}

	var circuitErr *services.CircuitOpenError
	if errors.As(err, &circuitErr) {
		c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{
			Error:             circuitErr.Error(),
			ErrorCode:         "circuit_open",
			RetryAfterSeconds: int(circuitErr.RetryAfter/time.Second) + 1,
		})
		return
	}

	var apiErr *replicate.APIError
	if errors.As(err, &apiErr) && apiErr.InvalidCredentials() {
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{
			Error: "image generation service rejected our credentials",
		})
		return
	}

	c.JSON(http.StatusInternalServerError, models.ErrorResponse{
		Error:   "failed to start generation",
		Message: err.Error(),
	})
}

// decodeImageData accepts either a raw base64 string or a data URI and
// returns the decoded bytes plus the declared content type.
func decodeImageData(encoded string) ([]byte, string, error) {
	if encoded == "" {
		return nil, "", nil
	}

	contentType := "image/png"
	if strings.HasPrefix(encoded, "data:") {
		semi := strings.Index(encoded, ";base64,")
		if semi < 0 {
			return nil, "", errors.New("malformed data uri")
		}
		contentType = encoded[len("data:"):semi]
		encoded = encoded[semi+len(";base64,"):]
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, "", err
	}
	return data, contentType, nil
}
