package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"tryon-backend/internal/logger"
	"tryon-backend/internal/models"
	"tryon-backend/internal/replicate"
	"tryon-backend/internal/services"
	"tryon-backend/internal/store"
)

type WebhookProcessor interface {
	HandleCallback(ev replicate.WebhookEvent) (*services.CallbackResult, error)
}

type WebhookHandler struct {
	processor WebhookProcessor
	token     string
	log       *logger.Logger
}

func NewWebhookHandler(processor WebhookProcessor, token string, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{processor: processor, token: token, log: log}
}

// HandleCallback receives prediction updates from the provider. Events for
// already settled jobs are acknowledged so the provider stops retrying.
func (h *WebhookHandler) HandleCallback(c *gin.Context) {
	if h.token != "" {
		supplied := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if supplied != h.token {
			c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "invalid webhook token"})
			return
		}
	}

	var ev replicate.WebhookEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "invalid webhook payload",
			Message: err.Error(),
		})
		return
	}
	if ev.ID == "" {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "missing prediction id"})
		return
	}

	result, err := h.processor.HandleCallback(ev)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "unknown prediction id"})
			return
		}
		// Acknowledge anyway: the provider retries on non-2xx and our
		// failure here is not something a redelivery would fix.
		h.log.Error("webhook processing failed", "prediction_id", ev.ID, "error", err.Error())
		c.JSON(http.StatusOK, models.WebhookAck{Received: true})
		return
	}

	c.JSON(http.StatusOK, models.WebhookAck{
		Received: true,
		JobID:    result.JobID.String(),
		Status:   result.Status,
	})
}
