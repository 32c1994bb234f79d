package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"tryon-backend/internal/models"
	"tryon-backend/internal/store"
)

type StatusStore interface {
	GetJob(jobID uuid.UUID) (*models.Job, error)
	QueuePosition(jobID uuid.UUID) (int, error)
}

type StatusHandler struct {
	store StatusStore
}

func NewStatusHandler(statusStore StatusStore) *StatusHandler {
	return &StatusHandler{store: statusStore}
}

// GetStatus reports the current state of a generation job. Clients normally
// get updates pushed; this is the polling fallback.
func (h *StatusHandler) GetStatus(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("job_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid job id"})
		return
	}

	job, err := h.store.GetJob(jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "failed to load job",
			Message: err.Error(),
		})
		return
	}

	resp := models.StatusResponse{
		JobID:  job.ID.String(),
		Status: job.Status,
	}
	if job.ResultImageURL.Valid {
		resp.ResultImageURL = job.ResultImageURL.String
	}
	if job.ErrorMessage.Valid {
		resp.ErrorMessage = job.ErrorMessage.String
	}
	c.JSON(http.StatusOK, resp)
}

// GetPosition reports how many jobs are queued ahead of the given one.
func (h *StatusHandler) GetPosition(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("job_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid job id"})
		return
	}

	position, err := h.store.QueuePosition(jobID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "failed to compute queue position",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, models.PositionResponse{
		JobID:                jobID.String(),
		QueuePosition:        position,
		EstimatedWaitSeconds: estimatedWait(position),
	})
}

func estimatedWait(position int) int {
	switch {
	case position <= 5:
		return 45
	case position <= 20:
		return 120
	default:
		return 300
	}
}
