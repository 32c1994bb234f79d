package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tryon-backend/internal/alert"
	"tryon-backend/internal/logger"
	"tryon-backend/internal/models"
	"tryon-backend/internal/replicate"
	"tryon-backend/internal/store"
)

type WebhookStore interface {
	GetJobByPredictionID(predictionID string) (*models.Job, error)
	CompleteJob(jobID uuid.UUID, resultImageURL string, completedAt time.Time) error
	FailJob(jobID uuid.UUID, errorMessage string, completedAt time.Time) error
	UpsertGeneration(entry models.GenerationLogEntry) error
	UpsertDailyStats(success bool, processingTimeMS int64) error
}

type ResultStore interface {
	StoreResult(jobID uuid.UUID, data []byte) (string, error)
}

type OutputFetcher interface {
	FetchOutput(url string) ([]byte, error)
}

type CallbackResult struct {
	JobID  uuid.UUID
	Status string
}

// WebhookService resolves jobs from provider callbacks. Each terminal event
// copies the result into durable storage, settles the queue row exactly once,
// and feeds the circuit breaker. Duplicate deliveries are acknowledged
// without side effects.
type WebhookService struct {
	store         WebhookStore
	results       ResultStore
	fetcher       OutputFetcher
	breaker       Breaker
	alerts        AlertSink
	slowThreshold time.Duration
	log           *logger.Logger
}

func NewWebhookService(
	webhookStore WebhookStore,
	results ResultStore,
	fetcher OutputFetcher,
	breaker Breaker,
	alerts AlertSink,
	slowThreshold time.Duration,
	log *logger.Logger,
) *WebhookService {
	return &WebhookService{
		store:         webhookStore,
		results:       results,
		fetcher:       fetcher,
		breaker:       breaker,
		alerts:        alerts,
		slowThreshold: slowThreshold,
		log:           log,
	}
}

func (s *WebhookService) HandleCallback(ev replicate.WebhookEvent) (*CallbackResult, error) {
	job, err := s.store.GetJobByPredictionID(ev.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("no job for prediction %s: %w", ev.ID, err)
		}
		return nil, fmt.Errorf("failed to look up prediction %s: %w", ev.ID, err)
	}

	log := s.log.With("job_id", job.ID.String(), "prediction_id", ev.ID)

	if models.IsTerminal(job.Status) {
		log.Info("duplicate webhook for settled job", "status", job.Status)
		return &CallbackResult{JobID: job.ID, Status: job.Status}, nil
	}

	var processingMS int64
	if job.StartedAt.Valid {
		processingMS = time.Since(job.StartedAt.Time).Milliseconds()
	}

	switch ev.Status {
	case "succeeded":
		return s.handleSuccess(job, ev, processingMS, log)
	case "failed", "canceled":
		message := ev.Error
		if message == "" {
			message = fmt.Sprintf("prediction %s", ev.Status)
		}
		return s.settleFailure(job, message, processingMS, log)
	default:
		log.Info("intermediate webhook status", "status", ev.Status)
		return &CallbackResult{JobID: job.ID, Status: job.Status}, nil
	}
}

func (s *WebhookService) handleSuccess(job *models.Job, ev replicate.WebhookEvent, processingMS int64, log *logger.Logger) (*CallbackResult, error) {
	outputURL := ev.OutputURL()
	if outputURL == "" {
		log.Warn("succeeded webhook carried no output")
		return s.settleFailure(job, "no image returned by provider", processingMS, log)
	}

	// The provider URL expires; copy the image into our own bucket. If the
	// copy fails we still complete the job with the ephemeral URL rather
	// than fail a generation that actually succeeded.
	resultURL := outputURL
	if data, err := s.fetcher.FetchOutput(outputURL); err != nil {
		log.Warn("failed to download result, keeping provider url", "error", err.Error())
	} else if durable, err := s.results.StoreResult(job.ID, data); err != nil {
		log.Warn("failed to store result copy, keeping provider url", "error", err.Error())
	} else {
		resultURL = durable
	}

	if err := s.store.CompleteJob(job.ID, resultURL, time.Now()); err != nil {
		if errors.Is(err, store.ErrAlreadyTerminal) {
			log.Info("job settled concurrently, ignoring duplicate")
			return &CallbackResult{JobID: job.ID, Status: models.StatusCompleted}, nil
		}
		return nil, fmt.Errorf("failed to complete job: %w", err)
	}

	s.logGeneration(job, models.StatusCompleted, "", processingMS)
	s.recordStats(true, processingMS)
	s.breaker.RecordSuccess()

	if s.slowThreshold > 0 && processingMS > s.slowThreshold.Milliseconds() {
		s.alerts.Emit(alert.TypeSlowProcessing,
			fmt.Sprintf("generation %s took %dms", job.ID, processingMS),
			alert.SeverityWarning)
	}

	log.Info("generation completed", "processing_ms", processingMS)
	return &CallbackResult{JobID: job.ID, Status: models.StatusCompleted}, nil
}

func (s *WebhookService) settleFailure(job *models.Job, message string, processingMS int64, log *logger.Logger) (*CallbackResult, error) {
	if err := s.store.FailJob(job.ID, message, time.Now()); err != nil {
		if errors.Is(err, store.ErrAlreadyTerminal) {
			log.Info("job settled concurrently, ignoring duplicate")
			return &CallbackResult{JobID: job.ID, Status: models.StatusFailed}, nil
		}
		return nil, fmt.Errorf("failed to fail job: %w", err)
	}

	s.logGeneration(job, models.StatusFailed, message, processingMS)
	s.recordStats(false, processingMS)
	s.breaker.RecordFailure(message)

	log.Warn("generation failed", "error", message, "processing_ms", processingMS)
	return &CallbackResult{JobID: job.ID, Status: models.StatusFailed}, nil
}

func (s *WebhookService) logGeneration(job *models.Job, status, errorMessage string, processingMS int64) {
	entry := models.GenerationLogEntry{
		ID:               job.ID,
		ExternalUserID:   job.UserID.String,
		GarmentID:        job.GarmentID,
		Status:           status,
		ErrorMessage:     errorMessage,
		ProcessingTimeMS: processingMS,
	}
	if err := s.store.UpsertGeneration(entry); err != nil {
		s.log.Warn("failed to log generation", "job_id", job.ID.String(), "error", err.Error())
	}
}

func (s *WebhookService) recordStats(success bool, processingMS int64) {
	if err := s.store.UpsertDailyStats(success, processingMS); err != nil {
		s.log.Warn("failed to update daily stats", "error", err.Error())
	}
}
