package services

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tryon-backend/internal/alert"
	"tryon-backend/internal/circuit"
	"tryon-backend/internal/logger"
	"tryon-backend/internal/models"
	"tryon-backend/internal/ratelimit"
	"tryon-backend/internal/replicate"
	"tryon-backend/internal/store"
)

const promptSettingKey = "generation_prompt"

const defaultPrompt = `Virtual try-on: Transform this person to wear the branded garment.

RULES:
- Preserve the person's face, body proportions and pose exactly
- Replace only the upper body clothing with the provided garment
- Ensure realistic fabric folds and natural fit
- Place the person in the provided background setting
- Match lighting to the background environment
- Maintain photorealistic quality, 8K resolution, sharp focus
- Professional DSLR camera quality`

type DispatchStore interface {
	CreateJob(job *models.Job) error
	MarkProcessing(jobID uuid.UUID, predictionID string, startedAt time.Time) error
	FailJob(jobID uuid.UUID, errorMessage string, completedAt time.Time) error
	QueuePosition(jobID uuid.UUID) (int, error)
	GetSetting(key string) (string, error)
	UpsertGeneration(entry models.GenerationLogEntry) error
}

type ObjectStore interface {
	UploadSubjectImage(jobID uuid.UUID, data []byte, contentType string) (string, error)
}

type Provider interface {
	CreatePrediction(input replicate.PredictionInput, webhookURL string) (string, error)
}

type RateLimiter interface {
	Check(userID string) ratelimit.Result
}

type Breaker interface {
	CheckAllowed() circuit.Decision
	RecordFailure(detail string)
	RecordSuccess()
}

type AlertSink interface {
	Emit(alertType, message, severity string)
}

type SubmitRequest struct {
	UserID             string
	SubjectImage       []byte
	ContentType        string
	GarmentAssetURL    string
	BackgroundAssetURL string
	GarmentID          string
}

type SubmitResult struct {
	JobID                uuid.UUID
	PredictionID         string
	QueuePosition        int
	EstimatedWaitSeconds int
	RateLimitRemaining   int
}

// DispatchService accepts a generation request, persists its assets and queue
// entry, and hands the job to the provider with a webhook callback. It
// returns as soon as the provider accepts; completion is tracked separately.
type DispatchService struct {
	store      DispatchStore
	objects    ObjectStore
	provider   Provider
	limiter    RateLimiter
	breaker    Breaker
	alerts     AlertSink
	webhookURL string
	log        *logger.Logger
}

func NewDispatchService(
	dispatchStore DispatchStore,
	objects ObjectStore,
	provider Provider,
	limiter RateLimiter,
	breaker Breaker,
	alerts AlertSink,
	webhookURL string,
	log *logger.Logger,
) *DispatchService {
	return &DispatchService{
		store:      dispatchStore,
		objects:    objects,
		provider:   provider,
		limiter:    limiter,
		breaker:    breaker,
		alerts:     alerts,
		webhookURL: webhookURL,
		log:        log,
	}
}

func (s *DispatchService) Submit(req SubmitRequest) (*SubmitResult, error) {
	if len(req.SubjectImage) == 0 {
		return nil, &ValidationError{Field: "subjectImageData"}
	}
	if req.GarmentAssetURL == "" {
		return nil, &ValidationError{Field: "garmentAssetUrl"}
	}
	if req.BackgroundAssetURL == "" {
		return nil, &ValidationError{Field: "backgroundAssetUrl"}
	}

	limit := s.limiter.Check(req.UserID)
	if !limit.Allowed {
		resetAt := time.Now().Add(time.Hour)
		if limit.ResetAt != nil {
			resetAt = *limit.ResetAt
		}
		return nil, &RateLimitError{ResetAt: resetAt}
	}

	decision := s.breaker.CheckAllowed()
	if !decision.Allowed {
		return nil, &CircuitOpenError{Reason: decision.Reason, RetryAfter: decision.RetryAfter}
	}

	jobID := uuid.New()
	log := s.log.With("job_id", jobID.String())

	contentType := req.ContentType
	if contentType == "" {
		contentType = "image/png"
	}

	subjectImageURL, err := s.objects.UploadSubjectImage(jobID, req.SubjectImage, contentType)
	if err != nil {
		return nil, fmt.Errorf("failed to store subject image: %w", err)
	}

	garmentID := req.GarmentID
	if garmentID == "" {
		garmentID = "unknown"
	}

	job := &models.Job{
		ID:                 jobID,
		UserID:             nullString(req.UserID),
		SubjectImageURL:    subjectImageURL,
		GarmentAssetURL:    req.GarmentAssetURL,
		BackgroundAssetURL: req.BackgroundAssetURL,
		GarmentID:          garmentID,
		Status:             models.StatusPending,
	}
	if err := s.store.CreateJob(job); err != nil {
		return nil, fmt.Errorf("failed to create queue entry: %w", err)
	}

	s.logGeneration(jobID, req.UserID, garmentID, models.StatusProcessing, "", 0)

	predictionID, err := s.provider.CreatePrediction(replicate.PredictionInput{
		Prompt:             s.generationPrompt(),
		SubjectImageURL:    subjectImageURL,
		GarmentAssetURL:    req.GarmentAssetURL,
		BackgroundAssetURL: req.BackgroundAssetURL,
	}, s.webhookURL)
	if err != nil {
		if failErr := s.store.FailJob(jobID, fmt.Sprintf("provider submission failed: %v", err), time.Now()); failErr != nil {
			log.Error("failed to mark job failed", "error", failErr.Error())
		}
		s.logGeneration(jobID, req.UserID, garmentID, models.StatusFailed, err.Error(), 0)
		s.breaker.RecordFailure(err.Error())

		var apiErr *replicate.APIError
		if errors.As(err, &apiErr) && apiErr.InvalidCredentials() {
			s.alerts.Emit(alert.TypeAPIError, "provider api token rejected, check configuration", alert.SeverityCritical)
		}
		return nil, fmt.Errorf("failed to submit generation: %w", err)
	}

	if err := s.store.MarkProcessing(jobID, predictionID, time.Now()); err != nil {
		log.Error("failed to mark job processing", "error", err.Error())
	}

	position, err := s.store.QueuePosition(jobID)
	if err != nil || position < 1 {
		position = 1
	}

	log.Info("generation dispatched",
		"prediction_id", predictionID, "queue_position", position)

	return &SubmitResult{
		JobID:                jobID,
		PredictionID:         predictionID,
		QueuePosition:        position,
		EstimatedWaitSeconds: estimatedWaitSeconds(position),
		RateLimitRemaining:   limit.Remaining,
	}, nil
}

func (s *DispatchService) generationPrompt() string {
	value, err := s.store.GetSetting(promptSettingKey)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.Warn("failed to read generation prompt, using default", "error", err.Error())
		}
		return defaultPrompt
	}
	return value
}

// logGeneration writes the reporting record. Best effort: failures here must
// not affect the job itself.
func (s *DispatchService) logGeneration(jobID uuid.UUID, userID, garmentID, status, errorMessage string, processingTimeMS int64) {
	entry := models.GenerationLogEntry{
		ID:               jobID,
		ExternalUserID:   userID,
		GarmentID:        garmentID,
		Status:           status,
		ErrorMessage:     errorMessage,
		ProcessingTimeMS: processingTimeMS,
	}
	if err := s.store.UpsertGeneration(entry); err != nil {
		s.log.Warn("failed to log generation", "job_id", jobID.String(), "error", err.Error())
	}
}

// estimatedWaitSeconds is a coarse heuristic tiered by queue depth.
func estimatedWaitSeconds(position int) int {
	switch {
	case position <= 5:
		return 45
	case position <= 20:
		return 120
	default:
		return 300
	}
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
