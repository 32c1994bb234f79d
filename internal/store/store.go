package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"tryon-backend/internal/models"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyTerminal is returned when a terminal transition is attempted
	// on a job that already reached completed or failed. The first terminal
	// write wins; callers treat this as a duplicate delivery.
	ErrAlreadyTerminal = errors.New("job already in terminal state")
)

type Store struct {
	db *sql.DB
}

func NewStore(connectionString string) (*Store, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const jobColumns = `id, user_id, subject_image_url, garment_asset_url, background_asset_url,
		garment_id, status, prediction_id, result_image_url, error_message,
		created_at, started_at, completed_at`

func scanJob(row *sql.Row) (*models.Job, error) {
	var job models.Job
	err := row.Scan(
		&job.ID, &job.UserID, &job.SubjectImageURL, &job.GarmentAssetURL, &job.BackgroundAssetURL,
		&job.GarmentID, &job.Status, &job.PredictionID, &job.ResultImageURL, &job.ErrorMessage,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	return &job, nil
}

// CreateJob inserts a new queue entry in pending state.
func (s *Store) CreateJob(job *models.Job) error {
	_, err := s.db.Exec(`
		INSERT INTO generation_queue
			(id, user_id, subject_image_url, garment_asset_url, background_asset_url, garment_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, job.ID, job.UserID, job.SubjectImageURL, job.GarmentAssetURL, job.BackgroundAssetURL,
		job.GarmentID, models.StatusPending)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(jobID uuid.UUID) (*models.Job, error) {
	return scanJob(s.db.QueryRow(`
		SELECT `+jobColumns+`
		FROM generation_queue
		WHERE id = $1
	`, jobID))
}

// GetJobByPredictionID correlates a provider webhook delivery to its job.
func (s *Store) GetJobByPredictionID(predictionID string) (*models.Job, error) {
	return scanJob(s.db.QueryRow(`
		SELECT `+jobColumns+`
		FROM generation_queue
		WHERE prediction_id = $1
	`, predictionID))
}

// MarkProcessing attaches the provider's prediction id and the start time.
// Called by the dispatcher once the provider has accepted the job.
func (s *Store) MarkProcessing(jobID uuid.UUID, predictionID string, startedAt time.Time) error {
	_, err := s.db.Exec(`
		UPDATE generation_queue
		SET status = $1, prediction_id = $2, started_at = $3
		WHERE id = $4
	`, models.StatusProcessing, predictionID, startedAt, jobID)
	if err != nil {
		return fmt.Errorf("failed to mark job processing: %w", err)
	}
	return nil
}

// CompleteJob commits the completed terminal state. The status guard makes
// the write idempotent: a job that is already terminal is left untouched and
// ErrAlreadyTerminal is returned.
func (s *Store) CompleteJob(jobID uuid.UUID, resultImageURL string, completedAt time.Time) error {
	res, err := s.db.Exec(`
		UPDATE generation_queue
		SET status = $1, result_image_url = $2, completed_at = $3
		WHERE id = $4 AND status NOT IN ($5, $6)
	`, models.StatusCompleted, resultImageURL, completedAt, jobID,
		models.StatusCompleted, models.StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return terminalWriteResult(res)
}

// FailJob commits the failed terminal state, with the same idempotency guard
// as CompleteJob.
func (s *Store) FailJob(jobID uuid.UUID, errorMessage string, completedAt time.Time) error {
	res, err := s.db.Exec(`
		UPDATE generation_queue
		SET status = $1, error_message = $2, completed_at = $3
		WHERE id = $4 AND status NOT IN ($5, $6)
	`, models.StatusFailed, errorMessage, completedAt, jobID,
		models.StatusCompleted, models.StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	return terminalWriteResult(res)
}

func terminalWriteResult(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrAlreadyTerminal
	}
	return nil
}

// QueuePosition returns the 1-indexed position of a job among not-yet-terminal
// jobs, ordered by creation time (ties broken by id). A missing job reports
// position 1, matching the dispatcher's optimistic fallback.
func (s *Store) QueuePosition(jobID uuid.UUID) (int, error) {
	var position int
	err := s.db.QueryRow(`
		WITH target AS (
			SELECT created_at FROM generation_queue WHERE id = $1
		)
		SELECT COUNT(*) + 1
		FROM generation_queue q, target t
		WHERE q.status IN ($2, $3)
		  AND (q.created_at < t.created_at OR (q.created_at = t.created_at AND q.id < $1))
	`, jobID, models.StatusPending, models.StatusProcessing).Scan(&position)
	if err != nil {
		return 0, fmt.Errorf("failed to compute queue position: %w", err)
	}
	return position, nil
}

// GetRateCounter returns the counter for a user/action pair, or ErrNotFound.
func (s *Store) GetRateCounter(userID, action string) (*models.RateCounter, error) {
	var counter models.RateCounter
	err := s.db.QueryRow(`
		SELECT user_id, action, count, window_start
		FROM rate_limits
		WHERE user_id = $1 AND action = $2
	`, userID, action).Scan(&counter.UserID, &counter.Action, &counter.Count, &counter.WindowStart)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get rate counter: %w", err)
	}
	return &counter, nil
}

// CreateRateCounter opens a fresh window with count=1. The upsert keeps a
// race between two first requests bounded to a single extra unit.
func (s *Store) CreateRateCounter(userID, action string, windowStart time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO rate_limits (user_id, action, count, window_start)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (user_id, action) DO UPDATE
		SET count = rate_limits.count + 1
	`, userID, action, windowStart)
	if err != nil {
		return fmt.Errorf("failed to create rate counter: %w", err)
	}
	return nil
}

// ResetRateCounter starts a new window after the previous one expired.
func (s *Store) ResetRateCounter(userID, action string, windowStart time.Time) error {
	_, err := s.db.Exec(`
		UPDATE rate_limits
		SET count = 1, window_start = $1
		WHERE user_id = $2 AND action = $3
	`, windowStart, userID, action)
	if err != nil {
		return fmt.Errorf("failed to reset rate counter: %w", err)
	}
	return nil
}

func (s *Store) IncrementRateCounter(userID, action string) error {
	_, err := s.db.Exec(`
		UPDATE rate_limits
		SET count = count + 1
		WHERE user_id = $1 AND action = $2
	`, userID, action)
	if err != nil {
		return fmt.Errorf("failed to increment rate counter: %w", err)
	}
	return nil
}

// GetSetting returns a single system setting value, or ErrNotFound.
func (s *Store) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`
		SELECT value FROM system_settings WHERE key = $1
	`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return value, nil
}

// GetSettings returns the subset of the requested keys that exist.
func (s *Store) GetSettings(keys ...string) (map[string]string, error) {
	rows, err := s.db.Query(`
		SELECT key, value FROM system_settings WHERE key = ANY($1)
	`, pq.Array(keys))
	if err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string, len(keys))
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		values[key] = value
	}
	return values, rows.Err()
}

func (s *Store) UpsertSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO system_settings (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, updated_at = NOW()
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to upsert setting %s: %w", key, err)
	}
	return nil
}

// UpsertGeneration writes the denormalized reporting record for a job. Keyed
// by the job id so repeated terminal deliveries collapse into one row.
func (s *Store) UpsertGeneration(entry models.GenerationLogEntry) error {
	var completedAt sql.NullTime
	if models.IsTerminal(entry.Status) {
		completedAt = sql.NullTime{Time: time.Now(), Valid: true}
	}

	var processingTime sql.NullInt64
	if entry.ProcessingTimeMS > 0 {
		processingTime = sql.NullInt64{Int64: entry.ProcessingTimeMS, Valid: true}
	}

	var errorMessage sql.NullString
	if entry.ErrorMessage != "" {
		errorMessage = sql.NullString{String: entry.ErrorMessage, Valid: true}
	}

	var externalUserID sql.NullString
	if entry.ExternalUserID != "" {
		externalUserID = sql.NullString{String: entry.ExternalUserID, Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO generations (id, external_user_id, garment_id, status, error_message, processing_time_ms, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			error_message = COALESCE(EXCLUDED.error_message, generations.error_message),
			processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, generations.processing_time_ms),
			completed_at = COALESCE(EXCLUDED.completed_at, generations.completed_at)
	`, entry.ID, externalUserID, entry.GarmentID, entry.Status, errorMessage, processingTime, completedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert generation: %w", err)
	}
	return nil
}

// UpsertDailyStats bumps today's rollup counters for one terminal outcome.
func (s *Store) UpsertDailyStats(succeeded bool, processingTimeMS int64) error {
	success, failure := 0, 1
	if succeeded {
		success, failure = 1, 0
	}

	var processingTime sql.NullInt64
	if processingTimeMS > 0 {
		processingTime = sql.NullInt64{Int64: processingTimeMS, Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO daily_stats (date, total_generations, successful_generations, failed_generations, avg_processing_time_ms)
		VALUES (CURRENT_DATE, 1, $1, $2, $3)
		ON CONFLICT (date) DO UPDATE SET
			total_generations = daily_stats.total_generations + 1,
			successful_generations = daily_stats.successful_generations + $1,
			failed_generations = daily_stats.failed_generations + $2,
			avg_processing_time_ms = (COALESCE(daily_stats.avg_processing_time_ms, 0) * daily_stats.total_generations + COALESCE($3, 0))
				/ (daily_stats.total_generations + 1)
	`, success, failure, processingTime)
	if err != nil {
		return fmt.Errorf("failed to upsert daily stats: %w", err)
	}
	return nil
}

// CreateAlert records an operator-facing alert row.
func (s *Store) CreateAlert(alertType, message, severity string) error {
	_, err := s.db.Exec(`
		INSERT INTO system_alerts (id, type, message, severity)
		VALUES ($1, $2, $3, $4)
	`, uuid.New(), alertType, message, severity)
	if err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}
	return nil
}
