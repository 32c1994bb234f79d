// trackgen follows a single generation job from the command line, printing
// queue position updates until the job completes or fails. Useful for
// watching a stuck job the way the web client would.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"tryon-backend/internal/config"
	"tryon-backend/internal/logger"
	"tryon-backend/internal/models"
	"tryon-backend/internal/store"
	"tryon-backend/internal/tracker"
)

type notifierAdapter struct {
	listener *store.Listener
}

func (a notifierAdapter) Subscribe(jobID uuid.UUID) (tracker.Subscription, error) {
	sub, err := a.listener.Subscribe(jobID)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

type statusAdapter struct {
	store *store.Store
}

func (a statusAdapter) Status(jobID uuid.UUID) (*models.JobEvent, error) {
	job, err := a.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	ev := models.JobEvent{
		ID:     job.ID.String(),
		Status: job.Status,
	}
	if job.ResultImageURL.Valid {
		ev.ResultImageURL = &job.ResultImageURL.String
	}
	if job.ErrorMessage.Valid {
		ev.ErrorMessage = &job.ErrorMessage.String
	}
	return &ev, nil
}

func (a statusAdapter) Position(jobID uuid.UUID) (int, error) {
	return a.store.QueuePosition(jobID)
}

func main() {
	jobFlag := flag.String("job", "", "generation job id to follow")
	flag.Parse()

	jobID, err := uuid.Parse(*jobFlag)
	if err != nil {
		log.Fatalf("invalid -job id: %v", err)
	}

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	appLog, err := logger.New(cfg.Environment)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer appLog.Sync()

	db, err := store.NewStore(cfg.DatabaseURL)
	if err != nil {
		appLog.Fatal("failed to connect to database", "error", err.Error())
	}
	defer db.Close()

	listener, err := store.NewListener(cfg.DatabaseURL, appLog)
	if err != nil {
		appLog.Fatal("failed to start queue listener", "error", err.Error())
	}
	defer listener.Close()

	done := make(chan int, 1)
	t := tracker.Track(jobID,
		notifierAdapter{listener: listener},
		statusAdapter{store: db},
		tracker.Callbacks{
			OnCompleted: func(resultImageURL string) {
				fmt.Printf("completed: %s\n", resultImageURL)
				done <- 0
			},
			OnFailed: func(message string) {
				fmt.Printf("failed: %s\n", message)
				done <- 1
			},
			OnPosition: func(position int) {
				fmt.Printf("queue position: %d\n", position)
			},
		},
		tracker.Options{}, appLog)
	defer t.Stop()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case code := <-done:
		os.Exit(code)
	case <-sigs:
		fmt.Println("interrupted")
	}
}
