package alert

import (
	"tryon-backend/internal/logger"
)

const (
	TypeHighUsage      = "high_usage"
	TypeAPIError       = "api_error"
	TypeSlowProcessing = "slow_processing"

	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

type Store interface {
	CreateAlert(alertType, message, severity string) error
}

// Recorder writes operator alerts as a fire-and-forget side effect. A failed
// write is logged and otherwise swallowed: alerts never block or fail the
// path that raised them.
type Recorder struct {
	store Store
	log   *logger.Logger
}

func NewRecorder(store Store, log *logger.Logger) *Recorder {
	return &Recorder{store: store, log: log}
}

func (r *Recorder) Emit(alertType, message, severity string) {
	go func() {
		if err := r.store.CreateAlert(alertType, message, severity); err != nil {
			r.log.Warn("failed to record alert",
				"type", alertType, "severity", severity, "error", err.Error())
		}
	}()
}
