package service

import (
	"time"

	"github.com/rl1809/stock-deduction/internal/core/domain"
)

// Deduction outcomes reported to a Recorder.
const (
	OutcomeApplied  = "applied"
	OutcomeReplayed = "replayed"
	OutcomeRejected = "rejected"
	OutcomeConflict = "conflict"
	OutcomeInvalid  = "invalid"
	OutcomeError    = "error"
)

// Recorder receives service-level measurements. The Prometheus
// implementation lives in internal/observability.
type Recorder interface {
	DeductionCompleted(storeID, outcome string, elapsed time.Duration)
	DeductionRetried(storeID string)
	QueueTransitioned(storeID string, to domain.QueueStatus)
	HealthSampled(report HealthReport)
}

type nopRecorder struct{}

func (nopRecorder) DeductionCompleted(string, string, time.Duration) {}
func (nopRecorder) DeductionRetried(string) {}
func (nopRecorder) QueueTransitioned(string, domain.QueueStatus) {}
func (nopRecorder) HealthSampled(HealthReport) {}
