package scheduler

import (
	"context"
	"time"
)

// DataService is a collector the scheduler turns on and off.
type DataService interface {
	// InitCollecting prepares the service. A false result rejects the
	// registration.
	InitCollecting() bool
	StartCollecting()
	PauseCollecting()
	// FinishCollecting pauses and releases resources. It blocks until
	// teardown is complete.
	FinishCollecting(ctx context.Context) error
}

// TriggerSource is the continuous external event source that keeps the
// process alive while the scheduler runs.
type TriggerSource interface {
	// EnableUpdates starts delivery and reports whether the platform
	// permission required for it is granted.
	EnableUpdates() bool
	DisableUpdates()
}

// Transfers is the fire-and-forget network upload trigger.
type Transfers interface {
	Trigger()
}

// Surveys refreshes the active survey set and returns the next instant a
// refresh is needed.
type Surveys interface {
	UpdateActiveSurveys(now time.Time) time.Time
}

// Registration is one scheduled service.
//
// NextToggle is the instant CurrentlyOn last flipped plus the duration of
// the new state. It is Never for a service that stays on forever
// (OffDuration == 0).
type Registration struct {
	Name        string
	OnDuration  time.Duration
	OffDuration time.Duration
	CurrentlyOn bool
	NextToggle  Deadline
	Handler     DataService

	toggles int
}

// ServiceState is a read-only view of a Registration.
type ServiceState struct {
	Name        string
	On          bool
	OnDuration  time.Duration
	OffDuration time.Duration
	NextToggle  Deadline
	Toggles     int
}

// Snapshot is a read-only view of the scheduler.
type Snapshot struct {
	Running        bool
	NextWake       Deadline
	SurveyDeadline Deadline
	Services       []ServiceState
}

const (
	DefaultMinWake = 1 * time.Second
	DefaultHorizon = 1 * time.Hour
)
