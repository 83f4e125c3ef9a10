package dump

import (
	"time"
)

// WorkerState is the lifecycle state of a disposable worker.
type WorkerState string

const (
	// WorkerPending means the worker is being provisioned.
	WorkerPending WorkerState = "pending"
	// WorkerRunning means the worker is up and executing its startup script.
	WorkerRunning WorkerState = "running"
	// WorkerStopped means the worker halted; its disk may still exist.
	WorkerStopped WorkerState = "stopped"
	// WorkerTerminated means the worker is gone.
	WorkerTerminated WorkerState = "terminated"
)

// Terminal reports whether no further progress can be observed from the worker.
func (s WorkerState) Terminal() bool {
	return s == WorkerStopped || s == WorkerTerminated
}

// WorkerStatus is a single observation of a worker returned by an inspector.
type WorkerStatus struct {
	// State is the normalized lifecycle state.
	State WorkerState
	// ProviderState is the raw state name reported by the provider.
	ProviderState string
	// LaunchTime is when the provider started the worker.
	LaunchTime time.Time
	// InstanceType is the worker size.
	InstanceType string
	// PublicIP is empty when the worker has no public address.
	PublicIP string
}

// WorkerSession represents one disposable compute instance being observed.
type WorkerSession struct {
	// WorkerID is the provider identifier.
	WorkerID string
	// Region is where the worker runs.
	Region string
	// LaunchTime is filled from the first observation.
	LaunchTime time.Time
	// State is the last observed lifecycle state.
	State WorkerState
	// LastObservedLogLength is the byte offset of console output already emitted.
	LastObservedLogLength int
}

// NewWorkerSession creates a session for a freshly launched or resumed worker.
func NewWorkerSession(workerID, region string) *WorkerSession {
	return &WorkerSession{
		WorkerID: workerID,
		Region:   region,
		State:    WorkerPending,
	}
}

// Observe applies a status observation to the session.
func (s *WorkerSession) Observe(status *WorkerStatus) {
	if status == nil {
		return
	}

	s.State = status.State

	if s.LaunchTime.IsZero() && !status.LaunchTime.IsZero() {
		s.LaunchTime = status.LaunchTime
	}
}

// NewOutput returns the part of the cumulative console output not yet emitted
// and advances the offset. Output shorter than the offset yields nothing.
func (s *WorkerSession) NewOutput(cumulative string) string {
	if len(cumulative) <= s.LastObservedLogLength {
		return ""
	}

	suffix := cumulative[s.LastObservedLogLength:]
	s.LastObservedLogLength = len(cumulative)

	return suffix
}

// WorkerSpec describes a disposable worker to provision.
type WorkerSpec struct {
	// Name tags the worker for humans.
	Name string
	// ImageID is the machine image.
	ImageID string
	// InstanceType is the worker size.
	InstanceType string
	// AccessProfile grants the worker access to storage.
	AccessProfile string
	// StartupScript runs once at boot.
	StartupScript string
	// DeviceName is the root block device.
	DeviceName string
	// DiskSizeGB must hold the largest single artifact.
	DiskSizeGB int64
}
