package models

import (
	"time"
)

// JobState enumerates the per-device update lifecycle persisted in Postgres.
const (
	JobQueued      = "queued"
	JobPreparing   = "preparing"
	JobDownloading = "downloading"
	JobApplying    = "applying"
	JobVerifying   = "verifying"
	JobCompleted   = "completed"
	JobFailed      = "failed"
	JobRolledBack  = "rolled_back"
	JobCancelled   = "cancelled"
)

// OperationStatus enumerates campaign lifecycle states.
const (
	OpQueued    = "queued"
	OpRunning   = "running"
	OpCompleted = "completed"
	OpFailed    = "failed"
	OpCancelled = "cancelled"
)

// Job failure reasons surfaced in last_error.
const (
	ReasonDeviceNotReady     = "DEVICE_NOT_READY"
	ReasonDownloadFailed     = "DOWNLOAD_FAILED"
	ReasonVerificationFailed = "VERIFICATION_FAILED"
)

// Operation failure reasons surfaced in error_message.
const (
	ReasonNoDevices         = "NO_DEVICES"
	ReasonFirmwareNotFound  = "FIRMWARE_NOT_FOUND"
	ReasonThresholdExceeded = "THRESHOLD_EXCEEDED"
)

// Rollout strategies governing dispatch pacing.
const (
	StrategyImmediate = "immediate"
	StrategyStaggered = "staggered"
	StrategyScheduled = "scheduled"
)

// TerminalJobState reports whether a job state is final.
func TerminalJobState(state string) bool {
	switch state {
	case JobCompleted, JobFailed, JobRolledBack, JobCancelled:
		return true
	}
	return false
}

// DeviceUpdateJob is the per-device OTA state machine instance persisted in Postgres.
type DeviceUpdateJob struct {
	ID                string     `json:"id"`
	OperationID       string     `json:"operation_id"`
	Tenant            string     `json:"tenant"`
	DeviceID          string     `json:"device_id"`
	FirmwareVersionID string     `json:"firmware_version_id"`
	State             string     `json:"state"`
	Attempts          int        `json:"attempts"`
	RolledBack        bool       `json:"rolled_back"`
	LastError         *string    `json:"last_error,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Operation is the bulk campaign record aggregating its child jobs.
type Operation struct {
	ID                string            `json:"id"`
	Tenant            string            `json:"tenant"`
	GroupID           string            `json:"group_id"`
	Kind              string            `json:"kind"`
	FirmwareVersionID string            `json:"firmware_version_id"`
	Strategy          string            `json:"strategy"`
	RollbackThreshold float64           `json:"rollback_threshold"`
	Status            string            `json:"status"`
	DevicesTotal      int               `json:"devices_total"`
	DevicesCompleted  int               `json:"devices_completed"`
	DevicesFailed     int               `json:"devices_failed"`
	DevicesSkipped    int               `json:"devices_skipped"`
	ProgressPercent   int               `json:"progress_percent"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	ErrorMessage      *string           `json:"error_message,omitempty"`
	StartedAt         *time.Time        `json:"started_at,omitempty"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Dispatching reports whether the operation still hands out new jobs.
func (o Operation) Dispatching() bool {
	return o.Status == OpQueued || o.Status == OpRunning
}

// Progress computes the rounded completion percentage, 0 for an empty campaign.
func Progress(completed, total int) int {
	if total == 0 {
		return 0
	}
	return int(float64(completed)/float64(total)*100 + 0.5)
}

// Firmware describes an immutable firmware artifact resolved from the registry.
type Firmware struct {
	VersionID string `json:"version_id"`
	URL       string `json:"url"`
	Hash      string `json:"hash"`
	SizeBytes int64  `json:"size_bytes"`
}

// Device is the read-only device directory view consumed by readiness checks.
type Device struct {
	ID              string    `json:"id"`
	Tenant          string    `json:"tenant"`
	Name            string    `json:"name"`
	LastSeenAt      time.Time `json:"last_seen_at"`
	FirmwareVersion string    `json:"firmware_version"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	SubjectID string    `json:"subject_id"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail"`
	Recorded  time.Time `json:"recorded_at"`
}
