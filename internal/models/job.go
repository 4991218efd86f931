package models

import "time"

// JobStatus is the lifecycle state of an UploadJob.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobDone       JobStatus = "done"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == JobDone || s == JobFailed || s == JobCancelled
}

// CanTransition reports whether from -> to is a legal move.
// processing -> queued covers retries and reaped leases.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobQueued:
		return to == JobProcessing || to == JobCancelled || to == JobFailed
	case JobProcessing:
		return to == JobDone || to == JobFailed || to == JobCancelled || to == JobQueued
	}
	return false
}

// UploadJob tracks one uploaded image through recognition and extraction.
type UploadJob struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"ownerId"`
	ImageRef    string    `json:"imageRef"`
	ContentType string    `json:"contentType"`
	Filename    string    `json:"filename,omitempty"`
	Status      JobStatus `json:"status"`
	Attempts    int       `json:"attempts"`

	LastError     string `json:"lastError,omitempty"`
	LastErrorKind string `json:"lastErrorKind,omitempty"`
	Remediation   string `json:"remediation,omitempty"`

	SubmittedAt time.Time  `json:"submittedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"` // lease start of the current attempt
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// JobFailure describes why a job attempt failed.
type JobFailure struct {
	Message     string
	Kind        string
	Remediation string
}
