package progress

import "time"

// Status represents the lifecycle state of a tracked job. Transitions are
// monotonic: running moves to complete or error exactly once, and terminal
// states are final. Eviction is a lifecycle event, not a status.
type Status string

const (
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// Phase tags a progress message with the pipeline stage that produced it.
type Phase string

const (
	PhaseInit      Phase = "init"
	PhaseUpload    Phase = "upload"
	PhaseExecution Phase = "execution"
	PhaseDownload  Phase = "download"
	PhasePersist   Phase = "persist"
	PhaseComplete  Phase = "complete"
	PhaseError     Phase = "error"
)

// Message is one immutable entry in a job's append-only progress sequence.
// Result is set only on the terminal message.
type Message struct {
	Timestamp time.Time `json:"timestamp"`
	Elapsed   string    `json:"elapsed"`
	Phase     Phase     `json:"phase"`
	Step      string    `json:"step,omitempty"`
	Text      string    `json:"text"`
	Detail    string    `json:"detail,omitempty"`
	Result    *Result   `json:"result,omitempty"`
}

// Result is the serializable completion snapshot. Raw artifact bytes never
// appear here; HasArtifact records which named artifacts were captured so
// status payloads stay small.
type Result struct {
	Success     bool              `json:"success"`
	Message     string            `json:"message,omitempty"`
	Refs        map[string]string `json:"refs,omitempty"`
	HasArtifact map[string]bool   `json:"has_artifact,omitempty"`
	Diagnostics []string          `json:"diagnostics,omitempty"`
}

// Outcome carries completion data into the store. Artifacts are retained on
// the job itself, outside the serializable Result.
type Outcome struct {
	Message     string
	Detail      string
	Refs        map[string]string
	Artifacts   map[string][]byte
	Diagnostics []string
}

// Job is a point-in-time snapshot of a tracked job.
type Job struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	Messages  []Message `json:"messages"`
	Result    *Result   `json:"result,omitempty"`
}
