// pkg/schema/events.go
package schema

// ScriptJob is the submission event consumed by the worker. The script body
// is opaque to the pipeline; whatever generator produced it owns its contents.
type ScriptJob struct {
	JobID      string `json:"job_id"`
	Name       string `json:"name"`
	Script     string `json:"script"`
	HappenedAt int64  `json:"happened_at"`
}

// ProgressEvent mirrors one progress-store message onto the bus so detached
// observers can tail a running job.
type ProgressEvent struct {
	JobID      string `json:"job_id"`
	Phase      string `json:"phase"`
	Step       string `json:"step,omitempty"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
	Elapsed    string `json:"elapsed"`
	HappenedAt int64  `json:"happened_at"`
}

// JobDone summarises a finished automation run.
type JobDone struct {
	JobID            string   `json:"job_id"`
	Name             string   `json:"name"`
	Success          bool     `json:"success"`
	Message          string   `json:"message,omitempty"`
	ViewerRef        string   `json:"viewer_ref,omitempty"`
	Artifacts        []string `json:"artifacts,omitempty"`
	Diagnostics      []string `json:"diagnostics,omitempty"`
	ProcessingTimeMs int64    `json:"processing_time_ms"`
	HappenedAt       int64    `json:"happened_at"`
}
