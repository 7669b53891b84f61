package aps

// Activity describes a reusable execution template: which engine runs which
// command line against which named input and output parameters.
type Activity struct {
	ID          string               `json:"id"`
	CommandLine []string             `json:"commandLine"`
	Engine      string               `json:"engine"`
	Parameters  map[string]Parameter `json:"parameters"`
	Description string               `json:"description,omitempty"`
}

// Parameter declares one named input or output slot of an activity.
type Parameter struct {
	Verb        string `json:"verb"`
	LocalName   string `json:"localName,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Description string `json:"description,omitempty"`
}

// Alias points a stable name at a published activity version.
type Alias struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
}

// Argument binds a signed URL to an activity parameter at submission time.
type Argument struct {
	URL  string `json:"url"`
	Verb string `json:"verb,omitempty"`
}

// WorkItem is a one-shot unit of work referencing a qualified activity id
// (nickname.activity+alias) and its URL arguments.
type WorkItem struct {
	ActivityID string              `json:"activityId"`
	Arguments  map[string]Argument `json:"arguments"`
}

// WorkItemStatus is one polling observation of a submitted work item.
type WorkItemStatus struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	ReportURL string `json:"reportUrl,omitempty"`
}

// Work item states reported by the backend. Failure states carry a suffix
// describing the failure mode, so they are matched by prefix.
const (
	StatusPending    = "pending"
	StatusInProgress = "inprogress"
	StatusSuccess    = "success"
	statusFailedPfx  = "failed"
)

// IsTerminal reports whether polling can stop at this status.
func (s WorkItemStatus) IsTerminal() bool {
	return s.Status == StatusSuccess || s.Failed()
}

// Failed reports whether the work item ended in any failure state.
func (s WorkItemStatus) Failed() bool {
	return len(s.Status) >= len(statusFailedPfx) && s.Status[:len(statusFailedPfx)] == statusFailedPfx
}
