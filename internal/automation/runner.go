// internal/automation/runner.go
package automation

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ziouzitsou/fossapp-sub003/internal/aps"
)

// Pipeline stages reported through ProgressFunc. The driver maps these onto
// progress-store phases.
const (
	StageInit      = "init"
	StageUpload    = "upload"
	StageExecution = "execution"
	StageDownload  = "download"
)

// ProgressFunc is invoked synchronously at each stage boundary of a run.
type ProgressFunc func(stage, message, detail string)

// DeriveFunc builds a downstream viewer-ready reference from the required
// artifact. Failures are non-fatal to the run.
type DeriveFunc func(bucketKey, objectKey string, data []byte) (string, error)

// Artifact names as they appear in run results and progress-store jobs.
const (
	ArtifactDwg     = "dwg"
	ArtifactPreview = "preview"
)

const (
	scriptObject  = "run.scr"
	dwgObject     = "result.dwg"
	previewObject = "preview.png"
)

// outputSpec declares one remote output the executor writes through a
// reserved read-write URL.
type outputSpec struct {
	name     string
	param    string
	object   string
	required bool
}

var outputSpecs = []outputSpec{
	{name: ArtifactDwg, param: "resultDwg", object: dwgObject, required: true},
	{name: ArtifactPreview, param: "previewPng", object: previewObject, required: false},
}

// Options tunes a Runner. Zero values fall back to production defaults.
type Options struct {
	Nickname     string
	ActivityName string
	Alias        string
	Engine       string
	BucketPrefix string
	PollInterval time.Duration
	MaxPolls     int
	Deriver      DeriveFunc
}

// Runner turns a script payload into remote-executed artifacts. Each Run is
// a single sequential chain of steps; multiple runs may execute concurrently
// and provision run-scoped resource names, sharing only the client's token
// cache.
type Runner struct {
	client *aps.Client
	opts   Options
	logger *slog.Logger
}

// RunResult is the success outcome of one orchestration run.
type RunResult struct {
	WorkItemID string
	Artifacts  map[string][]byte
	ViewerRef  string
	Warnings   []string
	Elapsed    time.Duration
}

// remoteJob tracks the ephemeral resource names created for one run. Names
// are scoped to the run and must not leak across calls.
type remoteJob struct {
	bucketKey       string
	activityCreated bool
	scriptURL       string
	outputURLs      map[string]string
	workItemID      string
}

func NewRunner(client *aps.Client, opts Options, logger *slog.Logger) *Runner {
	if opts.ActivityName == "" {
		opts.ActivityName = "RunCadScript"
	}
	if opts.Alias == "" {
		opts.Alias = "prod"
	}
	if opts.Engine == "" {
		opts.Engine = "Autodesk.AutoCAD+24_3"
	}
	if opts.BucketPrefix == "" {
		opts.BucketPrefix = "cad-run"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.MaxPolls <= 0 {
		opts.MaxPolls = 150
	}
	if opts.Deriver == nil {
		opts.Deriver = viewerURN
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{client: client, opts: opts, logger: logger}
}

// Run executes the script remotely and returns its artifacts. Every fatal
// condition aborts the remaining steps, runs cleanup, and comes back as a
// typed error; Run never panics across this boundary. onProgress may be nil.
func (r *Runner) Run(ctx context.Context, script []byte, label string, onProgress ProgressFunc) (*RunResult, error) {
	if onProgress == nil {
		onProgress = func(string, string, string) {}
	}
	started := time.Now()
	logger := r.logger.With("label", label)

	rj := &remoteJob{outputURLs: make(map[string]string)}
	defer r.cleanup(ctx, rj, logger)

	onProgress(StageInit, "Authenticating with the automation backend", "")
	if err := r.client.Authenticate(ctx); err != nil {
		return nil, &ConfigError{Err: err}
	}

	onProgress(StageInit, "Ensuring execution template", r.opts.ActivityName)
	if err := r.ensureActivity(ctx, rj, logger); err != nil {
		return nil, err
	}

	rj.bucketKey = r.newBucketKey()
	onProgress(StageInit, "Provisioning transient bucket", rj.bucketKey)
	if err := r.client.EnsureBucket(ctx, rj.bucketKey); err != nil {
		return nil, &ProvisionError{Resource: "bucket " + rj.bucketKey, Err: err}
	}

	onProgress(StageUpload, "Uploading automation script", scriptObject)
	if err := r.client.UploadObject(ctx, rj.bucketKey, scriptObject, script); err != nil {
		return nil, &TransferError{Op: "upload", Name: scriptObject, Err: err}
	}
	scriptURL, err := r.client.SignedDownloadURL(ctx, rj.bucketKey, scriptObject, time.Hour)
	if err != nil {
		return nil, &TransferError{Op: "upload", Name: scriptObject, Err: err}
	}
	rj.scriptURL = scriptURL

	// The executor writes outputs through these URLs, so they have to exist
	// before submission.
	for _, out := range outputSpecs {
		u, err := r.client.SignedReadWriteURL(ctx, rj.bucketKey, out.object)
		if err != nil {
			return nil, &ProvisionError{Resource: "output url for " + out.object, Err: err}
		}
		rj.outputURLs[out.name] = u
	}

	id, err := r.submit(ctx, rj)
	if err != nil {
		return nil, &SubmitError{Err: err}
	}
	rj.workItemID = id
	logger.Info("work item submitted", "work_item_id", id, "bucket", rj.bucketKey)
	onProgress(StageExecution, "Work item submitted", id)

	if err := r.poll(ctx, rj, started, onProgress, logger); err != nil {
		return nil, err
	}

	result := &RunResult{
		WorkItemID: rj.workItemID,
		Artifacts:  make(map[string][]byte),
	}

	onProgress(StageDownload, "Downloading output artifacts", "")
	for _, out := range outputSpecs {
		data, err := r.client.Fetch(ctx, rj.outputURLs[out.name])
		if err != nil {
			if out.required {
				return nil, &TransferError{Op: "download", Name: out.object, Err: err}
			}
			// A missing secondary artifact degrades the result, it does not
			// fail the run.
			logger.Warn("optional artifact not downloadable", "object", out.object, "err", err)
			result.Warnings = append(result.Warnings, fmt.Sprintf("optional artifact %s unavailable: %v", out.object, err))
			continue
		}
		result.Artifacts[out.name] = data
	}

	if dwg, ok := result.Artifacts[ArtifactDwg]; ok {
		ref, err := r.opts.Deriver(rj.bucketKey, dwgObject, dwg)
		if err != nil {
			logger.Warn("viewer reference derivation failed", "err", err)
			result.Warnings = append(result.Warnings, fmt.Sprintf("viewer reference unavailable: %v", err))
		} else {
			result.ViewerRef = ref
		}
	}

	result.Elapsed = time.Since(started)
	logger.Info("run finished", "work_item_id", rj.workItemID, "elapsed", result.Elapsed, "artifacts", len(result.Artifacts))
	return result, nil
}

// ensureActivity creates the execution template, recreating it on conflict
// so the published version always matches current code rather than drifting.
func (r *Runner) ensureActivity(ctx context.Context, rj *remoteJob, logger *slog.Logger) error {
	act := r.activity()

	err := r.client.CreateActivity(ctx, act)
	if errors.Is(err, aps.ErrConflict) {
		logger.Info("activity exists, recreating", "activity", act.ID)
		if err := r.client.DeleteActivity(ctx, act.ID); err != nil {
			return &ProvisionError{Resource: "activity " + act.ID, Err: err}
		}
		err = r.client.CreateActivity(ctx, act)
	}
	if err != nil {
		return &ProvisionError{Resource: "activity " + act.ID, Err: err}
	}
	rj.activityCreated = true

	err = r.client.CreateAlias(ctx, act.ID, aps.Alias{ID: r.opts.Alias, Version: 1})
	if errors.Is(err, aps.ErrConflict) {
		logger.Info("alias exists, reusing", "activity", act.ID, "alias", r.opts.Alias)
		return nil
	}
	if err != nil {
		return &ProvisionError{Resource: "alias " + r.opts.Alias, Err: err}
	}
	return nil
}

func (r *Runner) activity() aps.Activity {
	return aps.Activity{
		ID:     r.opts.ActivityName,
		Engine: r.opts.Engine,
		CommandLine: []string{
			`$(engine.path)\accoreconsole.exe /s "$(args[script].path)"`,
		},
		Parameters: map[string]aps.Parameter{
			"script":     {Verb: "get", LocalName: scriptObject, Required: true},
			"resultDwg":  {Verb: "put", LocalName: dwgObject, Required: true},
			"previewPng": {Verb: "put", LocalName: previewObject},
		},
		Description: "Runs a generated AutoCAD script and saves the drawing plus a preview render",
	}
}

func (r *Runner) submit(ctx context.Context, rj *remoteJob) (string, error) {
	item := aps.WorkItem{
		ActivityID: fmt.Sprintf("%s.%s+%s", r.opts.Nickname, r.opts.ActivityName, r.opts.Alias),
		Arguments: map[string]aps.Argument{
			"script": {URL: rj.scriptURL},
		},
	}
	for _, out := range outputSpecs {
		item.Arguments[out.param] = aps.Argument{URL: rj.outputURLs[out.name], Verb: "put"}
	}
	return r.client.SubmitWorkItem(ctx, item)
}

// poll queries status on a fixed interval until the work item reaches a
// terminal state or the attempt budget runs out.
func (r *Runner) poll(ctx context.Context, rj *remoteJob, started time.Time, onProgress ProgressFunc, logger *slog.Logger) error {
	for attempt := 1; attempt <= r.opts.MaxPolls; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.opts.PollInterval):
		}

		status, err := r.client.WorkItemStatus(ctx, rj.workItemID)
		if err != nil {
			return &SubmitError{Err: fmt.Errorf("poll status: %w", err)}
		}

		if status.Status == aps.StatusSuccess {
			return nil
		}
		if status.Failed() {
			report := r.fetchReport(ctx, status.ReportURL, logger)
			return &ExecutionError{Status: status.Status, Diagnostics: Classify(report)}
		}

		elapsed := time.Since(started).Round(time.Second)
		onProgress(StageExecution, fmt.Sprintf("Remote execution in progress (%s elapsed)", elapsed), status.Status)
	}
	return &TimeoutError{Attempts: r.opts.MaxPolls, Interval: r.opts.PollInterval}
}

func (r *Runner) fetchReport(ctx context.Context, reportURL string, logger *slog.Logger) string {
	if reportURL == "" {
		return ""
	}
	report, err := r.client.Fetch(ctx, reportURL)
	if err != nil {
		logger.Warn("execution report not downloadable", "err", err)
		return ""
	}
	return string(report)
}

// cleanup releases every acquired remote resource, each attempt guarded
// independently so one failure does not prevent the others. Failures are
// logged and swallowed; they never mask the run's primary outcome.
func (r *Runner) cleanup(ctx context.Context, rj *remoteJob, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()

	if rj.activityCreated {
		if err := r.client.DeleteActivity(ctx, r.opts.ActivityName); err != nil {
			logger.Warn("cleanup: delete activity failed", "activity", r.opts.ActivityName, "err", err)
		}
	}
	if rj.bucketKey != "" {
		if err := r.client.DeleteBucket(ctx, rj.bucketKey); err != nil {
			logger.Warn("cleanup: delete bucket failed", "bucket", rj.bucketKey, "err", err)
		}
	}
}

// newBucketKey scopes a bucket to this run. Keys must be globally unique and
// lowercase; the timestamp plus random suffix keeps concurrent runs apart.
func (r *Runner) newBucketKey() string {
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return strings.ToLower(fmt.Sprintf("%s-%d-%s", r.opts.BucketPrefix, time.Now().UnixMilli(), suffix))
}

// viewerURN is the default viewer reference: the base64 object URN the
// downstream viewer resolves.
func viewerURN(bucketKey, objectKey string, _ []byte) (string, error) {
	objectID := fmt.Sprintf("urn:adsk.objects:os.object:%s/%s", bucketKey, objectKey)
	return base64.RawURLEncoding.EncodeToString([]byte(objectID)), nil
}
