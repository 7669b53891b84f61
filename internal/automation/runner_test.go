package automation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ziouzitsou/fossapp-sub003/internal/aps"
)

// fakeBackend scripts the remote execution API for a whole run: token,
// buckets, activities, signed URLs, work item submission and polling.
type fakeBackend struct {
	mu sync.Mutex

	srv *httptest.Server

	authStatus        int
	activityConflict  bool // first create returns 409
	aliasConflict     bool
	activityAttempts  int
	activityDeletes   int
	aliasAttempts     int
	bucketCreates     int
	bucketDeletes     int
	submissions       int
	polls             int
	pendingPolls      int    // polls answered "inprogress" before the final status
	finalStatus       string // status reported once pendingPolls is exhausted
	report            string
	uploadedScript    string
	outputs           map[string][]byte // object name -> bytes served from its signed URL
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{
		authStatus:  http.StatusOK,
		finalStatus: aps.StatusSuccess,
		outputs: map[string][]byte{
			"result.dwg":  []byte("dwg-bytes"),
			"preview.png": []byte("png-bytes"),
		},
	}
	b.srv = httptest.NewServer(http.HandlerFunc(b.handle))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) handle(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := r.URL.Path
	switch {
	case p == "/authentication/v2/token":
		if b.authStatus != http.StatusOK {
			w.WriteHeader(b.authStatus)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})

	case p == "/da/us-east/v3/activities" && r.Method == http.MethodPost:
		b.activityAttempts++
		if b.activityConflict && b.activityAttempts == 1 {
			w.WriteHeader(http.StatusConflict)
			return
		}

	case strings.HasPrefix(p, "/da/us-east/v3/activities/") && strings.HasSuffix(p, "/aliases"):
		b.aliasAttempts++
		if b.aliasConflict {
			w.WriteHeader(http.StatusConflict)
		}

	case strings.HasPrefix(p, "/da/us-east/v3/activities/") && r.Method == http.MethodDelete:
		b.activityDeletes++

	case p == "/oss/v2/buckets" && r.Method == http.MethodPost:
		b.bucketCreates++

	case strings.HasPrefix(p, "/oss/v2/buckets/") && r.Method == http.MethodDelete && !strings.Contains(p, "/objects/"):
		b.bucketDeletes++

	case strings.HasSuffix(p, "/signeds3upload") && r.Method == http.MethodGet:
		json.NewEncoder(w).Encode(map[string]any{
			"uploadKey": "uk-1",
			"urls":      []string{b.srv.URL + "/s3-put/" + path.Base(path.Dir(p))},
		})

	case strings.HasPrefix(p, "/s3-put/") && r.Method == http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		b.uploadedScript = string(body)

	case strings.HasSuffix(p, "/signeds3upload") && r.Method == http.MethodPost:
		// finalize

	case strings.HasSuffix(p, "/signeds3download"):
		json.NewEncoder(w).Encode(map[string]any{"url": b.srv.URL + "/files/" + path.Base(path.Dir(p))})

	case strings.HasSuffix(p, "/signed"):
		json.NewEncoder(w).Encode(map[string]any{"signedUrl": b.srv.URL + "/files/" + path.Base(path.Dir(p))})

	case p == "/da/us-east/v3/workitems" && r.Method == http.MethodPost:
		b.submissions++
		json.NewEncoder(w).Encode(map[string]any{"id": "wi-1"})

	case p == "/da/us-east/v3/workitems/wi-1":
		b.polls++
		status := aps.StatusInProgress
		if b.polls > b.pendingPolls {
			status = b.finalStatus
		}
		resp := map[string]any{"id": "wi-1", "status": status}
		if status != aps.StatusSuccess && status != aps.StatusInProgress {
			resp["reportUrl"] = b.srv.URL + "/report"
		}
		json.NewEncoder(w).Encode(resp)

	case p == "/report":
		io.WriteString(w, b.report)

	case strings.HasPrefix(p, "/files/"):
		data, ok := b.outputs[path.Base(p)]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(data)

	default:
		http.NotFound(w, r)
	}
}

func newTestRunner(b *fakeBackend) *Runner {
	client := aps.NewClient(b.srv.URL, "id", "secret")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRunner(client, Options{
		Nickname:     "test",
		ActivityName: "RunCadScript",
		BucketPrefix: "t",
		PollInterval: time.Millisecond,
	}, logger)
}

func TestRunSuccess(t *testing.T) {
	b := newFakeBackend(t)
	b.pendingPolls = 2
	r := newTestRunner(b)

	var stages []string
	res, err := r.Run(context.Background(), []byte("_.LINE 0,0 10,10"), "Panel A", func(stage, msg, detail string) {
		stages = append(stages, stage)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if string(res.Artifacts[ArtifactDwg]) != "dwg-bytes" {
		t.Fatalf("required artifact missing or wrong: %q", res.Artifacts[ArtifactDwg])
	}
	if string(res.Artifacts[ArtifactPreview]) != "png-bytes" {
		t.Fatalf("optional artifact missing or wrong: %q", res.Artifacts[ArtifactPreview])
	}
	if res.ViewerRef == "" {
		t.Fatal("viewer reference not derived")
	}
	if b.uploadedScript != "_.LINE 0,0 10,10" {
		t.Fatalf("uploaded script = %q", b.uploadedScript)
	}
	if b.submissions != 1 {
		t.Fatalf("submissions = %d, want 1", b.submissions)
	}
	if b.bucketDeletes != 1 || b.activityDeletes != 1 {
		t.Fatalf("cleanup: bucketDeletes=%d activityDeletes=%d, want 1 and 1", b.bucketDeletes, b.activityDeletes)
	}

	for _, want := range []string{StageInit, StageUpload, StageExecution, StageDownload} {
		found := false
		for _, s := range stages {
			if s == want {
				found = true
			}
		}
		if !found {
			t.Fatalf("stage %q never reported (got %v)", want, stages)
		}
	}
}

func TestActivityConflictRecreatesThenSubmitsOnce(t *testing.T) {
	b := newFakeBackend(t)
	b.activityConflict = true
	b.aliasConflict = true
	r := newTestRunner(b)

	_, err := r.Run(context.Background(), []byte("script"), "Panel A", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if b.activityAttempts != 2 {
		t.Fatalf("activity create attempts = %d, want 2 (conflict then recreate)", b.activityAttempts)
	}
	// One delete for the recreate, one at cleanup.
	if b.activityDeletes != 2 {
		t.Fatalf("activity deletes = %d, want 2", b.activityDeletes)
	}
	if b.submissions != 1 {
		t.Fatalf("submissions = %d, want exactly 1", b.submissions)
	}
}

func TestExecutionFailureCarriesClassifiedReport(t *testing.T) {
	b := newFakeBackend(t)
	b.pendingPolls = 149
	b.finalStatus = "failedInstructions"
	b.report = "Command: _.BADCMD\nError: bad argument type\n"
	r := newTestRunner(b)

	_, err := r.Run(context.Background(), []byte("script"), "Panel A", nil)

	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("want ExecutionError, got %v", err)
	}
	found := false
	for _, d := range execErr.Diagnostics {
		if d == "Error: bad argument type" {
			found = true
		}
	}
	if !found {
		t.Fatalf("diagnostics missing classified line: %v", execErr.Diagnostics)
	}
	if b.bucketDeletes != 1 || b.activityDeletes != 1 {
		t.Fatalf("cleanup after failure: bucketDeletes=%d activityDeletes=%d, want 1 and 1", b.bucketDeletes, b.activityDeletes)
	}
}

func TestPollingBudgetExhaustedIsTimeout(t *testing.T) {
	b := newFakeBackend(t)
	b.pendingPolls = 1 << 30
	r := newTestRunner(b)

	_, err := r.Run(context.Background(), []byte("script"), "Panel A", nil)

	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("want TimeoutError, got %v", err)
	}
	if timeoutErr.Attempts != 150 {
		t.Fatalf("attempts = %d, want 150", timeoutErr.Attempts)
	}
	if b.polls != 150 {
		t.Fatalf("backend polled %d times, want 150", b.polls)
	}
	if b.bucketDeletes != 1 || b.activityDeletes != 1 {
		t.Fatalf("cleanup after timeout: bucketDeletes=%d activityDeletes=%d, want 1 and 1", b.bucketDeletes, b.activityDeletes)
	}
}

func TestOptionalArtifactFailureDegradesResult(t *testing.T) {
	b := newFakeBackend(t)
	delete(b.outputs, "preview.png")
	r := newTestRunner(b)

	res, err := r.Run(context.Background(), []byte("script"), "Panel A", nil)
	if err != nil {
		t.Fatalf("run must not fail for a missing optional artifact: %v", err)
	}

	if _, ok := res.Artifacts[ArtifactDwg]; !ok {
		t.Fatal("required artifact missing")
	}
	if _, ok := res.Artifacts[ArtifactPreview]; ok {
		t.Fatal("unavailable optional artifact should be omitted")
	}
	if len(res.Warnings) == 0 {
		t.Fatal("degraded result should carry a warning")
	}
}

func TestAuthFailureIsConfigError(t *testing.T) {
	b := newFakeBackend(t)
	b.authStatus = http.StatusUnauthorized
	r := newTestRunner(b)

	_, err := r.Run(context.Background(), []byte("script"), "Panel A", nil)

	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("want ConfigError, got %v", err)
	}
	if b.bucketCreates != 0 {
		t.Fatalf("no resources should be provisioned after auth failure, bucketCreates=%d", b.bucketCreates)
	}
}

func TestRequiredArtifactFailureIsFatal(t *testing.T) {
	b := newFakeBackend(t)
	delete(b.outputs, "result.dwg")
	r := newTestRunner(b)

	_, err := r.Run(context.Background(), []byte("script"), "Panel A", nil)

	var xferErr *TransferError
	if !errors.As(err, &xferErr) || xferErr.Op != "download" {
		t.Fatalf("want download TransferError, got %v", err)
	}
	if b.bucketDeletes != 1 {
		t.Fatalf("cleanup skipped: bucketDeletes=%d, want 1", b.bucketDeletes)
	}
}
