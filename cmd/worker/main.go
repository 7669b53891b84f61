// cmd/worker/main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/joho/godotenv"

	"github.com/ziouzitsou/fossapp-sub003/internal/aps"
	"github.com/ziouzitsou/fossapp-sub003/internal/automation"
	"github.com/ziouzitsou/fossapp-sub003/internal/bus"
	"github.com/ziouzitsou/fossapp-sub003/internal/config"
	"github.com/ziouzitsou/fossapp-sub003/internal/preview"
	"github.com/ziouzitsou/fossapp-sub003/internal/progress"
	"github.com/ziouzitsou/fossapp-sub003/pkg/schema"
)

const thumbnailMaxSize = 512

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		fatal(logger, "load config", err)
	}
	logger.Info("worker starting",
		"nats_url", cfg.NATSURL, "job_subject", cfg.JobSubject, "queue", cfg.WorkerQueue,
		"backend", cfg.BaseURL, "engine", cfg.Engine, "job_ttl", cfg.JobTTL)

	nc, err := bus.Connect(cfg.NATSURL)
	if err != nil {
		fatal(logger, "connect to NATS", err, "nats_url", cfg.NATSURL)
	}
	defer nc.Close()
	logger.Info("connected to NATS", "nats_url", cfg.NATSURL)

	store := progress.NewStore(cfg.JobTTL)
	client := aps.NewClient(cfg.BaseURL, cfg.ClientID, cfg.ClientSecret)
	runner := automation.NewRunner(client, automation.Options{
		Nickname:     cfg.Nickname,
		Engine:       cfg.Engine,
		BucketPrefix: cfg.BucketPrefix,
		PollInterval: cfg.PollInterval,
		MaxPolls:     cfg.MaxPolls,
	}, logger)

	_, err = nc.QueueSubscribeJSON(cfg.JobSubject, cfg.WorkerQueue, func(jobCtx context.Context, data []byte) {
		handleScriptJob(jobCtx, data, cfg, store, runner, nc, logger)
	})
	if err != nil {
		fatal(logger, "subscribe worker", err, "job_subject", cfg.JobSubject, "queue", cfg.WorkerQueue)
	}
	logger.Info("listening for script jobs", "subject", cfg.JobSubject, "queue", cfg.WorkerQueue)

	select {}
}

func handleScriptJob(ctx context.Context, data []byte, cfg config.Config, store *progress.Store, runner *automation.Runner, nc *bus.Client, logger *slog.Logger) {
	var job schema.ScriptJob
	if err := json.Unmarshal(data, &job); err != nil {
		logger.Warn("discarding malformed submission", "err", err)
		return
	}
	if job.Script == "" {
		logger.Warn("discarding submission without a script", "job_id", job.JobID)
		return
	}
	if job.JobID == "" {
		job.JobID = progress.GenerateJobID()
	}
	name := job.Name
	if name == "" {
		name = job.JobID
	}
	jobLogger := logger.With("job_id", job.JobID)
	started := time.Now()

	store.CreateJob(job.JobID, name)

	// Mirror every store message onto the bus so detached observers can tail
	// the job without touching the store.
	unsubscribe := store.Subscribe(job.JobID, func(msg progress.Message) {
		evt := schema.ProgressEvent{
			JobID:      job.JobID,
			Phase:      string(msg.Phase),
			Step:       msg.Step,
			Message:    msg.Text,
			Detail:     msg.Detail,
			Elapsed:    msg.Elapsed,
			HappenedAt: msg.Timestamp.Unix(),
		}
		if err := nc.PublishJSON(cfg.ProgressSubject+"."+job.JobID, evt); err != nil {
			jobLogger.Warn("publish progress failed", "err", err)
		}
	})
	defer unsubscribe()

	jobLogger.Info("received script job", "name", name, "script_bytes", len(job.Script))
	store.AddProgress(job.JobID, progress.PhaseInit, "Job accepted", "", "")

	res, err := runner.Run(ctx, []byte(job.Script), name, func(stage, message, detail string) {
		store.AddProgress(job.JobID, stagePhase(stage), message, detail, stage)
	})
	if err != nil {
		failJob(cfg, store, nc, &job, name, err, started, jobLogger)
		return
	}

	store.AddProgress(job.JobID, progress.PhasePersist, "Storing artifacts", "", "")
	if png, ok := res.Artifacts[automation.ArtifactPreview]; ok {
		thumb, err := preview.Thumbnail(png, thumbnailMaxSize, thumbnailMaxSize)
		if err != nil {
			jobLogger.Warn("preview thumbnail failed", "err", err)
		} else {
			res.Artifacts["thumbnail"] = thumb
		}
	}

	refs := make(map[string]string)
	if res.ViewerRef != "" {
		refs["viewerRef"] = res.ViewerRef
	}
	store.CompleteJob(job.JobID, true, progress.Outcome{
		Message:     "Automation run complete",
		Refs:        refs,
		Artifacts:   res.Artifacts,
		Diagnostics: res.Warnings,
	})

	done := schema.JobDone{
		JobID:            job.JobID,
		Name:             name,
		Success:          true,
		Message:          "Automation run complete",
		ViewerRef:        res.ViewerRef,
		Artifacts:        artifactNames(res.Artifacts),
		Diagnostics:      res.Warnings,
		ProcessingTimeMs: time.Since(started).Milliseconds(),
		HappenedAt:       time.Now().Unix(),
	}
	if err := nc.PublishJSON(cfg.DoneSubject, done); err != nil {
		jobLogger.Error("publish done event failed", "err", err)
	}
	jobLogger.Info("completed job", "work_item_id", res.WorkItemID, "artifacts", len(res.Artifacts), "processing_time_ms", done.ProcessingTimeMs)
}

func failJob(cfg config.Config, store *progress.Store, nc *bus.Client, job *schema.ScriptJob, name string, cause error, started time.Time, logger *slog.Logger) {
	message, diagnostics := describeFailure(cause)
	logger.Error("script job failed", "reason", message, "err", cause)

	store.CompleteJob(job.JobID, false, progress.Outcome{
		Message:     message,
		Detail:      cause.Error(),
		Diagnostics: diagnostics,
	})

	done := schema.JobDone{
		JobID:            job.JobID,
		Name:             name,
		Success:          false,
		Message:          message,
		Diagnostics:      diagnostics,
		ProcessingTimeMs: time.Since(started).Milliseconds(),
		HappenedAt:       time.Now().Unix(),
	}
	if err := nc.PublishJSON(cfg.DoneSubject, done); err != nil {
		logger.Error("publish done event failed", "err", err)
	}
}

// describeFailure turns a typed orchestrator error into the human-readable
// message and diagnostic list shown on the terminal progress message.
func describeFailure(err error) (string, []string) {
	var execErr *automation.ExecutionError
	if errors.As(err, &execErr) {
		return "The remote executor rejected the script", execErr.Diagnostics
	}
	var timeoutErr *automation.TimeoutError
	if errors.As(err, &timeoutErr) {
		return "Timed out waiting for the remote executor", nil
	}
	var cfgErr *automation.ConfigError
	if errors.As(err, &cfgErr) {
		return "Backend credentials were rejected, check configuration", nil
	}
	var provErr *automation.ProvisionError
	if errors.As(err, &provErr) {
		return "Could not provision remote resources", nil
	}
	var xferErr *automation.TransferError
	if errors.As(err, &xferErr) {
		return "Artifact transfer failed", nil
	}
	return "Automation run failed", nil
}

func stagePhase(stage string) progress.Phase {
	switch stage {
	case automation.StageUpload:
		return progress.PhaseUpload
	case automation.StageExecution:
		return progress.PhaseExecution
	case automation.StageDownload:
		return progress.PhaseDownload
	default:
		return progress.PhaseInit
	}
}

func artifactNames(artifacts map[string][]byte) []string {
	names := make([]string, 0, len(artifacts))
	for name := range artifacts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
