package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the worker configuration, loaded from environment variables.
type Config struct {
	// Remote execution backend
	BaseURL      string
	ClientID     string
	ClientSecret string
	Nickname     string
	Engine       string

	// Bus
	NATSURL         string
	JobSubject      string
	WorkerQueue     string
	ProgressSubject string
	DoneSubject     string

	// Pipeline tuning
	BucketPrefix string
	PollInterval time.Duration
	MaxPolls     int
	JobTTL       time.Duration
}

// Load reads configuration from the environment. APS_CLIENT_ID and
// APS_CLIENT_SECRET are required; everything else has a default.
func Load() (Config, error) {
	cfg := Config{
		BaseURL:         getenv("APS_BASE_URL", "https://developer.api.autodesk.com"),
		ClientID:        getenv("APS_CLIENT_ID", ""),
		ClientSecret:    getenv("APS_CLIENT_SECRET", ""),
		Nickname:        getenv("APS_NICKNAME", "fossapp"),
		Engine:          getenv("APS_ENGINE", "Autodesk.AutoCAD+24_3"),
		NATSURL:         getenv("NATS_URL", "nats://127.0.0.1:4222"),
		JobSubject:      getenv("SCRIPT_JOB_SUBJECT", "cad.scripts.submitted"),
		WorkerQueue:     getenv("SCRIPT_WORKER_QUEUE", "cad-script-workers"),
		ProgressSubject: getenv("JOB_PROGRESS_SUBJECT", "cad.jobs.progress"),
		DoneSubject:     getenv("JOB_DONE_SUBJECT", "cad.jobs.done"),
		BucketPrefix:    getenv("BUCKET_PREFIX", "fossapp-run"),
	}

	if cfg.ClientID == "" {
		return Config{}, fmt.Errorf("APS_CLIENT_ID is required")
	}
	if cfg.ClientSecret == "" {
		return Config{}, fmt.Errorf("APS_CLIENT_SECRET is required")
	}

	interval, err := parseSeconds(getenv("POLL_INTERVAL_SECONDS", "2"), "POLL_INTERVAL_SECONDS")
	if err != nil {
		return Config{}, err
	}
	cfg.PollInterval = interval

	maxPolls, err := parsePositiveInt(getenv("MAX_POLLS", "150"), "MAX_POLLS")
	if err != nil {
		return Config{}, err
	}
	cfg.MaxPolls = maxPolls

	ttl, err := parseSeconds(getenv("JOB_TTL_SECONDS", "300"), "JOB_TTL_SECONDS")
	if err != nil {
		return Config{}, err
	}
	cfg.JobTTL = ttl

	return cfg, nil
}

func parseSeconds(value, name string) (time.Duration, error) {
	v, err := parsePositiveInt(value, name)
	if err != nil {
		return 0, err
	}
	return time.Duration(v) * time.Second, nil
}

func parsePositiveInt(value string, name string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero (got %d)", name, v)
	}
	return v, nil
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}
