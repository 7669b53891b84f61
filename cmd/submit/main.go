// cmd/submit/main.go
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/ziouzitsou/fossapp-sub003/internal/bus"
	"github.com/ziouzitsou/fossapp-sub003/internal/progress"
	"github.com/ziouzitsou/fossapp-sub003/pkg/schema"
)

func main() {
	_ = godotenv.Load()

	scriptPath := flag.String("file", "", "path to the automation script to submit")
	name := flag.String("name", "", "display name for the job (defaults to the file name)")
	wait := flag.Duration("wait", 10*time.Minute, "how long to wait for the terminal message")
	flag.Parse()

	if *scriptPath == "" {
		fmt.Fprintln(os.Stderr, "usage: submit -file <script> [-name <name>] [-wait <duration>]")
		os.Exit(2)
	}

	script, err := os.ReadFile(*scriptPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read script: %v\n", err)
		os.Exit(1)
	}
	if *name == "" {
		*name = filepath.Base(*scriptPath)
	}

	natsURL := getenv("NATS_URL", "nats://127.0.0.1:4222")
	jobSubject := getenv("SCRIPT_JOB_SUBJECT", "cad.scripts.submitted")
	progressSubject := getenv("JOB_PROGRESS_SUBJECT", "cad.jobs.progress")

	nc, err := bus.Connect(natsURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to NATS: %v\n", err)
		os.Exit(1)
	}
	defer nc.Close()

	jobID := progress.GenerateJobID()
	terminal := make(chan string, 1)

	_, err = nc.SubscribeJSON(progressSubject+"."+jobID, func(_ context.Context, data []byte) {
		var evt schema.ProgressEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			return
		}
		line := fmt.Sprintf("[%s] %-10s %s", evt.Elapsed, evt.Phase, evt.Message)
		if evt.Detail != "" {
			line += " (" + evt.Detail + ")"
		}
		fmt.Println(line)
		if evt.Phase == string(progress.PhaseComplete) || evt.Phase == string(progress.PhaseError) {
			terminal <- evt.Phase
		}
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "subscribe progress: %v\n", err)
		os.Exit(1)
	}

	job := schema.ScriptJob{
		JobID:      jobID,
		Name:       *name,
		Script:     string(script),
		HappenedAt: time.Now().Unix(),
	}
	if err := nc.PublishJSON(jobSubject, job); err != nil {
		fmt.Fprintf(os.Stderr, "publish job: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("submitted %s as job %s\n", *name, jobID)

	select {
	case phase := <-terminal:
		if phase == string(progress.PhaseError) {
			os.Exit(1)
		}
	case <-time.After(*wait):
		fmt.Fprintln(os.Stderr, "gave up waiting for the terminal message")
		os.Exit(1)
	}
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}
