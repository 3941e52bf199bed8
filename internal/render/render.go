// Package render drives the external render engine. Every attempt runs in
// a fresh working directory under a wall clock limit, with stderr captured
// as repair feedback.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"mathmotion/internal/config"
	"mathmotion/internal/logging"
)

// ErrTimeout is returned when the render process exceeds its wall clock limit.
var ErrTimeout = errors.New("render timed out")

// ErrOutputMissing is returned when the process exits cleanly but no video
// file can be found. Render engines do this; a zero exit code is not proof
// of output.
var ErrOutputMissing = errors.New("render produced no output file")

// ProcessError is returned when the render process exits non-zero.
type ProcessError struct {
	ExitCode int
	Stderr   string
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("render process exited with code %d\n--- stderr ---\n%s", e.ExitCode, e.Stderr)
}

// Status tracks a render job through its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Job records one render attempt.
type Job struct {
	ID         string
	SessionID  string
	Status     Status
	StartedAt  time.Time
	FinishedAt time.Time
	Stderr     string

	// OutputPath points at the staged video on success. The caller owns
	// the file and must move or delete it.
	OutputPath string
}

// Orchestrator runs render processes with bounded concurrency.
type Orchestrator struct {
	binary     string
	quality    string
	extraArgs  []string
	timeout    time.Duration
	workRoot   string
	stagingDir string
	sem        *semaphore.Weighted
}

// New creates an Orchestrator from config.
func New(cfg config.RenderConfig, timeout time.Duration) (*Orchestrator, error) {
	if cfg.Binary == "" {
		return nil, fmt.Errorf("render binary not configured")
	}
	workRoot := cfg.WorkDir
	if workRoot == "" {
		workRoot = os.TempDir()
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}

	stagingDir := filepath.Join(workRoot, "mathmotion-staging")
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	return &Orchestrator{
		binary:     cfg.Binary,
		quality:    cfg.Quality,
		extraArgs:  cfg.ExtraArgs,
		timeout:    timeout,
		workRoot:   workRoot,
		stagingDir: stagingDir,
		sem:        semaphore.NewWeighted(int64(maxConcurrent)),
	}, nil
}

// Render writes code to an isolated working directory, runs the engine,
// and stages the produced video. The working directory is removed on every
// exit path. Blocks while all render slots are busy.
func (o *Orchestrator) Render(ctx context.Context, code, sceneClass, sessionID string) (*Job, error) {
	job := &Job{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Status:    StatusPending,
	}

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return job, fmt.Errorf("waiting for render slot: %w", err)
	}
	defer o.sem.Release(1)

	workDir, err := os.MkdirTemp(o.workRoot, "render-"+sessionID+"-")
	if err != nil {
		job.Status = StatusFailed
		return job, fmt.Errorf("failed to create working directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	scriptPath := filepath.Join(workDir, "scene.py")
	if err := os.WriteFile(scriptPath, []byte(code), 0644); err != nil {
		job.Status = StatusFailed
		return job, fmt.Errorf("failed to write scene script: %w", err)
	}

	videoDir := filepath.Join(workDir, "videos")
	if err := os.MkdirAll(videoDir, 0755); err != nil {
		job.Status = StatusFailed
		return job, fmt.Errorf("failed to create video directory: %w", err)
	}

	args := o.buildArgs(scriptPath, sceneClass, videoDir, sessionID)

	cctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, o.binary, args...)
	cmd.Dir = workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	job.Status = StatusRunning
	job.StartedAt = time.Now()
	logging.Render("job %s: %s %v", job.ID, o.binary, args)

	runErr := cmd.Run()
	job.FinishedAt = time.Now()
	job.Stderr = tail(stderr.String(), 4000)

	if cctx.Err() == context.DeadlineExceeded {
		job.Status = StatusTimedOut
		logging.RenderError("job %s timed out after %v", job.ID, o.timeout)
		return job, fmt.Errorf("%w after %v\n--- stderr ---\n%s", ErrTimeout, o.timeout, job.Stderr)
	}

	if runErr != nil {
		job.Status = StatusFailed
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		logging.RenderError("job %s failed with exit code %d", job.ID, exitCode)
		return job, &ProcessError{ExitCode: exitCode, Stderr: job.Stderr}
	}

	output, err := findOutput(videoDir, sessionID)
	if err != nil {
		job.Status = StatusFailed
		logging.RenderError("job %s: process exited 0 but no output found", job.ID)
		return job, err
	}

	staged := filepath.Join(o.stagingDir, job.ID+filepath.Ext(output))
	if err := os.Rename(output, staged); err != nil {
		job.Status = StatusFailed
		return job, fmt.Errorf("failed to stage output: %w", err)
	}

	job.Status = StatusSucceeded
	job.OutputPath = staged
	logging.Render("job %s succeeded in %v: %s", job.ID, job.FinishedAt.Sub(job.StartedAt), staged)
	return job, nil
}

// buildArgs constructs the engine invocation:
//
//	manimgl <script> <SceneClass> -w --video_dir <dir> --file_name animation_<id> [-ql|-qm|-qh]
func (o *Orchestrator) buildArgs(scriptPath, sceneClass, videoDir, sessionID string) []string {
	args := []string{
		scriptPath,
		sceneClass,
		"-w",
		"--video_dir", videoDir,
		"--file_name", "animation_" + sessionID,
	}
	switch o.quality {
	case "low":
		args = append(args, "-ql")
	case "medium":
		args = append(args, "-qm")
	case "high":
		args = append(args, "-qh")
	}
	return append(args, o.extraArgs...)
}

// findOutput locates the rendered video. Engines are not consistent about
// output naming, so known patterns are tried first and the newest video in
// the tree is the fallback.
func findOutput(videoDir, sessionID string) (string, error) {
	candidates := []string{
		"animation_" + sessionID + ".mp4",
		"animation_" + sessionID + ".mov",
		"scene_" + sessionID + ".mp4",
		"MathAnimation.mp4",
	}
	for _, name := range candidates {
		path := filepath.Join(videoDir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() && info.Size() > 0 {
			return path, nil
		}
	}

	var newest string
	var newestTime time.Time
	_ = filepath.WalkDir(videoDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".mp4" && ext != ".mov" {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() == 0 {
			return nil
		}
		if info.ModTime().After(newestTime) {
			newest = path
			newestTime = info.ModTime()
		}
		return nil
	})
	if newest != "" {
		return newest, nil
	}
	return "", ErrOutputMissing
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
