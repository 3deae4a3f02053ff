package stage

import (
	"context"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"podforge/internal/jobs"
	"podforge/internal/tasks"
)

// Report delivers intermediate executor progress. Executors never write to
// the job store themselves; the worker wires this callback to the single
// writer.
type Report func(percent int, message string)

// Result is what a successful stage run hands back to the orchestrator.
type Result struct {
	Artifacts []jobs.Artifact
	NextStage jobs.Stage
}

// Executor is a pure function of the job snapshot and its stage payload.
type Executor interface {
	Kind() tasks.Kind
	Run(ctx context.Context, job *jobs.Job, payload tasks.Payload, report Report) (Result, error)
}

var titleCaser = cases.Title(language.English)

// Label renders a stage as a human-readable progress label.
func Label(stage jobs.Stage) string {
	if stage == "" {
		return ""
	}
	return titleCaser.String(strings.ReplaceAll(string(stage), "_", " "))
}

// Keys for the deterministic object layout of per-job artifacts. The
// orchestrator builds payload refs from these so executors can fetch the
// previous stage's output without consulting the job store.

func ContentKey(jobID string) string { return "jobs/" + jobID + "/content.txt" }

func TranscriptKey(jobID string) string { return "jobs/" + jobID + "/transcript.txt" }

func AudioKey(jobID string) string { return "jobs/" + jobID + "/audio.mp3" }

func ComposedKey(jobID string) string { return "jobs/" + jobID + "/composed.mp3" }
