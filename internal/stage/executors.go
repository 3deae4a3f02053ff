package stage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"podforge/internal/jobs"
	"podforge/internal/services"
	"podforge/internal/tasks"
)

// ExtractExecutor pulls text content out of the job's content sources and
// stores it for the script stage.
type ExtractExecutor struct {
	Extractor services.ContentExtractor
	Objects   services.ObjectStore
}

func (e *ExtractExecutor) Kind() tasks.Kind { return tasks.KindExtract }

func (e *ExtractExecutor) Run(ctx context.Context, job *jobs.Job, payload tasks.Payload, report Report) (Result, error) {
	if payload.Extract == nil {
		return Result{}, services.Wrap(services.ErrValidation, "extract", "run", "missing payload", nil)
	}
	report(0, "Extracting content from sources")

	extracted, err := e.Extractor.Run(ctx, services.ExtractRequest{Inputs: payload.Extract.Inputs})
	if err != nil {
		return Result{}, err
	}
	report(60, "Content extracted")

	key := ContentKey(job.ID)
	location, err := e.Objects.Put(ctx, key, strings.NewReader(extracted.Content), int64(len(extracted.Content)), "text/plain")
	if err != nil {
		return Result{}, err
	}
	report(100, "Content stored")

	next, _ := job.NextStageAfter(jobs.StageExtracting)
	return Result{
		Artifacts: []jobs.Artifact{{Kind: jobs.ArtifactContent, Location: location, CreatedAt: time.Now().UTC()}},
		NextStage: next,
	}, nil
}

// ScriptExecutor turns extracted content into a conversational transcript.
type ScriptExecutor struct {
	Synthesizer services.ScriptSynthesizer
	Objects     services.ObjectStore
}

func (e *ScriptExecutor) Kind() tasks.Kind { return tasks.KindScript }

func (e *ScriptExecutor) Run(ctx context.Context, job *jobs.Job, payload tasks.Payload, report Report) (Result, error) {
	if payload.Script == nil {
		return Result{}, services.Wrap(services.ErrValidation, "script", "run", "missing payload", nil)
	}
	report(0, "Generating podcast transcript")

	content, err := readObject(ctx, e.Objects, payload.Script.ContentRef)
	if err != nil {
		return Result{}, err
	}
	report(20, "Content loaded")

	script, err := e.Synthesizer.Run(ctx, services.ScriptRequest{Content: content, Longform: payload.Script.Longform})
	if err != nil {
		return Result{}, err
	}
	report(80, "Transcript generated")

	key := TranscriptKey(job.ID)
	location, err := e.Objects.Put(ctx, key, strings.NewReader(script.Transcript), int64(len(script.Transcript)), "text/plain")
	if err != nil {
		return Result{}, err
	}
	report(100, "Transcript stored")

	next, _ := job.NextStageAfter(jobs.StageGenerating)
	return Result{
		Artifacts: []jobs.Artifact{{Kind: jobs.ArtifactTranscript, Location: location, CreatedAt: time.Now().UTC()}},
		NextStage: next,
	}, nil
}

// SpeechExecutor renders the transcript to audio.
type SpeechExecutor struct {
	Synthesizer services.SpeechSynthesizer
	Objects     services.ObjectStore
}

func (e *SpeechExecutor) Kind() tasks.Kind { return tasks.KindSpeech }

func (e *SpeechExecutor) Run(ctx context.Context, job *jobs.Job, payload tasks.Payload, report Report) (Result, error) {
	if payload.Speech == nil {
		return Result{}, services.Wrap(services.ErrValidation, "speech", "run", "missing payload", nil)
	}
	report(0, "Synthesizing audio")

	transcript, err := readObject(ctx, e.Objects, payload.Speech.TranscriptRef)
	if err != nil {
		return Result{}, err
	}
	report(20, "Transcript loaded")

	speech, err := e.Synthesizer.Run(ctx, services.SpeechRequest{Transcript: transcript})
	if err != nil {
		return Result{}, err
	}
	report(80, "Audio rendered")

	key := AudioKey(job.ID)
	location, err := e.Objects.Put(ctx, key, bytes.NewReader(speech.Audio), int64(len(speech.Audio)), "audio/mpeg")
	if err != nil {
		return Result{}, err
	}
	report(100, "Audio stored")

	next, _ := job.NextStageAfter(jobs.StageSynthesizing)
	return Result{
		Artifacts: []jobs.Artifact{{Kind: jobs.ArtifactAudio, Location: location, CreatedAt: time.Now().UTC()}},
		NextStage: next,
	}, nil
}

// ComposeExecutor mixes the synthesized audio into a finished episode.
type ComposeExecutor struct {
	Composer services.AudioComposer
	Objects  services.ObjectStore
}

func (e *ComposeExecutor) Kind() tasks.Kind { return tasks.KindCompose }

func (e *ComposeExecutor) Run(ctx context.Context, job *jobs.Job, payload tasks.Payload, report Report) (Result, error) {
	if payload.Compose == nil {
		return Result{}, services.Wrap(services.ErrValidation, "compose", "run", "missing payload", nil)
	}
	report(0, "Composing episode audio")

	composed, err := e.Composer.Run(ctx, services.ComposeRequest{
		AudioRef: payload.Compose.AudioRef,
		Preset:   payload.Compose.Preset,
	})
	if err != nil {
		return Result{}, err
	}
	report(80, "Episode composed")

	key := ComposedKey(job.ID)
	location, err := e.Objects.Put(ctx, key, bytes.NewReader(composed.Audio), int64(len(composed.Audio)), "audio/mpeg")
	if err != nil {
		return Result{}, err
	}
	report(100, "Composed audio stored")

	next, _ := job.NextStageAfter(jobs.StageComposing)
	return Result{
		Artifacts: []jobs.Artifact{{Kind: jobs.ArtifactComposed, Location: location, CreatedAt: time.Now().UTC()}},
		NextStage: next,
	}, nil
}

// DistributeExecutor publishes the finished audio to the requested platforms.
type DistributeExecutor struct {
	Distributor services.Distributor
}

func (e *DistributeExecutor) Kind() tasks.Kind { return tasks.KindDistribute }

func (e *DistributeExecutor) Run(ctx context.Context, job *jobs.Job, payload tasks.Payload, report Report) (Result, error) {
	if payload.Distribute == nil {
		return Result{}, services.Wrap(services.ErrValidation, "distribute", "run", "missing payload", nil)
	}
	report(0, fmt.Sprintf("Distributing to %d platforms", len(payload.Distribute.Targets)))

	published, err := e.Distributor.Run(ctx, services.DistributeRequest{
		AudioRef: payload.Distribute.AudioRef,
		Targets:  payload.Distribute.Targets,
	})
	if err != nil {
		return Result{}, err
	}
	report(100, "Distribution complete")

	artifacts := make([]jobs.Artifact, 0, len(published.PublishedURLs))
	now := time.Now().UTC()
	for _, url := range published.PublishedURLs {
		artifacts = append(artifacts, jobs.Artifact{Kind: jobs.ArtifactPublished, Location: url, CreatedAt: now})
	}

	next, _ := job.NextStageAfter(jobs.StageDistributing)
	return Result{Artifacts: artifacts, NextStage: next}, nil
}

func readObject(ctx context.Context, store services.ObjectStore, key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", services.Wrap(services.ErrValidation, "stage", "read object", "empty object ref", nil)
	}
	reader, err := store.Get(ctx, key)
	if err != nil {
		return "", err
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", services.Wrap(services.ErrTransient, "stage", "read object "+key, "", err)
	}
	return string(data), nil
}
