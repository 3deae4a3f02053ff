package jobs

import (
	"fmt"
	"strings"
	"time"
)

// Stage represents the lifecycle of a generation job.
type Stage string

const (
	StageDraft        Stage = "draft"
	StageQueued       Stage = "queued"
	StageExtracting   Stage = "extracting"
	StageGenerating   Stage = "generating"
	StageSynthesizing Stage = "synthesizing"
	StageComposing    Stage = "composing"
	StageDistributing Stage = "distributing"
	StageComplete     Stage = "complete"
	StageFailed       Stage = "failed"
)

var allStages = []Stage{
	StageDraft,
	StageQueued,
	StageExtracting,
	StageGenerating,
	StageSynthesizing,
	StageComposing,
	StageDistributing,
	StageComplete,
	StageFailed,
}

var stageSet = func() map[Stage]struct{} {
	set := make(map[Stage]struct{}, len(allStages))
	for _, stage := range allStages {
		set[stage] = struct{}{}
	}
	return set
}()

// AllStages returns the ordered list of known stages.
func AllStages() []Stage {
	cp := make([]Stage, len(allStages))
	copy(cp, allStages)
	return cp
}

// ParseStage converts a string into a known Stage.
func ParseStage(value string) (Stage, bool) {
	normalized := Stage(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := stageSet[normalized]
	return normalized, ok
}

// Terminal reports whether a stage accepts no transition other than regenerate.
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageFailed
}

// Running reports whether a stage reflects in-flight executor work.
func (s Stage) Running() bool {
	switch s {
	case StageExtracting, StageGenerating, StageSynthesizing, StageComposing, StageDistributing:
		return true
	default:
		return false
	}
}

// InputKind identifies the type of a content source reference.
type InputKind string

const (
	InputURL     InputKind = "url"
	InputYouTube InputKind = "youtube"
	InputText    InputKind = "text"
	InputFile    InputKind = "file"
)

// Input is one content-source reference supplied at submission time.
type Input struct {
	Kind  InputKind `json:"kind"`
	Value string    `json:"value"`
}

// Validate rejects inputs with unknown kinds or empty values.
func (i Input) Validate() error {
	switch i.Kind {
	case InputURL, InputYouTube, InputText, InputFile:
	default:
		return fmt.Errorf("unknown input kind %q", i.Kind)
	}
	if strings.TrimSpace(i.Value) == "" {
		return fmt.Errorf("input of kind %q has empty value", i.Kind)
	}
	return nil
}

// ArtifactKind identifies what a produced artifact contains.
type ArtifactKind string

const (
	ArtifactContent    ArtifactKind = "content"
	ArtifactTranscript ArtifactKind = "transcript"
	ArtifactAudio      ArtifactKind = "audio"
	ArtifactComposed   ArtifactKind = "composed"
	ArtifactPublished  ArtifactKind = "published"
)

// Artifact is one output location accumulated while a job runs.
type Artifact struct {
	Kind      ArtifactKind `json:"kind"`
	Location  string       `json:"location"`
	CreatedAt time.Time    `json:"created_at"`
}

// Options carries per-job generation choices that shape the stage sequence.
type Options struct {
	Longform          bool     `json:"longform,omitempty"`
	Compose           bool     `json:"compose"`
	ComposePreset     string   `json:"compose_preset,omitempty"`
	DistributeTargets []string `json:"distribute_targets,omitempty"`
}

// Distribute reports whether the job requests platform distribution.
func (o Options) Distribute() bool {
	return len(o.DistributeTargets) > 0
}

// Job represents one end-to-end generation request.
type Job struct {
	ID              string
	TenantID        string
	CreatedBy       string
	Title           string
	Stage           Stage
	Progress        int
	ProgressMessage string
	TaskRef         string
	ErrorMessage    string
	Inputs          []Input
	Options         Options
	Artifacts       []Artifact
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ArtifactByKind returns the most recent artifact of the given kind.
func (j *Job) ArtifactByKind(kind ArtifactKind) (Artifact, bool) {
	for i := len(j.Artifacts) - 1; i >= 0; i-- {
		if j.Artifacts[i].Kind == kind {
			return j.Artifacts[i], true
		}
	}
	return Artifact{}, false
}

// NextStageAfter returns the stage that follows current for this job's
// options, honoring the compose/distribute branch points. The second return
// is false when current has no successor.
func (j *Job) NextStageAfter(current Stage) (Stage, bool) {
	switch current {
	case StageQueued:
		return StageExtracting, true
	case StageExtracting:
		return StageGenerating, true
	case StageGenerating:
		return StageSynthesizing, true
	case StageSynthesizing:
		if j.Options.Compose {
			return StageComposing, true
		}
		if j.Options.Distribute() {
			return StageDistributing, true
		}
		return StageComplete, true
	case StageComposing:
		if j.Options.Distribute() {
			return StageDistributing, true
		}
		return StageComplete, true
	case StageDistributing:
		return StageComplete, true
	default:
		return "", false
	}
}
