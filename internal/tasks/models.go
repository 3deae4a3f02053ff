package tasks

import (
	"fmt"
	"strings"
	"time"

	"podforge/internal/jobs"
)

// Kind identifies which stage executor a task is for.
type Kind string

const (
	KindExtract    Kind = "extract"
	KindScript     Kind = "script"
	KindSpeech     Kind = "speech"
	KindCompose    Kind = "compose"
	KindDistribute Kind = "distribute"
)

var allKinds = []Kind{KindExtract, KindScript, KindSpeech, KindCompose, KindDistribute}

// AllKinds returns the ordered list of known task kinds.
func AllKinds() []Kind {
	cp := make([]Kind, len(allKinds))
	copy(cp, allKinds)
	return cp
}

// ParseKind converts a string into a known Kind.
func ParseKind(value string) (Kind, bool) {
	normalized := Kind(strings.ToLower(strings.TrimSpace(value)))
	for _, kind := range allKinds {
		if kind == normalized {
			return kind, true
		}
	}
	return "", false
}

// StageFor maps a task kind to the job stage it runs under.
func (k Kind) StageFor() jobs.Stage {
	switch k {
	case KindExtract:
		return jobs.StageExtracting
	case KindScript:
		return jobs.StageGenerating
	case KindSpeech:
		return jobs.StageSynthesizing
	case KindCompose:
		return jobs.StageComposing
	case KindDistribute:
		return jobs.StageDistributing
	default:
		return ""
	}
}

// KindForStage maps a running job stage back to its task kind.
func KindForStage(stage jobs.Stage) (Kind, bool) {
	switch stage {
	case jobs.StageExtracting:
		return KindExtract, true
	case jobs.StageGenerating:
		return KindScript, true
	case jobs.StageSynthesizing:
		return KindSpeech, true
	case jobs.StageComposing:
		return KindCompose, true
	case jobs.StageDistributing:
		return KindDistribute, true
	default:
		return "", false
	}
}

// ExtractPayload feeds the content extraction executor.
type ExtractPayload struct {
	Inputs []jobs.Input `json:"inputs"`
}

// ScriptPayload feeds the script synthesis executor.
type ScriptPayload struct {
	ContentRef string `json:"content_ref"`
	Longform   bool   `json:"longform,omitempty"`
}

// SpeechPayload feeds the audio synthesis executor.
type SpeechPayload struct {
	TranscriptRef string `json:"transcript_ref"`
}

// ComposePayload feeds the audio composition executor.
type ComposePayload struct {
	AudioRef string `json:"audio_ref"`
	Preset   string `json:"preset,omitempty"`
}

// DistributePayload feeds the platform distribution executor.
type DistributePayload struct {
	AudioRef string   `json:"audio_ref"`
	Targets  []string `json:"targets"`
}

// Payload is a tagged union keyed by Kind; exactly the variant matching Kind
// must be populated.
type Payload struct {
	Kind       Kind               `json:"kind"`
	Extract    *ExtractPayload    `json:"extract,omitempty"`
	Script     *ScriptPayload     `json:"script,omitempty"`
	Speech     *SpeechPayload     `json:"speech,omitempty"`
	Compose    *ComposePayload    `json:"compose,omitempty"`
	Distribute *DistributePayload `json:"distribute,omitempty"`
}

// Validate checks that the populated variant matches Kind.
func (p Payload) Validate() error {
	variants := 0
	var match bool
	if p.Extract != nil {
		variants++
		match = match || p.Kind == KindExtract
	}
	if p.Script != nil {
		variants++
		match = match || p.Kind == KindScript
	}
	if p.Speech != nil {
		variants++
		match = match || p.Kind == KindSpeech
	}
	if p.Compose != nil {
		variants++
		match = match || p.Kind == KindCompose
	}
	if p.Distribute != nil {
		variants++
		match = match || p.Kind == KindDistribute
	}
	if variants != 1 || !match {
		return fmt.Errorf("payload for kind %q must populate exactly its own variant", p.Kind)
	}
	return nil
}

// State represents queue-side task lifecycle.
type State string

const (
	StatePending State = "pending"
	StateLeased  State = "leased"
	StateDone    State = "done"
	StateDead    State = "dead"
)

// Task is a single unit of queued work: one stage attempt for one job.
type Task struct {
	ID             string
	JobID          string
	TenantID       string
	Kind           Kind
	Payload        Payload
	Attempt        int
	State          State
	WorkerID       string
	LeaseExpiresAt *time.Time
	EnqueuedAt     time.Time
	UpdatedAt      time.Time
}
