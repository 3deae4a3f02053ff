package services

import (
	"context"
	"net/http"

	"podforge/internal/config"
	"podforge/internal/jobs"
)

// ExtractRequest asks the extraction collaborator to pull text from sources.
type ExtractRequest struct {
	Inputs []jobs.Input `json:"inputs"`
}

// ExtractResult is the combined textual content of all sources.
type ExtractResult struct {
	Content string `json:"content"`
}

// ContentExtractor turns content-source references into raw text.
type ContentExtractor interface {
	Run(ctx context.Context, req ExtractRequest) (ExtractResult, error)
}

// ScriptRequest asks the script collaborator to synthesize a dialogue.
type ScriptRequest struct {
	Content  string `json:"content"`
	Longform bool   `json:"longform,omitempty"`
}

// ScriptResult is the synthesized transcript.
type ScriptResult struct {
	Transcript string `json:"transcript"`
}

// ScriptSynthesizer writes a conversational script from extracted content.
type ScriptSynthesizer interface {
	Run(ctx context.Context, req ScriptRequest) (ScriptResult, error)
}

// SpeechRequest asks the speech collaborator to voice a transcript.
type SpeechRequest struct {
	Transcript string `json:"transcript"`
}

// SpeechResult is the rendered audio, base64-free: providers return raw bytes.
type SpeechResult struct {
	Audio           []byte  `json:"audio"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// SpeechSynthesizer renders a transcript to audio.
type SpeechSynthesizer interface {
	Run(ctx context.Context, req SpeechRequest) (SpeechResult, error)
}

// ComposeRequest asks the composition collaborator to master an episode.
type ComposeRequest struct {
	AudioRef string `json:"audio_ref"`
	Preset   string `json:"preset,omitempty"`
}

// ComposeResult points at the composed audio.
type ComposeResult struct {
	Audio []byte `json:"audio"`
}

// AudioComposer mixes intro/outro and mastering onto the raw synthesis.
type AudioComposer interface {
	Run(ctx context.Context, req ComposeRequest) (ComposeResult, error)
}

// DistributeRequest asks the distribution collaborator to publish audio.
type DistributeRequest struct {
	AudioRef string   `json:"audio_ref"`
	Targets  []string `json:"targets"`
}

// DistributeResult lists where the episode was published.
type DistributeResult struct {
	PublishedURLs []string `json:"published_urls"`
}

// Distributor publishes finished audio to external platforms.
type Distributor interface {
	Run(ctx context.Context, req DistributeRequest) (DistributeResult, error)
}

// HTTP implementations. Each wraps one configured endpoint with the shared
// JSON transport and classifies failures for retry policy.

type httpExtractor struct{ client }

// NewContentExtractor builds the HTTP-backed extraction client.
func NewContentExtractor(svc config.Service, httpClient *http.Client) ContentExtractor {
	return &httpExtractor{newClient("extractor", svc, httpClient)}
}

func (e *httpExtractor) Run(ctx context.Context, req ExtractRequest) (ExtractResult, error) {
	if len(req.Inputs) == 0 {
		return ExtractResult{}, Wrap(ErrValidation, "extractor", "run", "no inputs", nil)
	}
	var out ExtractResult
	if err := e.postJSON(ctx, "/extract", req, &out); err != nil {
		return ExtractResult{}, err
	}
	if out.Content == "" {
		return ExtractResult{}, Wrap(ErrExternal, "extractor", "run", "empty content returned", nil)
	}
	return out, nil
}

type httpScript struct{ client }

// NewScriptSynthesizer builds the HTTP-backed script client.
func NewScriptSynthesizer(svc config.Service, httpClient *http.Client) ScriptSynthesizer {
	return &httpScript{newClient("script", svc, httpClient)}
}

func (s *httpScript) Run(ctx context.Context, req ScriptRequest) (ScriptResult, error) {
	var out ScriptResult
	if err := s.postJSON(ctx, "/synthesize", req, &out); err != nil {
		return ScriptResult{}, err
	}
	if out.Transcript == "" {
		return ScriptResult{}, Wrap(ErrExternal, "script", "run", "empty transcript returned", nil)
	}
	return out, nil
}

type httpSpeech struct{ client }

// NewSpeechSynthesizer builds the HTTP-backed speech client.
func NewSpeechSynthesizer(svc config.Service, httpClient *http.Client) SpeechSynthesizer {
	return &httpSpeech{newClient("speech", svc, httpClient)}
}

func (s *httpSpeech) Run(ctx context.Context, req SpeechRequest) (SpeechResult, error) {
	var out SpeechResult
	if err := s.postJSON(ctx, "/speak", req, &out); err != nil {
		return SpeechResult{}, err
	}
	if len(out.Audio) == 0 {
		return SpeechResult{}, Wrap(ErrExternal, "speech", "run", "empty audio returned", nil)
	}
	return out, nil
}

type httpComposer struct{ client }

// NewAudioComposer builds the HTTP-backed composition client.
func NewAudioComposer(svc config.Service, httpClient *http.Client) AudioComposer {
	return &httpComposer{newClient("composer", svc, httpClient)}
}

func (c *httpComposer) Run(ctx context.Context, req ComposeRequest) (ComposeResult, error) {
	var out ComposeResult
	if err := c.postJSON(ctx, "/compose", req, &out); err != nil {
		return ComposeResult{}, err
	}
	if len(out.Audio) == 0 {
		return ComposeResult{}, Wrap(ErrExternal, "composer", "run", "empty audio returned", nil)
	}
	return out, nil
}

type httpDistributor struct{ client }

// NewDistributor builds the HTTP-backed distribution client.
func NewDistributor(svc config.Service, httpClient *http.Client) Distributor {
	return &httpDistributor{newClient("distributor", svc, httpClient)}
}

func (d *httpDistributor) Run(ctx context.Context, req DistributeRequest) (DistributeResult, error) {
	if len(req.Targets) == 0 {
		return DistributeResult{}, Wrap(ErrValidation, "distributor", "run", "no targets", nil)
	}
	var out DistributeResult
	if err := d.postJSON(ctx, "/publish", req, &out); err != nil {
		return DistributeResult{}, err
	}
	return out, nil
}
