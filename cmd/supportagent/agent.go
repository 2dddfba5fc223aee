package main

import (
	"fmt"

	orchestration "github.com/koscakluka/ema-pipeline/core"
	"github.com/koscakluka/ema-pipeline/core/audio"
	"github.com/koscakluka/ema-pipeline/core/llms"
	"github.com/koscakluka/ema-pipeline/core/llms/openai"
	stt "github.com/koscakluka/ema-pipeline/core/speechtotext/deepgram"
	"github.com/koscakluka/ema-pipeline/core/store"
	tts "github.com/koscakluka/ema-pipeline/core/texttospeech/deepgram"
	"github.com/koscakluka/ema-pipeline/internal/config"
	"github.com/koscakluka/ema-pipeline/internal/supporttools"
	"github.com/sirupsen/logrus"
)

// agent is what all sessions of a command share: the model client and the
// transcript archive.
type agent struct {
	cfg   config.Config
	log   *logrus.Logger
	model llms.StreamingModel
	store *store.Store
}

func newAgent(cfg config.Config, log *logrus.Logger) (*agent, error) {
	if err := cfg.RequireOpenAI(); err != nil {
		return nil, err
	}

	a := &agent{
		cfg: cfg,
		log: log,
		model: openai.NewClient(
			openai.WithAPIKey(cfg.OpenAI.APIKey),
			openai.WithBaseURL(cfg.OpenAI.BaseURL),
			openai.WithModel(cfg.OpenAI.Model),
		),
	}
	if cfg.Store.Dir != "" {
		archive, err := store.Open(cfg.Store.Dir)
		if err != nil {
			return nil, err
		}
		a.store = archive
	}
	return a, nil
}

func (a *agent) Close() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}

// options configures an orchestrator as the support agent. Every session
// gets its own tool registry since registries freeze once validated.
func (a *agent) options(extra ...orchestration.OrchestratorOption) ([]orchestration.OrchestratorOption, error) {
	registry, err := supporttools.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("failed to register support tools: %w", err)
	}

	prompt := a.cfg.Agent.SystemPrompt
	if prompt == "" {
		prompt = supporttools.SystemPrompt
	}

	opts := []orchestration.OrchestratorOption{
		orchestration.WithStreamingLLM(a.model),
		orchestration.WithTools(registry),
		orchestration.WithSystemPrompt(prompt),
		orchestration.WithToolTimeout(a.cfg.Agent.ToolTimeout),
		orchestration.WithMaxToolRounds(a.cfg.Agent.MaxToolRounds),
		orchestration.WithAllowInterruptions(a.cfg.Agent.AllowInterruptions),
		orchestration.WithMetrics(a.cfg.Agent.Metrics),
		orchestration.WithErrorCallback(func(err error) {
			a.log.WithError(err).Warn("pipeline error")
		}),
	}
	if a.cfg.Agent.InitialTTFBOnly {
		opts = append(opts, orchestration.WithInitialTTFBOnly())
	}
	if a.store != nil {
		opts = append(opts, orchestration.WithTranscriptStore(a.store))
	}
	return append(opts, extra...), nil
}

// speech returns the transcriber and the speech client of a voice session
// running with the given encoding.
func (a *agent) speech(encoding audio.EncodingInfo) (*stt.Transcriber, *tts.TextToSpeechClient, error) {
	if err := a.cfg.RequireDeepgram(); err != nil {
		return nil, nil, err
	}

	transcriber, err := stt.NewTranscriber(
		stt.WithAPIKey(a.cfg.Deepgram.APIKey),
		stt.WithModel(a.cfg.Deepgram.Model),
		stt.WithLanguage(a.cfg.Deepgram.Language),
		stt.WithEncodingInfo(encoding),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create transcriber: %w", err)
	}

	speaker, err := tts.NewTextToSpeechClient(
		tts.WithAPIKey(a.cfg.Deepgram.APIKey),
		tts.WithVoice(tts.Voice(a.cfg.Deepgram.Voice)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create speech client: %w", err)
	}
	return transcriber, speaker, nil
}

func (a *agent) encoding() audio.EncodingInfo {
	encoding := audio.GetDefaultEncodingInfo()
	if a.cfg.Audio.SampleRate > 0 {
		encoding.SampleRate = a.cfg.Audio.SampleRate
	}
	return encoding
}
