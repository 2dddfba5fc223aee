package main

import (
	"context"
	"io"
	"testing"
	"time"

	orchestration "github.com/koscakluka/ema-pipeline/core"
	"github.com/koscakluka/ema-pipeline/core/frames"
	"github.com/koscakluka/ema-pipeline/core/llms"
	"github.com/koscakluka/ema-pipeline/internal/config"
	"github.com/koscakluka/ema-pipeline/internal/supporttools"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cannedModel answers everything with the same text.
type cannedModel struct{ answer string }

func (m cannedModel) PromptWithStream(context.Context, []llms.Message, []llms.ToolDefinition) llms.Stream {
	return m
}

func (m cannedModel) Chunks(context.Context) func(func(llms.StreamChunk, error) bool) {
	return func(yield func(llms.StreamChunk, error) bool) {
		stop := llms.FinishReasonStop
		yield(llms.ContentChunk{Text: m.answer, Reason: &stop}, nil)
	}
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.OpenAI.APIKey = "sk-test"
	cfg.Deepgram.APIKey = "dg-test"
	cfg.Store.Dir = t.TempDir()
	cfg.Agent.Metrics = false
	return cfg
}

func TestAgentArchivesFinishedSessions(t *testing.T) {
	a, err := newAgent(testConfig(t), quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	a.model = cannedModel{answer: "Your device is under warranty."}

	ended := make(chan frames.EndOfTurn, 1)
	opts, err := a.options(orchestration.WithTailSink(func(frame frames.Frame) {
		if end, ok := frame.(frames.EndOfTurn); ok {
			ended <- end
		}
	}))
	require.NoError(t, err)
	orchestrator := orchestration.NewOrchestrator(opts...)

	done := make(chan error, 1)
	go func() { done <- orchestrator.Orchestrate(context.Background()) }()

	require.NoError(t, orchestrator.SendPrompt("Is my laptop still under warranty?"))
	select {
	case end := <-ended:
		assert.False(t, end.Cancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not end")
	}

	orchestrator.EndSession()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
	}

	transcript, err := a.store.Get(context.Background(), orchestrator.SessionID())
	require.NoError(t, err)
	require.Len(t, transcript.Messages, 3)
	assert.Equal(t, supporttools.SystemPrompt, transcript.Messages[0].Content)
	assert.Equal(t, "Is my laptop still under warranty?", transcript.Messages[1].Content)
	assert.Equal(t, "Your device is under warranty.", transcript.Messages[2].Content)
}

func TestAgentSystemPromptOverride(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Dir = ""
	cfg.Agent.SystemPrompt = "Answer in one sentence."

	a, err := newAgent(cfg, quietLogger())
	require.NoError(t, err)
	opts, err := a.options()
	require.NoError(t, err)

	conversation := orchestration.NewOrchestrator(opts...).Conversation()
	require.Len(t, conversation, 1)
	assert.Equal(t, llms.RoleSystem, conversation[0].Role)
	assert.Equal(t, "Answer in one sentence.", conversation[0].Content)
}

func TestAgentNeedsAPIKeys(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Dir = ""

	cfg.OpenAI.APIKey = ""
	_, err := newAgent(cfg, quietLogger())
	assert.ErrorIs(t, err, config.ErrMissingAPIKey)

	cfg.OpenAI.APIKey = "sk-test"
	cfg.Deepgram.APIKey = ""
	a, err := newAgent(cfg, quietLogger())
	require.NoError(t, err)
	_, _, err = a.speech(a.encoding())
	assert.ErrorIs(t, err, config.ErrMissingAPIKey)
}

func TestAgentSpeech(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Dir = ""
	cfg.Audio.SampleRate = 24000

	a, err := newAgent(cfg, quietLogger())
	require.NoError(t, err)

	encoding := a.encoding()
	assert.Equal(t, 24000, encoding.SampleRate)

	transcriber, speaker, err := a.speech(encoding)
	require.NoError(t, err)
	assert.NotNil(t, transcriber)
	assert.Equal(t, cfg.Deepgram.Voice, string(speaker.Voice()))

	cfg.Deepgram.Voice = "robot"
	a.cfg = cfg
	_, _, err = a.speech(encoding)
	assert.Error(t, err)
}
