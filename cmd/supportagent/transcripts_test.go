package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/koscakluka/ema-pipeline/core/conversations"
	"github.com/koscakluka/ema-pipeline/core/llms"
	"github.com/koscakluka/ema-pipeline/core/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func archiveDir(t *testing.T, transcripts ...conversations.Transcript) string {
	t.Helper()

	dir := t.TempDir()
	archive, err := store.Open(dir)
	require.NoError(t, err)
	for _, transcript := range transcripts {
		require.NoError(t, archive.SaveTranscript(context.Background(), transcript))
	}
	require.NoError(t, archive.Close())

	t.Setenv("SUPPORTAGENT_STORE_DIR", dir)
	return dir
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func supportTranscript(sessionID string, startedAt time.Time, question string) conversations.Transcript {
	return conversations.Transcript{
		SessionID: sessionID,
		StartedAt: startedAt,
		EndedAt:   startedAt.Add(90 * time.Second),
		Messages: []llms.Message{
			{Role: llms.RoleSystem, Content: "You are a helpful Apple customer support agent."},
			{Role: llms.RoleUser, Content: question},
			{Role: llms.RoleAssistant, ToolCalls: []llms.ToolCall{
				{ID: "call-1", Name: "get_warranty_status", Arguments: `{"device_id":"ABC123"}`},
			}},
			{Role: llms.RoleTool, ToolCallID: "call-1", Content: `{"warranty_status":"under warranty"}`},
			{Role: llms.RoleAssistant, Content: "Your device is under warranty."},
		},
	}
}

func TestTranscriptsList(t *testing.T) {
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	archiveDir(t,
		supportTranscript("older", base, "Is my laptop still under warranty?"),
		supportTranscript("newer", base.Add(time.Hour), "When does my Apple Music billing cycle end?"),
	)

	out, err := runCLI(t, "transcripts", "list")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "SESSION")
	assert.True(t, strings.HasPrefix(lines[1], "newer"))
	assert.Contains(t, lines[1], "1m30s")
	assert.Contains(t, lines[1], "When does my Apple Music billing cycle end?")
	assert.True(t, strings.HasPrefix(lines[2], "older"))

	out, err = runCLI(t, "transcripts", "list", "--limit", "1")
	require.NoError(t, err)
	assert.NotContains(t, out, "older")
}

func TestTranscriptsShowAndDelete(t *testing.T) {
	archiveDir(t, supportTranscript("session-1", time.Now(), "Is my laptop still under warranty?"))

	out, err := runCLI(t, "transcripts", "show", "session-1")
	require.NoError(t, err)
	assert.Contains(t, out, "user       Is my laptop still under warranty?")
	assert.Contains(t, out, `tool call  get_warranty_status {"device_id":"ABC123"}`)
	assert.Contains(t, out, `result     {"warranty_status":"under warranty"}`)
	assert.Contains(t, out, "assistant  Your device is under warranty.")
	assert.NotContains(t, out, "helpful Apple customer support agent")

	_, err = runCLI(t, "transcripts", "delete", "session-1")
	require.NoError(t, err)

	_, err = runCLI(t, "transcripts", "show", "session-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTranscriptsListEmptyArchive(t *testing.T) {
	archiveDir(t)

	out, err := runCLI(t, "transcripts", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No conversations archived.")
}

func TestTranscriptsNeedAnArchive(t *testing.T) {
	t.Setenv("SUPPORTAGENT_STORE_DIR", "")

	_, err := runCLI(t, "transcripts", "list")
	assert.ErrorContains(t, err, "no transcript archive configured")
}

func TestFirstQuestion(t *testing.T) {
	assert.Equal(t, "-", firstQuestion(nil))
	long := strings.Repeat("warranty ", 10)
	got := firstQuestion([]llms.Message{{Role: llms.RoleUser, Content: long}})
	assert.Len(t, []rune(got), 48)
	assert.True(t, strings.HasSuffix(got, "..."))
}
