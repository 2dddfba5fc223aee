package frames

import "testing"

func TestStampSetsHeaderOnce(t *testing.T) {
	original := TranscriptDelta{Text: "hello"}

	stamped := Stamp(original, "stt", 7)
	header := stamped.Header()
	if header.Origin != "stt" || header.Seq != 7 || header.Timestamp.IsZero() {
		t.Fatalf("unexpected header after stamping: %+v", header)
	}
	if original.Header().IsStamped() {
		t.Fatalf("expected original frame to stay unstamped")
	}

	restamped := Stamp(stamped, "user_aggregator", 1)
	if restamped.Header() != header {
		t.Fatalf("expected forwarded frame to keep header %+v, got %+v", header, restamped.Header())
	}

	delta, ok := restamped.(TranscriptDelta)
	if !ok || delta.Text != "hello" {
		t.Fatalf("expected stamped frame to keep its payload, got %#v", restamped)
	}
}

func TestTurnIDOf(t *testing.T) {
	testCases := []struct {
		name  string
		frame Frame
		want  string
	}{
		{name: "token delta", frame: LLMTokenDelta{TurnID: "t1"}, want: "t1"},
		{name: "end of turn", frame: EndOfTurn{TurnID: "t2", Cancelled: true}, want: "t2"},
		{name: "synthesized audio", frame: AudioChunk{TurnID: "t3"}, want: "t3"},
		{name: "interrupt", frame: Interrupt{TurnID: "t4"}, want: "t4"},
		{name: "inbound audio", frame: AudioChunk{Audio: []byte{1}}, want: ""},
		{name: "voice activity", frame: VoiceActivity{Started: true}, want: ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := TurnIDOf(tc.frame); got != tc.want {
				t.Fatalf("expected turn id %q, got %q", tc.want, got)
			}
		})
	}
}

func TestKindsAreDistinct(t *testing.T) {
	all := []Frame{
		AudioChunk{}, VoiceActivity{}, TranscriptDelta{}, UserTurnEnd{},
		ParticipantJoined{}, ContextUpdate{}, LLMTokenDelta{}, ToolCallRequest{},
		ToolCallResult{}, SpeechStart{}, SpeechEnd{}, Interrupt{}, EndOfTurn{},
	}

	seen := map[Kind]bool{}
	for _, f := range all {
		if seen[f.Kind()] {
			t.Fatalf("duplicate frame kind %q", f.Kind())
		}
		seen[f.Kind()] = true
	}
}
