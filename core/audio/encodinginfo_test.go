package audio

import (
	"testing"
	"time"
)

func TestEncodingInfoDuration(t *testing.T) {
	testCases := []struct {
		name     string
		encoding EncodingInfo
		bytes    int
		expected time.Duration
	}{
		{name: "default linear16", encoding: GetDefaultEncodingInfo(), bytes: 32000, expected: time.Second},
		{name: "telephony mulaw", encoding: EncodingInfo{SampleRate: 8000, Format: EncodingMulaw}, bytes: 1600, expected: 200 * time.Millisecond},
		{name: "stereo", encoding: EncodingInfo{SampleRate: 48000, Channels: 2, Format: EncodingLinear16}, bytes: 19200, expected: 100 * time.Millisecond},
		{name: "unknown format", encoding: EncodingInfo{SampleRate: 16000, Format: "opus"}, bytes: 1000, expected: 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.encoding.Duration(tc.bytes); got != tc.expected {
				t.Fatalf("expected %s, got %s", tc.expected, got)
			}
		})
	}
}

func TestEncodingInfoIsZero(t *testing.T) {
	if !(EncodingInfo{}).IsZero() {
		t.Fatalf("expected empty encoding to be zero")
	}
	if GetDefaultEncodingInfo().IsZero() {
		t.Fatalf("expected default encoding not to be zero")
	}
}

func TestEncodingInfoSilence(t *testing.T) {
	testCases := []struct {
		name     string
		encoding EncodingInfo
		duration time.Duration
		size     int
		value    byte
	}{
		{name: "linear16", encoding: GetDefaultEncodingInfo(), duration: 50 * time.Millisecond, size: 1600, value: 0x00},
		{name: "mulaw", encoding: EncodingInfo{SampleRate: 8000, Format: EncodingMulaw}, duration: 50 * time.Millisecond, size: 400, value: 0xFF},
		{name: "alaw", encoding: EncodingInfo{SampleRate: 8000, Format: EncodingALaw}, duration: 10 * time.Millisecond, size: 80, value: 0x55},
		{name: "whole samples", encoding: EncodingInfo{SampleRate: 44100, Format: EncodingLinear16}, duration: time.Millisecond, size: 88, value: 0x00},
		{name: "unknown format", encoding: EncodingInfo{SampleRate: 16000, Format: "opus"}, duration: time.Second, size: 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			chunk := tc.encoding.Silence(tc.duration)
			if len(chunk) != tc.size {
				t.Fatalf("expected %d bytes, got %d", tc.size, len(chunk))
			}
			for i, b := range chunk {
				if b != tc.value {
					t.Fatalf("expected byte %d to be %#x, got %#x", i, tc.value, b)
				}
			}
		})
	}
}
