// Package deepgram generates speech with Deepgram's streaming text-to-speech
// websocket API.
package deepgram

import (
	"fmt"
	"net/url"
	"os"
	"slices"
	"strconv"

	"github.com/koscakluka/ema-pipeline/core/audio"
)

const defaultSpeakURL = "wss://api.deepgram.com/v1/speak"

type TextToSpeechClient struct {
	apiKey  string
	voice   Voice
	baseURL string
}

type ClientOption func(*TextToSpeechClient)

// WithAPIKey sets the API key. It defaults to DEEPGRAM_API_KEY.
func WithAPIKey(apiKey string) ClientOption {
	return func(c *TextToSpeechClient) { c.apiKey = apiKey }
}

func WithVoice(voice Voice) ClientOption {
	return func(c *TextToSpeechClient) { c.voice = voice }
}

// WithBaseURL points the client at a different speak endpoint.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *TextToSpeechClient) { c.baseURL = baseURL }
}

func NewTextToSpeechClient(opts ...ClientOption) (*TextToSpeechClient, error) {
	client := &TextToSpeechClient{
		apiKey:  os.Getenv("DEEPGRAM_API_KEY"),
		voice:   DefaultVoice,
		baseURL: defaultSpeakURL,
	}
	for _, opt := range opts {
		opt(client)
	}

	if client.apiKey == "" {
		return nil, fmt.Errorf("deepgram api key not found")
	}
	if !slices.Contains(AvailableVoices(), client.voice) {
		return nil, fmt.Errorf("invalid voice %q", client.voice)
	}
	return client, nil
}

func (c *TextToSpeechClient) Voice() Voice { return c.voice }

func (c *TextToSpeechClient) speakURL(encoding audio.EncodingInfo) (string, error) {
	if err := checkEncoding(encoding); err != nil {
		return "", err
	}

	speakURL, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid speak url: %w", err)
	}
	query := speakURL.Query()
	query.Set("encoding", encoding.Format.Name())
	query.Set("sample_rate", strconv.Itoa(encoding.SampleRate))
	query.Set("model", string(c.voice))
	query.Set("container", "none")
	speakURL.RawQuery = query.Encode()
	return speakURL.String(), nil
}

func checkEncoding(encoding audio.EncodingInfo) error {
	switch encoding.Format {
	case audio.EncodingLinear16:
		switch encoding.SampleRate {
		case 8000, 16000, 24000, 32000, 48000:
			return nil
		}
	case audio.EncodingMulaw, audio.EncodingALaw:
		switch encoding.SampleRate {
		case 8000, 16000:
			return nil
		}
	default:
		return fmt.Errorf("unsupported encoding %q", encoding.Format)
	}
	return fmt.Errorf("unsupported sample rate %d for %s", encoding.SampleRate, encoding.Format.Name())
}
