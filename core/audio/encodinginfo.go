// Package audio describes the raw audio exchanged between transports and the
// speech services.
package audio

import "time"

const (
	DefaultSampleRate = 16000
	DefaultChannels   = 1
)

type EncodingFormat string

const (
	EncodingMulaw    EncodingFormat = "mulaw"
	EncodingALaw     EncodingFormat = "alaw"
	EncodingLinear16 EncodingFormat = "linear16"
)

// sampleTraits is what the pipeline needs to know about a sample format to
// size and pad chunks of it.
type sampleTraits struct {
	size    int
	silence byte
}

var knownFormats = map[EncodingFormat]sampleTraits{
	EncodingMulaw:    {size: 1, silence: 0xFF},
	EncodingALaw:     {size: 1, silence: 0x55},
	EncodingLinear16: {size: 2, silence: 0x00},
}

func (f EncodingFormat) Name() string { return string(f) }

// ByteSize is the size of a single sample, or -1 for unknown formats.
func (f EncodingFormat) ByteSize() int {
	traits, ok := knownFormats[f]
	if !ok {
		return -1
	}
	return traits.size
}

// EncodingInfo is the shape of a raw audio stream.
type EncodingInfo struct {
	SampleRate int
	Channels   int
	Format     EncodingFormat
}

func GetDefaultEncodingInfo() EncodingInfo {
	return EncodingInfo{
		SampleRate: DefaultSampleRate,
		Channels:   DefaultChannels,
		Format:     EncodingLinear16,
	}
}

// IsZero reports whether the encoding was left unset.
func (e EncodingInfo) IsZero() bool {
	return e.SampleRate == 0 || e.Format == ""
}

// BytesPerSecond is the size of one second of audio, or 0 for unknown
// formats. Channels defaults to mono.
func (e EncodingInfo) BytesPerSecond() int {
	traits, ok := knownFormats[e.Format]
	if !ok {
		return 0
	}
	channels := e.Channels
	if channels <= 0 {
		channels = DefaultChannels
	}
	return e.SampleRate * channels * traits.size
}

// Duration is how long a chunk of the given size plays.
func (e EncodingInfo) Duration(bytes int) time.Duration {
	perSecond := e.BytesPerSecond()
	if perSecond == 0 {
		return 0
	}
	return time.Duration(bytes) * time.Second / time.Duration(perSecond)
}

// SilenceValue is the byte that encodes silence, repeated for every sample.
func (e EncodingInfo) SilenceValue() byte {
	return knownFormats[e.Format].silence
}

// Silence returns a chunk of silence lasting d, rounded down to whole
// samples. Unknown formats yield an empty chunk.
func (e EncodingInfo) Silence(d time.Duration) []byte {
	perSecond := e.BytesPerSecond()
	if perSecond == 0 || d <= 0 {
		return nil
	}
	frame := max(e.Format.ByteSize()*max(e.Channels, 1), 1)
	size := int(int64(perSecond)*int64(d)/int64(time.Second)) / frame * frame

	chunk := make([]byte, size)
	if silence := e.SilenceValue(); silence != 0 {
		for i := range chunk {
			chunk[i] = silence
		}
	}
	return chunk
}
