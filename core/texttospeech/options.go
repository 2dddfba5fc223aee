package texttospeech

import "github.com/koscakluka/ema-pipeline/core/audio"

type Options struct {
	// SpeechAudioCallback is called with every piece of generated audio, in
	// the order it was generated.
	SpeechAudioCallback func(audio []byte)
	// SpeechMarkCallback is called once the speech up to a mark has been
	// generated. It receives the text spoken since the previous mark.
	SpeechMarkCallback func(text string)
	// SpeechEndedCallback is called once all the speech was generated after
	// EndOfText. It is not called for cancelled generators.
	SpeechEndedCallback func()
	// ErrorCallback is called when the generator fails and can not produce
	// any more speech.
	ErrorCallback func(error)

	EncodingInfo audio.EncodingInfo
}

type Option func(*Options)

func WithSpeechAudioCallback(callback func([]byte)) Option {
	return func(o *Options) { o.SpeechAudioCallback = callback }
}

func WithSpeechMarkCallback(callback func(string)) Option {
	return func(o *Options) { o.SpeechMarkCallback = callback }
}

func WithSpeechEndedCallback(callback func()) Option {
	return func(o *Options) { o.SpeechEndedCallback = callback }
}

func WithErrorCallback(callback func(error)) Option {
	return func(o *Options) { o.ErrorCallback = callback }
}

func WithEncodingInfo(encodingInfo audio.EncodingInfo) Option {
	return func(o *Options) {
		if encodingInfo.IsZero() {
			return
		}
		o.EncodingInfo = encodingInfo
	}
}

// DefaultOptions has no-op callbacks so generators can call them without nil
// checks.
func DefaultOptions() Options {
	return Options{
		SpeechAudioCallback: func([]byte) {},
		SpeechMarkCallback:  func(string) {},
		SpeechEndedCallback: func() {},
		ErrorCallback:       func(error) {},
		EncodingInfo:        audio.GetDefaultEncodingInfo(),
	}
}

type SpeechGenerator interface {
	// SendText sends text to the generator. Speech is generated in the order
	// text is sent.
	//
	// SendText fails after EndOfText, Cancel or Close.
	SendText(string) error
	// Mark marks the current point in the text. The mark is reported after the
	// text sent up to it has been generated, not necessarily exactly at it.
	//
	// Mark fails after EndOfText, Cancel or Close.
	Mark() error
	// EndOfText signals that no more text will be sent. The generator closes
	// itself once all the speech has been generated.
	//
	// Repeated calls are ignored. EndOfText fails after Cancel or Close.
	EndOfText() error
	// Cancel stops generating speech right away and closes the generator.
	//
	// Repeated calls are ignored. Cancel fails after Close.
	Cancel() error
	// Close closes the generator. No more speech is generated afterwards.
	//
	// Repeated calls are ignored.
	Close() error
}
