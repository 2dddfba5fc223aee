// Package device runs a session on the local microphone and speakers.
package device

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/koscakluka/ema-pipeline/core/audio"
	"github.com/koscakluka/ema-pipeline/core/frames"
	"github.com/koscakluka/ema-pipeline/core/pipeline"
)

const InputStageName = "device_input"

// Device captures the microphone as the session's input stage and plays the
// assistant's speech on the speakers. Both use signed 16 bit mono audio.
type Device struct {
	audioContext *malgo.AllocatedContext
	capture      *malgo.Device
	playback     *malgo.Device
	encoding     audio.EncodingInfo

	buffer playbackBuffer

	mu  sync.Mutex
	out pipeline.Emitter
}

type Option func(*Device)

func WithSampleRate(sampleRate int) Option {
	return func(d *Device) {
		if sampleRate > 0 {
			d.encoding.SampleRate = sampleRate
		}
	}
}

// New opens the default capture and playback devices. Playback starts right
// away; capture starts with the pipeline.
func New(opts ...Option) (*Device, error) {
	d := &Device{encoding: audio.GetDefaultEncodingInfo()}
	for _, opt := range opts {
		opt(d)
	}

	audioContext, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logger.Debug("malgo", "message", message)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}
	d.audioContext = audioContext

	if err := d.initPlayback(); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.initCapture(); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.playback.Start(); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to start playback device: %w", err)
	}
	return d, nil
}

func (d *Device) initPlayback() error {
	bytesPerFrame := malgo.SampleSizeInBytes(malgo.FormatS16)

	config := malgo.DefaultDeviceConfig(malgo.Playback)
	config.SampleRate = uint32(d.encoding.SampleRate)
	config.Playback.Format = malgo.FormatS16
	config.Playback.Channels = 1
	config.Alsa.NoMMap = 1
	config.PeriodSizeInFrames = uint32(d.encoding.SampleRate / 10)
	config.Periods = 4

	silence := d.encoding.SilenceValue()
	device, err := malgo.InitDevice(d.audioContext.Context, config, malgo.DeviceCallbacks{
		Data: func(output, _ []byte, frameCount uint32) {
			n := min(int(frameCount)*bytesPerFrame, len(output))
			marks := d.buffer.read(output[:n], silence)
			if len(marks) > 0 {
				go func() {
					for _, mark := range marks {
						mark.callback(mark.name)
					}
				}()
			}
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize playback device: %w", err)
	}
	d.playback = device
	return nil
}

func (d *Device) initCapture() error {
	bytesPerFrame := malgo.SampleSizeInBytes(malgo.FormatS16)

	config := malgo.DefaultDeviceConfig(malgo.Capture)
	config.SampleRate = uint32(d.encoding.SampleRate)
	config.Capture.Format = malgo.FormatS16
	config.Capture.Channels = 1
	config.Alsa.NoMMap = 1
	config.PerformanceProfile = malgo.LowLatency
	config.PeriodSizeInFrames = uint32(d.encoding.SampleRate / 100 * 3)
	config.Periods = 3

	device, err := malgo.InitDevice(d.audioContext.Context, config, malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			n := int(frameCount) * bytesPerFrame
			if n == 0 || len(input) < n {
				return
			}

			d.mu.Lock()
			out := d.out
			d.mu.Unlock()
			if out == nil {
				return
			}
			// the device reuses its buffer
			out.Emit(frames.AudioChunk{
				Audio:      bytes.Clone(input[:n]),
				SampleRate: d.encoding.SampleRate,
				Channels:   1,
			}, frames.Downstream)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize capture device: %w", err)
	}
	d.capture = device
	return nil
}

func (d *Device) Name() string { return InputStageName }

func (d *Device) Start(_ context.Context, out pipeline.Emitter) error {
	d.mu.Lock()
	d.out = out
	d.mu.Unlock()

	if err := d.capture.Start(); err != nil {
		return fmt.Errorf("failed to start capture device: %w", err)
	}
	return nil
}

func (d *Device) ProcessFrame(_ context.Context, frame frames.Frame, dir frames.Direction, out pipeline.Emitter) error {
	pipeline.Passthrough(frame, dir, out)
	return nil
}

func (d *Device) Stop(context.Context) error {
	d.mu.Lock()
	d.out = nil
	d.mu.Unlock()

	if d.capture == nil || !d.capture.IsStarted() {
		return nil
	}
	if err := d.capture.Stop(); err != nil {
		return fmt.Errorf("failed to stop capture device: %w", err)
	}
	return nil
}

// Close releases the devices. The device can not be used afterwards.
func (d *Device) Close() {
	if d.capture != nil {
		d.capture.Uninit()
		d.capture = nil
	}
	if d.playback != nil {
		d.playback.Uninit()
		d.playback = nil
	}
	if d.audioContext != nil {
		_ = d.audioContext.Uninit()
		d.audioContext.Free()
		d.audioContext = nil
	}
}

func (d *Device) EncodingInfo() audio.EncodingInfo { return d.encoding }

func (d *Device) SendAudio(chunk []byte) error {
	if d.playback == nil || !d.playback.IsStarted() {
		return fmt.Errorf("playback device not started")
	}
	d.buffer.write(chunk)
	return nil
}

func (d *Device) ClearBuffer() {
	d.buffer.clear()
}

// Mark calls back once everything sent before it was played.
func (d *Device) Mark(name string, callback func(string)) error {
	d.buffer.mark(name, callback)
	return nil
}
