package deepgram

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

const (
	silenceChunkDuration = 50 * time.Millisecond
	// Deepgram only finalizes a segment after it heard the silence following
	// it, so a gap in the inbound audio is filled with that much silence.
	maxSilence        = time.Second
	keepAliveInterval = 5 * time.Second
)

type keepAliveState int

const (
	keepAliveWaiting keepAliveState = iota
	keepAliveSilence
	keepAliveIdle
)

// keepAlive fills gaps in the inbound audio with silence and, once the user
// was quiet for a while, keeps the idle stream open with KeepAlive messages.
func (t *Transcriber) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(silenceChunkDuration)
	defer ticker.Stop()

	chunk := t.encoding.Silence(silenceChunkDuration)

	state := keepAliveWaiting
	var silenceStarted, lastKeepAlive time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			sinceAudio := now.Sub(t.lastAudioAt())

			switch state {
			case keepAliveWaiting:
				if sinceAudio > silenceChunkDuration {
					state = keepAliveSilence
					silenceStarted = now
				}

			case keepAliveSilence:
				if sinceAudio < silenceChunkDuration {
					state = keepAliveWaiting
					continue
				}
				if now.Sub(silenceStarted) >= maxSilence {
					state = keepAliveIdle
					lastKeepAlive = now
					continue
				}
				if err := t.write(websocket.BinaryMessage, chunk); err != nil {
					logger.DebugContext(ctx, "failed to send silence to deepgram", "error", err)
				}

			case keepAliveIdle:
				if sinceAudio < silenceChunkDuration {
					state = keepAliveWaiting
					continue
				}
				if now.Sub(lastKeepAlive) >= keepAliveInterval {
					lastKeepAlive = now
					if err := t.write(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`)); err != nil {
						logger.DebugContext(ctx, "failed to send keep alive to deepgram", "error", err)
					}
				}
			}
		}
	}
}

func (t *Transcriber) lastAudioAt() time.Time {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	return t.lastAudio
}

// write sends without counting as user audio.
func (t *Transcriber) write(messageType int, data []byte) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.conn == nil || t.closing {
		return nil
	}
	return t.conn.WriteMessage(messageType, data)
}
