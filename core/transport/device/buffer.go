package device

import "sync"

// playbackBuffer holds the audio waiting to be played and the marks placed
// in it. Mark positions are offsets into the waiting audio.
type playbackBuffer struct {
	mu    sync.Mutex
	audio []byte
	marks []playbackMark
}

type playbackMark struct {
	name     string
	position int
	callback func(string)
}

func (b *playbackBuffer) write(chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.audio = append(b.audio, chunk...)
}

func (b *playbackBuffer) mark(name string, callback func(string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marks = append(b.marks, playbackMark{name: name, position: len(b.audio), callback: callback})
}

// read fills out with the next audio, padding with silence once the buffer
// runs dry, and returns the marks that were reached.
func (b *playbackBuffer) read(out []byte, silence byte) []playbackMark {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := copy(out, b.audio)
	for i := n; i < len(out); i++ {
		out[i] = silence
	}
	b.audio = b.audio[n:]
	if len(b.audio) == 0 {
		b.audio = nil
	}

	reached := 0
	for reached < len(b.marks) && b.marks[reached].position <= n {
		reached++
	}
	passed := b.marks[:reached:reached]
	b.marks = b.marks[reached:]
	for i := range b.marks {
		b.marks[i].position -= n
	}
	return passed
}

// clear drops the waiting audio. Marks placed in it are never reached.
func (b *playbackBuffer) clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.audio = nil
	b.marks = nil
}

func (b *playbackBuffer) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.audio)
}
