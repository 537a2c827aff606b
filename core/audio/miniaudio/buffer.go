package miniaudio

import "sync"

// playbackBuffer queues audio waiting for the playback device. Marks are
// positioned relative to the start of the queued audio.
type playbackBuffer struct {
	mu    sync.Mutex
	audio []byte
	marks []mark
}

type mark struct {
	name     string
	offset   int
	callback func(string)
}

func (b *playbackBuffer) push(audio []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.audio = append(b.audio, audio...)
}

// mark registers callback to fire once everything queued so far is played.
func (b *playbackBuffer) mark(name string, callback func(string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marks = append(b.marks, mark{name: name, offset: len(b.audio), callback: callback})
}

func (b *playbackBuffer) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.audio = nil
	b.marks = nil
}

// read fills out with queued audio, padding with silence, and returns the
// marks reached by this period.
func (b *playbackBuffer) read(out []byte) []mark {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := copy(out, b.audio)
	b.audio = b.audio[n:]
	clear(out[n:])

	reached := 0
	for reached < len(b.marks) && b.marks[reached].offset <= len(out) {
		reached++
	}
	fired := b.marks[:reached:reached]
	b.marks = b.marks[reached:]
	for i := range b.marks {
		b.marks[i].offset -= len(out)
	}
	return fired
}
