package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/referly/leadchat/internal/wire"
)

var errDialRefused = errors.New("connection refused")

// fakeBackend hands out fakeStreams, or blocks/fails according to mode.
type fakeBackend struct {
	name string

	mu      sync.Mutex
	mode    string // "ok", "fail", "hang"
	dials   int
	tokens  []string
	streams []*fakeStream
}

func newFakeBackend(mode string) *fakeBackend {
	return &fakeBackend{name: "fake", mode: mode}
}

func (b *fakeBackend) Name() string { return b.name }

func (b *fakeBackend) setMode(mode string) {
	b.mu.Lock()
	b.mode = mode
	b.mu.Unlock()
}

func (b *fakeBackend) Dial(ctx context.Context, _ string, token string) (Stream, error) {
	b.mu.Lock()
	b.dials++
	b.tokens = append(b.tokens, token)
	mode := b.mode
	b.mu.Unlock()

	switch mode {
	case "fail":
		return nil, errDialRefused
	case "hang":
		<-ctx.Done()
		return nil, ctx.Err()
	}
	s := newFakeStream()
	b.mu.Lock()
	b.streams = append(b.streams, s)
	b.mu.Unlock()
	return s, nil
}

func (b *fakeBackend) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *fakeBackend) stream(i int) *fakeStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i >= len(b.streams) {
		return nil
	}
	return b.streams[i]
}

type fakeStream struct {
	frames chan wire.Frame
	fail   chan error
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []wire.Frame
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		frames: make(chan wire.Frame, 16),
		fail:   make(chan error, 1),
		done:   make(chan struct{}),
	}
}

func (s *fakeStream) Read(ctx context.Context) (wire.Frame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case err := <-s.fail:
		return wire.Frame{}, err
	case <-s.done:
		return wire.Frame{}, errors.New("stream closed")
	case <-ctx.Done():
		return wire.Frame{}, ctx.Err()
	}
}

func (s *fakeStream) Write(_ context.Context, f wire.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, f)
	return nil
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *fakeStream) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *fakeStream) writes() []wire.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wire.Frame(nil), s.written...)
}
