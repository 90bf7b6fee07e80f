package cast

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

// fakeSession replays a fixed sequence of player states.
type fakeSession struct {
	states  []string
	reason  string
	loadErr error

	loaded      string
	contentType string
	polls       int
	played      bool
}

func (f *fakeSession) Load(ctx context.Context, url, contentType string) error {
	f.loaded, f.contentType = url, contentType
	return f.loadErr
}

func (f *fakeSession) State(ctx context.Context) (string, string, error) {
	i := f.polls
	f.polls++
	if i >= len(f.states) {
		i = len(f.states) - 1
	}
	return f.states[i], f.reason, nil
}

func (f *fakeSession) Play(ctx context.Context) error {
	f.played = true
	return nil
}

func TestStreamLoadsAndPlays(t *testing.T) {
	s := &fakeSession{states: []string{"IDLE", "BUFFERING"}}

	err := Stream(context.Background(), s, "http://192.168.15.6:8001/tts/a.mp3", 2*time.Second, 0)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if s.loaded != "http://192.168.15.6:8001/tts/a.mp3" || s.contentType != ContentTypeMP3 {
		t.Fatalf("loaded %q as %q", s.loaded, s.contentType)
	}
	if !s.played || s.polls != 2 {
		t.Fatalf("played=%v polls=%d", s.played, s.polls)
	}
}

func TestStreamLoadFailed(t *testing.T) {
	s := &fakeSession{states: []string{"IDLE"}, reason: "ERROR"}

	err := Stream(context.Background(), s, "http://bad/x.mp3", time.Second, 0)
	if !errors.Is(err, ErrLoadFailed) {
		t.Fatalf("expected ErrLoadFailed, got %v", err)
	}
	if s.played {
		t.Fatal("PLAY sent after a failed load")
	}
}

func TestStreamLoadError(t *testing.T) {
	s := &fakeSession{states: []string{"IDLE"}, loadErr: errors.New("invalid request")}
	if err := Stream(context.Background(), s, "http://bad/x.mp3", time.Second, 0); err == nil {
		t.Fatal("expected error")
	}
}

func TestStreamTimesOutWhenNeverActive(t *testing.T) {
	s := &fakeSession{states: []string{"IDLE"}}

	start := time.Now()
	err := Stream(context.Background(), s, "http://slow/x.mp3", 300*time.Millisecond, 0)
	if !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("wait was not bounded")
	}
}

func TestStreamHoldsAfterPlay(t *testing.T) {
	s := &fakeSession{states: []string{"PLAYING"}}

	start := time.Now()
	if err := Stream(context.Background(), s, "http://x/a.mp3", time.Second, 100*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) < 100*time.Millisecond {
		t.Fatal("returned before the hold elapsed")
	}
}

func TestProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()

	if err := Probe(context.Background(), addr, time.Second); err != nil {
		t.Fatalf("probe open port: %v", err)
	}

	ln.Close()
	if err := Probe(context.Background(), addr, 200*time.Millisecond); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}

func TestPlayUnreachableDevice(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	d := NewDevice("test", "127.0.0.1", port, 200*time.Millisecond, nil)
	if err := d.Play(context.Background(), "http://x/a.mp3", time.Second, 0); err == nil {
		t.Fatal("expected connect error")
	}
}
