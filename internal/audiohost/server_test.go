package audiohost

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nestalert/internal/ledger"
	appLog "nestalert/internal/log"
	"nestalert/internal/model"
)

type staticAlerts map[string]ledger.Entry

func (s staticAlerts) Entries() map[string]ledger.Entry { return s }

func newServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(Options{
		Dir:        t.TempDir(),
		Listen:     "127.0.0.1:0",
		PublicAddr: "192.168.15.6",
		Alerts:     staticAlerts{"Standup": {Date: "2026-10-16", Time: "09:55:00"}},
		Clock:      func() time.Time { return time.Date(2026, 10, 16, 9, 55, 0, 0, time.UTC) },
	}, appLog.Discard())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return s
}

func TestStartPublishAndServe(t *testing.T) {
	s := newServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	a, err := s.Publish([]byte("ID3fake-mp3"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !strings.HasPrefix(a.Name, "speech_20261016_095500_") || !strings.HasSuffix(a.Name, ".mp3") {
		t.Fatalf("name = %q", a.Name)
	}
	if !strings.HasPrefix(a.PublicURL, "http://192.168.15.6:") {
		t.Fatalf("public url = %q", a.PublicURL)
	}

	resp, err := http.Get(a.LocalURL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK || string(body) != "ID3fake-mp3" {
		t.Fatalf("status=%d body=%q", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/mpeg" {
		t.Fatalf("content-type = %q", ct)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("cache-control = %q", cc)
	}

	// Two publishes in the same second must not collide.
	b, err := s.Publish([]byte("second"))
	if err != nil || b.Name == a.Name {
		t.Fatalf("second publish: name=%q err=%v", b.Name, err)
	}
	urls, err := s.List()
	if err != nil || len(urls) != 2 {
		t.Fatalf("list = %v err=%v", urls, err)
	}
}

func TestRoutes(t *testing.T) {
	s := newServer(t)
	if _, err := s.Publish([]byte("abc")); err != nil {
		t.Fatal(err)
	}
	h := s.Handler()

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	if rec := get("/healthz"); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz: %d %q", rec.Code, rec.Body.String())
	}

	ls := get("/tts/_ls")
	if ls.Code != http.StatusOK || strings.Count(ls.Body.String(), ".mp3\n") != 1 {
		t.Fatalf("ls: %d %q", ls.Code, ls.Body.String())
	}

	for _, p := range []string{"/tts/missing.mp3", "/tts/.hidden.mp3", "/tts/notes.txt"} {
		if rec := get(p); rec.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", p, rec.Code)
		}
	}

	alerts := get("/api/alerts")
	var got map[string]ledger.Entry
	if err := json.Unmarshal(alerts.Body.Bytes(), &got); err != nil {
		t.Fatalf("alerts json: %v", err)
	}
	if got["Standup"].Time != "09:55:00" {
		t.Fatalf("alerts = %v", got)
	}
}

func TestPublishRejectsEmpty(t *testing.T) {
	s := newServer(t)
	if _, err := s.Publish(nil); err == nil {
		t.Fatal("expected error")
	}
}

type countingLister struct {
	calls int
	err   error
}

func (l *countingLister) ListUpcomingEvents(ctx context.Context, start, end time.Time) ([]model.Event, error) {
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return []model.Event{{
		SourceID: "work",
		UID:      "standup@test",
		Summary:  "Standup",
		Status:   model.StatusConfirmed,
		Start:    start.Add(5 * time.Minute),
		End:      start.Add(20 * time.Minute),
	}}, nil
}

func TestEventsEndpointCaches(t *testing.T) {
	lister := &countingLister{}
	s, err := New(Options{
		Dir:    t.TempDir(),
		Listen: "127.0.0.1:0",
		Events: lister,
		Clock:  func() time.Time { return time.Date(2026, 10, 16, 9, 55, 0, 0, time.UTC) },
	}, appLog.Discard())
	if err != nil {
		t.Fatal(err)
	}
	h := s.Handler()

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/events?hours=3", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var resp eventsResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if len(resp.Events) != 1 || resp.Events[0].Summary != "Standup" {
			t.Fatalf("events = %+v", resp.Events)
		}
		if resp.RangeEnd.Sub(resp.RangeStart) != 3*time.Hour {
			t.Fatalf("range = %s..%s", resp.RangeStart, resp.RangeEnd)
		}
	}
	if lister.calls != 1 {
		t.Fatalf("expected one listing, got %d", lister.calls)
	}
}

func TestEventsEndpointUpstreamFailure(t *testing.T) {
	s, err := New(Options{
		Dir:    t.TempDir(),
		Listen: "127.0.0.1:0",
		Events: &countingLister{err: errors.New("offline")},
	}, appLog.Discard())
	if err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/events", nil))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
}
