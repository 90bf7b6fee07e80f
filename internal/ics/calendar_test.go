package ics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nestalert/internal/config"
	appLog "nestalert/internal/log"
	"nestalert/internal/model"
)

const sampleICS = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//nestalert//test//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:standup-1\r\n" +
	"SUMMARY:Standup\r\n" +
	"DTSTART:20261016T124500Z\r\n" +
	"DTEND:20261016T130000Z\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:old-sync\r\n" +
	"SUMMARY:Old sync\r\n" +
	"STATUS:CANCELLED\r\n" +
	"DTSTART:20261016T150000Z\r\n" +
	"DTEND:20261016T153000Z\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:daily-1\r\n" +
	"SUMMARY:Daily review\r\n" +
	"DTSTART:20261016T130000Z\r\n" +
	"DTEND:20261016T133000Z\r\n" +
	"RRULE:FREQ=DAILY;COUNT=5\r\n" +
	"EXDATE:20261017T130000Z\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:holiday\r\n" +
	"SUMMARY:Holiday\r\n" +
	"DTSTART;VALUE=DATE:20261017\r\n" +
	"DTEND;VALUE=DATE:20261018\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:untitled\r\n" +
	"DTSTART:20261016T140000Z\r\n" +
	"DTEND:20261016T141500Z\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func newTestCalendar(t *testing.T, url string) *Calendar {
	t.Helper()
	log := appLog.Discard()
	fetcher := NewFetcher(t.TempDir(), 2*time.Second, log)
	return NewCalendar(fetcher, []Source{{ID: "work", URL: url}}, time.UTC, log)
}

func TestListUpcomingEventsExpandsAndSorts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/calendar")
		_, _ = w.Write([]byte(sampleICS))
	}))
	defer srv.Close()

	cal := newTestCalendar(t, srv.URL+"/private.ics")
	start := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	end := time.Date(2026, 10, 18, 14, 0, 0, 0, time.UTC)

	events, err := cal.ListUpcomingEvents(context.Background(), start, end)
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	var daily, cancelled, allDay, untitled int
	for i, ev := range events {
		if i > 0 && ev.Start.Before(events[i-1].Start) {
			t.Fatalf("events not sorted at %d", i)
		}
		switch {
		case ev.Summary == "Daily review":
			daily++
			if ev.Start.Day() == 17 {
				t.Fatal("EXDATE instance was not removed")
			}
		case ev.Status == model.StatusCancelled:
			cancelled++
		case ev.AllDay:
			allDay++
			if ev.HasStartTime() {
				t.Fatal("all-day event reports a concrete start")
			}
		case ev.Summary == model.UntitledSummary:
			untitled++
		}
	}

	if events[0].Summary != "Standup" {
		t.Fatalf("expected Standup first, got %q", events[0].Summary)
	}
	if daily != 2 || cancelled != 1 || allDay != 1 || untitled != 1 {
		t.Fatalf("daily=%d cancelled=%d allDay=%d untitled=%d", daily, cancelled, allDay, untitled)
	}
}

func TestFetcherUsesValidatorsAndCache(t *testing.T) {
	var hits, notModified atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			notModified.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(sampleICS))
	}))

	log := appLog.Discard()
	f := NewFetcher(t.TempDir(), time.Second, log)
	src := Source{ID: "work", URL: srv.URL + "/cal.ics"}

	first, err := f.Fetch(context.Background(), src)
	if err != nil || first.FromCache {
		t.Fatalf("first fetch: cache=%v err=%v", first.FromCache, err)
	}
	second, err := f.Fetch(context.Background(), src)
	if err != nil || !second.FromCache {
		t.Fatalf("second fetch: cache=%v err=%v", second.FromCache, err)
	}
	if notModified.Load() != 1 {
		t.Fatalf("expected one conditional hit, got %d", notModified.Load())
	}

	srv.Close()
	third, err := f.Fetch(context.Background(), src)
	if err != nil {
		t.Fatalf("offline fetch should use cache: %v", err)
	}
	if !third.FromCache || !strings.Contains(string(third.Body), "Standup") {
		t.Fatal("offline fetch did not return cached body")
	}
}

func TestConcurrentFetchesKeepCacheIntact(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(sampleICS))
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	f := NewFetcher(cacheDir, 5*time.Second, appLog.Discard())
	src := Source{ID: "work", URL: srv.URL + "/cal.ics"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.Fetch(context.Background(), src); err != nil {
				t.Errorf("fetch: %v", err)
			}
		}()
	}
	wg.Wait()

	dir := f.cacheDirFor(src.URL)
	body, err := os.ReadFile(filepath.Join(dir, "body.ics"))
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != sampleICS {
		t.Fatalf("cached body corrupted: %d bytes", len(body))
	}
	meta, err := loadMeta(dir)
	if err != nil || meta.ETag != `"v1"` {
		t.Fatalf("meta = %+v err=%v", meta, err)
	}
	leftovers, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if len(leftovers) != 0 {
		t.Fatalf("temp files left behind: %v", leftovers)
	}
}

func TestListUpcomingEventsFailsWithoutData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	cal := newTestCalendar(t, srv.URL)
	now := time.Now()
	if _, err := cal.ListUpcomingEvents(context.Background(), now, now.Add(time.Hour)); err == nil {
		t.Fatal("expected error for unauthorized feed without cache")
	}
}

func TestSourcesFromConfig(t *testing.T) {
	entries := []config.ICSConfig{
		{ID: "primary", URL: "https://example.com/a.ics"},
		{Name: "Team", URL: "https://example.com/b.ics"},
		{ID: "empty"},
	}

	all, err := SourcesFromConfig(entries, "*")
	if err != nil || len(all) != 2 {
		t.Fatalf("all: %v %v", all, err)
	}
	if all[1].ID != "Team" {
		t.Fatalf("expected name fallback, got %q", all[1].ID)
	}

	one, err := SourcesFromConfig(entries, "primary")
	if err != nil || len(one) != 1 || one[0].ID != "primary" {
		t.Fatalf("primary: %v %v", one, err)
	}

	if _, err := SourcesFromConfig(entries, "missing"); !errors.Is(err, ErrNoSources) {
		t.Fatalf("expected ErrNoSources, got %v", err)
	}
}

func TestRedactURL(t *testing.T) {
	got := redactURL("https://calendar.example.com/ical/secret/basic.ics?token=x")
	if got != "https://calendar.example.com/...(redacted)" {
		t.Fatalf("got %q", got)
	}
}
