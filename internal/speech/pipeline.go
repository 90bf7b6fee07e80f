// Package speech turns an utterance into sound on the speaker: cloud
// synthesis, local hosting and cast, with a public TTS stream as fallback.
package speech

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"nestalert/internal/audiohost"
	appLog "nestalert/internal/log"
)

// Stage names one step of a delivery.
type Stage string

const (
	StageSynthesize Stage = "synthesize"
	StageHost       Stage = "host"
	StageSelfCheck  Stage = "self-check"
	StageProbe      Stage = "probe"
	StageCast       Stage = "cast"
	StageFallback   Stage = "fallback"
)

// Outcome is how a delivery ended.
type Outcome string

const (
	OutcomeCast        Outcome = "cast"
	OutcomeFallback    Outcome = "fallback"
	OutcomeUndelivered Outcome = "undelivered"
)

// StageResult records one executed stage.
type StageResult struct {
	Stage   Stage
	Err     error
	Elapsed time.Duration
}

// Report describes a delivery attempt. It is only logged.
type Report struct {
	Stages  []StageResult
	Outcome Outcome
}

// Ran reports whether stage was executed and how many times.
func (r Report) Ran(stage Stage) int {
	n := 0
	for _, s := range r.Stages {
		if s.Stage == stage {
			n++
		}
	}
	return n
}

func (r Report) String() string {
	parts := make([]string, 0, len(r.Stages))
	for _, s := range r.Stages {
		st := "ok"
		if s.Err != nil {
			st = "failed"
		}
		parts = append(parts, fmt.Sprintf("%s:%s", s.Stage, st))
	}
	return fmt.Sprintf("%s [%s]", r.Outcome, strings.Join(parts, " "))
}

// Host publishes audio bytes and returns where they can be fetched.
type Host interface {
	Publish(data []byte) (audiohost.Artifact, error)
}

// Speaker is the playback device.
type Speaker interface {
	Probe(ctx context.Context) error
	Play(ctx context.Context, url string, activeTimeout, hold time.Duration) error
}

// Timings bounds every wait in the pipeline.
type Timings struct {
	ActiveTimeout         time.Duration
	Settle                time.Duration
	FallbackActiveTimeout time.Duration
	FallbackSettle        time.Duration
	SelfCheckTimeout      time.Duration
}

func (t *Timings) normalize() {
	if t.ActiveTimeout <= 0 {
		t.ActiveTimeout = 5 * time.Second
	}
	if t.Settle < 0 {
		t.Settle = 0
	}
	if t.FallbackActiveTimeout <= 0 {
		t.FallbackActiveTimeout = 10 * time.Second
	}
	if t.FallbackSettle < 0 {
		t.FallbackSettle = 0
	}
	if t.SelfCheckTimeout <= 0 {
		t.SelfCheckTimeout = 3 * time.Second
	}
}

// Pipeline delivers one utterance at a time.
type Pipeline struct {
	synth        Synthesizer
	host         Host
	speaker      Speaker
	timings      Timings
	fallbackLang string
	http         *http.Client
	log          *appLog.Logger
}

// NewPipeline wires the stages together.
func NewPipeline(synth Synthesizer, host Host, speaker Speaker, timings Timings, fallbackLang string, log *appLog.Logger) *Pipeline {
	timings.normalize()
	if fallbackLang == "" {
		fallbackLang = "en"
	}
	return &Pipeline{
		synth:        synth,
		host:         host,
		speaker:      speaker,
		timings:      timings,
		fallbackLang: fallbackLang,
		http:         &http.Client{Timeout: timings.SelfCheckTimeout},
		log:          log,
	}
}

// Deliver speaks text on the device. It never returns an error and never
// panics; what happened is in the Report.
func (p *Pipeline) Deliver(ctx context.Context, text string) (rep Report) {
	rep.Outcome = OutcomeUndelivered
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("delivery panicked", fmt.Errorf("%v", r))
			rep.Outcome = OutcomeUndelivered
		}
	}()

	if p.deliverPrimary(ctx, text, &rep) {
		rep.Outcome = OutcomeCast
		return rep
	}
	if p.deliverFallback(ctx, text, &rep) {
		rep.Outcome = OutcomeFallback
	}
	return rep
}

func (p *Pipeline) deliverPrimary(ctx context.Context, text string, rep *Report) (ok bool) {
	// A panic anywhere on this path still leaves the fallback to try.
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("primary delivery panicked, using fallback", fmt.Errorf("%v", r))
			ok = false
		}
	}()

	var audio []byte
	if err := p.step(rep, StageSynthesize, func() (err error) {
		audio, err = p.synth.Synthesize(ctx, text)
		return err
	}); err != nil {
		p.log.Error("synthesis failed, using fallback", err)
		return false
	}

	var art audiohost.Artifact
	if err := p.step(rep, StageHost, func() (err error) {
		art, err = p.host.Publish(audio)
		return err
	}); err != nil {
		p.log.Error("publishing audio failed, using fallback", err)
		return false
	}
	p.log.Debug("audio hosted", "file", art.Name, "url", art.PublicURL)

	// Informational only: a failed self-check does not stop the cast.
	if err := p.step(rep, StageSelfCheck, func() error {
		return p.selfCheck(ctx, art.LocalURL)
	}); err != nil {
		p.log.Warn("audio self-check failed", "url", art.LocalURL, "err", err)
	}

	if err := p.step(rep, StageProbe, func() error {
		return p.speaker.Probe(ctx)
	}); err != nil {
		p.log.Error("speaker unreachable, using fallback", err)
		return false
	}

	if err := p.step(rep, StageCast, func() error {
		return p.speaker.Play(ctx, art.PublicURL, p.timings.ActiveTimeout, p.timings.Settle)
	}); err != nil {
		p.log.Error("cast failed, using fallback", err, "url", art.PublicURL)
		return false
	}
	p.log.Info("alert played on speaker", "url", art.PublicURL)
	return true
}

func (p *Pipeline) deliverFallback(ctx context.Context, text string, rep *Report) bool {
	if err := p.step(rep, StageProbe, func() error {
		return p.speaker.Probe(ctx)
	}); err != nil {
		p.log.Error("fallback skipped, speaker unreachable", err)
		return false
	}

	u := FallbackURL(text, p.fallbackLang)
	if err := p.step(rep, StageFallback, func() error {
		return p.speaker.Play(ctx, u, p.timings.FallbackActiveTimeout, p.timings.FallbackSettle)
	}); err != nil {
		p.log.Error("fallback cast failed", err)
		return false
	}
	p.log.Info("alert played via fallback stream")
	return true
}

func (p *Pipeline) step(rep *Report, stage Stage, fn func() error) error {
	start := time.Now()
	err := fn()
	rep.Stages = append(rep.Stages, StageResult{Stage: stage, Err: err, Elapsed: time.Since(start)})
	return err
}

func (p *Pipeline) selfCheck(ctx context.Context, u string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	n, _ := io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("self-check: status %d", resp.StatusCode)
	}
	p.log.Debug("audio self-check ok", "url", u, "bytes", n)
	return nil
}
