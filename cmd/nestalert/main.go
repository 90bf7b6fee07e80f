package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"nestalert/internal/alert"
	"nestalert/internal/audiohost"
	"nestalert/internal/cast"
	"nestalert/internal/config"
	"nestalert/internal/ics"
	"nestalert/internal/ledger"
	appLog "nestalert/internal/log"
	"nestalert/internal/phrase"
	"nestalert/internal/speech"
	"nestalert/internal/window"
)

// flagConfig holds CLI flag values. Boolean flags only ever switch a
// behavior on; they never turn off what the config file enabled.
type flagConfig struct {
	configPath  string
	envPath     string
	once        bool
	debug       bool
	resetLedger bool
	repeat      bool
	verbose     bool
}

func main() {
	flags := parseFlags()

	// A missing .env is normal outside development.
	envErr := godotenv.Load(flags.envPath)

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.New(os.Stderr, appLog.LevelError).Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	envOverrideErr := conf.ApplyEnv(os.Getenv)
	applyFlags(conf, flags)

	loc := conf.Location()
	clock := func() time.Time { return time.Now().In(loc) }

	consoleLevel := appLog.LevelError
	if conf.Debug.Verbose || conf.Debug.Enabled {
		consoleLevel = appLog.LevelInfo
	}
	if conf.LogLevel != "" {
		consoleLevel = appLog.ParseLevel(conf.LogLevel)
	}
	log := appLog.New(os.Stderr, consoleLevel)
	if f, err := appLog.OpenDailyFile(conf.LogDir, "alerts", clock); err != nil {
		log.Error("cannot open log file, console only", err, "dir", conf.LogDir)
	} else {
		defer f.Close()
		log.AddSink(f, appLog.LevelDebug)
	}

	if envErr != nil {
		log.Debug("no .env loaded", "path", flags.envPath)
	}
	if envOverrideErr != nil {
		log.Warn("ignoring invalid environment overrides", "err", envOverrideErr)
	}

	log.Info("effective config",
		"timezone", conf.Timezone,
		"calendar_id", conf.CalendarID,
		"ics_count", len(conf.ICS),
		"lead_minutes", conf.LeadMinutes,
		"speaker", conf.Speaker.Host,
		"host", conf.Host.Listen,
		"debug", conf.Debug.Enabled,
		"repeat", conf.Debug.RepeatAlerts,
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	led := ledger.Open(conf.LedgerPath, clock, log)
	led.Load()
	if conf.Debug.ResetLedgerOnStart {
		if err := led.Reset(); err != nil {
			log.Error("ledger reset failed", err, "path", conf.LedgerPath)
		} else {
			log.Info("ledger reset", "path", conf.LedgerPath)
		}
	}

	sources, err := ics.SourcesFromConfig(conf.ICS, conf.CalendarID)
	if err != nil {
		log.Error("no calendar to poll", err, "calendar_id", conf.CalendarID)
	}
	calendar := ics.NewCalendar(ics.NewFetcher(conf.ICSCache, 0, log), sources, loc, log)

	host, err := audiohost.New(audiohost.Options{
		Dir:        conf.Host.Dir,
		Listen:     conf.Host.Listen,
		PublicAddr: conf.Host.PublicAddr,
		Alerts:     led,
		Events:     calendar,
		Clock:      clock,
	}, log)
	if err != nil {
		log.Error("failed to prepare audio host", err, "dir", conf.Host.Dir)
		os.Exit(1)
	}
	if err := host.Start(ctx); err != nil {
		// Hosted audio is unavailable, but the fallback path still works.
		log.Error("audio host did not start", err, "listen", conf.Host.Listen)
	}

	synth := speech.NewGoogle(conf.TTS)
	defer synth.Close()

	sp := conf.Speaker
	device := cast.NewDevice(sp.Name, sp.Host, sp.Port, sp.ProbeTimeout, log)
	pipeline := speech.NewPipeline(synth, host, device, speech.Timings{
		ActiveTimeout:         sp.ActiveTimeout,
		Settle:                sp.SettleDelay,
		FallbackActiveTimeout: sp.FallbackActiveTimeout,
		FallbackSettle:        sp.FallbackSettleDelay,
	}, conf.TTS.FallbackLang, log)

	mode := window.ModeStrict
	if conf.Debug.Enabled {
		mode = window.ModeFirstUpcoming
	}
	eval := window.New(
		time.Duration(conf.LeadMinutes)*time.Minute,
		time.Duration(conf.ToleranceSeconds)*time.Second,
		mode,
		conf.ExcludeKeywords,
	)

	cycle := alert.New(calendar, eval, led, phrase.Builder{Template: conf.AlertPhrase}, pipeline, clock, alert.Options{
		Lookahead:      time.Duration(conf.LookaheadHours) * time.Hour,
		DebugLookahead: time.Duration(conf.DebugLookahead) * time.Hour,
		Repeat:         conf.Debug.RepeatAlerts,
		Location:       loc,
	}, log)

	if flags.once {
		cycle.RunSafe(ctx)
		return
	}

	// The ledger is reloaded before each run so the day boundary is honored
	// by a long-running daemon.
	job := func() {
		led.Load()
		cycle.RunSafe(ctx)
	}

	logger := cronLogger{log}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(conf.Schedule, job); err != nil {
		log.Error("invalid schedule", err, "schedule", conf.Schedule)
		os.Exit(1)
	}
	c.Start()
	log.Info("scheduler started", "schedule", conf.Schedule)

	<-ctx.Done()

	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-time.After(30 * time.Second):
		log.Warn("cycle still running at shutdown")
	}
	log.Info("nestalert exiting")
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "./nestalert.yaml", "Path to config file")
	flag.StringVar(&cfg.envPath, "env", ".env", "Path to a .env file with overrides")
	flag.BoolVar(&cfg.once, "once", false, "Run a single poll cycle and exit")
	flag.BoolVar(&cfg.debug, "debug", false, "Alert the first upcoming event (12h lookahead)")
	flag.BoolVar(&cfg.resetLedger, "reset-ledger", false, "Clear today's alert ledger at start")
	flag.BoolVar(&cfg.repeat, "repeat", false, "Alert even if the event was already announced today")
	flag.BoolVar(&cfg.verbose, "verbose", false, "Show INFO logs on the console")

	flag.Parse()

	return cfg
}

func applyFlags(conf *config.Config, f flagConfig) {
	if f.debug {
		conf.Debug.Enabled = true
	}
	if f.resetLedger {
		conf.Debug.ResetLedgerOnStart = true
	}
	if f.repeat {
		conf.Debug.RepeatAlerts = true
	}
	if f.verbose {
		conf.Debug.Verbose = true
	}
}

// cronLogger adapts the app logger to cron.Logger.
type cronLogger struct {
	l *appLog.Logger
}

func (c cronLogger) Info(msg string, kv ...interface{}) {
	c.l.Debug("cron: "+msg, kv...)
}

func (c cronLogger) Error(err error, msg string, kv ...interface{}) {
	c.l.Error("cron: "+msg, err, kv...)
}
