// Package audiohost publishes synthesized MP3 files over plain HTTP so the
// speaker can fetch them from the LAN.
package audiohost

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"nestalert/internal/ledger"
	appLog "nestalert/internal/log"
)

// ErrNotReady is returned when /healthz never answered during startup.
var ErrNotReady = errors.New("audiohost: server did not become ready")

// Artifact is one published audio file.
type Artifact struct {
	Name string
	Path string
	Size int
	// PublicURL is what the speaker fetches; LocalURL is the loopback
	// address used for the self-check.
	PublicURL string
	LocalURL  string
}

// AlertView exposes today's ledger for the read-only /api/alerts endpoint.
type AlertView interface {
	Entries() map[string]ledger.Entry
}

// Options configures a Server.
type Options struct {
	Dir        string
	Listen     string
	PublicAddr string
	Alerts     AlertView
	Events     EventLister
	Clock      func() time.Time
}

// Server is the AudioHost: a directory of MP3 files plus the HTTP listener
// that serves it. Routes:
//
//	GET /healthz        liveness, used once at startup
//	GET /tts/_ls        newline separated file listing
//	GET /tts/:name      the MP3 itself
//	GET /api/alerts     today's ledger as JSON
//	GET /api/events     upcoming events, ?hours=N (default 2)
type Server struct {
	dir        string
	listen     string
	publicAddr string
	alerts     AlertView
	events     EventLister
	clock      func() time.Time
	log        *appLog.Logger
	engine     *gin.Engine

	// port is resolved once the listener is bound.
	port int

	eventsMu    sync.Mutex
	eventsCache *eventsCache
}

// New prepares the directory and router. Nothing listens until Start.
func New(opts Options, log *appLog.Logger) (*Server, error) {
	if opts.Dir == "" {
		return nil, errors.New("audiohost: directory is empty")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	s := &Server{
		dir:        opts.Dir,
		listen:     opts.Listen,
		publicAddr: opts.PublicAddr,
		alerts:     opts.Alerts,
		events:     opts.Events,
		clock:      opts.Clock,
		log:        log,
	}
	if _, p, err := net.SplitHostPort(opts.Listen); err == nil {
		s.port, _ = strconv.Atoi(p)
	}
	s.engine = s.newRouter()
	return s, nil
}

// Handler returns the underlying http.Handler.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) newRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.GET("/tts/:name", s.handleTTS)
	r.GET("/api/alerts", s.handleAlerts)
	r.GET("/api/events", s.handleEvents)

	return r
}

// accessLog mirrors request outcomes into the application log.
func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if c.Request.URL.Path == "/healthz" {
			return
		}
		s.log.Info("http request", "method", c.Request.Method, "path", c.Request.URL.Path, "status", c.Writer.Status())
	}
}

func (s *Server) handleTTS(c *gin.Context) {
	name := c.Param("name")
	c.Header("Cache-Control", "no-store")

	if name == "_ls" {
		names, err := s.names()
		if err != nil {
			s.log.Error("audiohost list failed", err)
			c.String(http.StatusInternalServerError, "list failed")
			return
		}
		body := strings.Join(names, "\n")
		if body != "" {
			body += "\n"
		}
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(body))
		return
	}

	if name != filepath.Base(name) || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".mp3") {
		c.String(http.StatusNotFound, "not found")
		return
	}
	path := filepath.Join(s.dir, name)
	if _, err := os.Stat(path); err != nil {
		s.log.Warn("audiohost file missing", "path", path)
		c.String(http.StatusNotFound, "not found")
		return
	}
	c.Header("Content-Type", "audio/mpeg")
	c.File(path)
}

func (s *Server) handleAlerts(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	if s.alerts == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, s.alerts.Entries())
}

// Start binds the listener, serves in a background goroutine and waits
// (bounded) until /healthz answers. The goroutine lives until the process
// exits or ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("audiohost: listen %s: %w", s.listen, err)
	}
	s.port = ln.Addr().(*net.TCPAddr).Port

	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("audiohost server stopped", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := s.WaitReady(ctx, 50, 100*time.Millisecond); err != nil {
		return err
	}
	s.log.Info("audiohost listening", "dir", s.dir, "list", s.publicBase()+"_ls")
	return nil
}

// WaitReady polls /healthz on loopback up to attempts times.
func (s *Server) WaitReady(ctx context.Context, attempts int, every time.Duration) error {
	client := &http.Client{Timeout: 300 * time.Millisecond}
	url := fmt.Sprintf("http://127.0.0.1:%d/healthz", s.port)
	for i := 0; i < attempts; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		if resp, err := client.Do(req); err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(every):
		}
	}
	return ErrNotReady
}

// Publish writes data under a timestamped, collision-free name and returns
// the URLs it will be reachable at.
func (s *Server) Publish(data []byte) (Artifact, error) {
	if len(data) == 0 {
		return Artifact{}, errors.New("audiohost: refusing to publish empty audio")
	}

	name := fmt.Sprintf("speech_%s_%s.mp3", s.clock().Format("20060102_150405"), uuid.NewString()[:8])
	path := filepath.Join(s.dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return Artifact{}, fmt.Errorf("audiohost: create %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return Artifact{}, fmt.Errorf("audiohost: write %s: %w", name, err)
	}
	// The speaker may request the file immediately; make sure it is complete.
	if err := f.Sync(); err != nil {
		f.Close()
		return Artifact{}, err
	}
	if err := f.Close(); err != nil {
		return Artifact{}, err
	}

	a := Artifact{
		Name:      name,
		Path:      path,
		Size:      len(data),
		PublicURL: s.publicBase() + name,
		LocalURL:  fmt.Sprintf("http://127.0.0.1:%d/tts/%s", s.port, name),
	}
	s.log.Info("audio published", "path", path, "bytes", a.Size)
	return a, nil
}

// List returns the public URLs of every hosted MP3, sorted by name.
func (s *Server) List() ([]string, error) {
	names, err := s.names()
	if err != nil {
		return nil, err
	}
	urls := make([]string, 0, len(names))
	for _, n := range names {
		urls = append(urls, s.publicBase()+n)
	}
	return urls, nil
}

func (s *Server) names() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.mp3"))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, filepath.Base(m))
	}
	sort.Strings(names)
	return names, nil
}

func (s *Server) publicBase() string {
	return "http://" + net.JoinHostPort(s.publicAddr, strconv.Itoa(s.port)) + "/tts/"
}
