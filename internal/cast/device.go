// Package cast talks to a single Cast receiver: a bounded TCP reachability
// probe, then load, confirm and play of a media URL on the Default Media
// Receiver.
package cast

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	gocast "github.com/barnybug/go-cast"
	"github.com/barnybug/go-cast/controllers"

	appLog "nestalert/internal/log"
)

var (
	// ErrUnreachable is returned by Probe when the device does not accept TCP.
	ErrUnreachable = errors.New("cast: device unreachable")
	// ErrNotActive means playback never reached PLAYING/BUFFERING in time.
	ErrNotActive = errors.New("cast: media did not become active")
	// ErrLoadFailed means the receiver gave up on the media.
	ErrLoadFailed = errors.New("cast: receiver rejected media")
)

// ContentTypeMP3 is the MIME type used for every stream we cast.
const ContentTypeMP3 = "audio/mp3"

// statusPoll is how often the media status is requested while waiting.
const statusPoll = 250 * time.Millisecond

// Device is one named receiver at a fixed address.
type Device struct {
	Name         string
	Host         string
	Port         int
	ProbeTimeout time.Duration

	log *appLog.Logger
}

// NewDevice returns a Device; probeTimeout also bounds the connect.
func NewDevice(name, host string, port int, probeTimeout time.Duration, log *appLog.Logger) *Device {
	if probeTimeout <= 0 {
		probeTimeout = 3 * time.Second
	}
	return &Device{Name: name, Host: host, Port: port, ProbeTimeout: probeTimeout, log: log}
}

// Addr returns host:port.
func (d *Device) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// Probe checks that the device accepts TCP connections within ProbeTimeout.
func (d *Device) Probe(ctx context.Context) error {
	return Probe(ctx, d.Addr(), d.ProbeTimeout)
}

// Probe dials addr once with a bounded timeout and closes the connection.
func Probe(ctx context.Context, addr string, timeout time.Duration) error {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, addr, err)
	}
	return conn.Close()
}

// Play launches the Default Media Receiver, loads url, waits up to
// activeTimeout for playback to start, sends PLAY and then keeps the session
// open for hold so the next caller does not interrupt the announcement.
func (d *Device) Play(ctx context.Context, url string, activeTimeout, hold time.Duration) error {
	ip, err := d.resolve(ctx)
	if err != nil {
		return err
	}

	client := gocast.NewClient(ip, d.Port)
	connectCtx, cancel := context.WithTimeout(ctx, d.ProbeTimeout)
	err = client.Connect(connectCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("cast: connect %s: %w", d.Addr(), err)
	}
	defer client.Close()

	setup, cancel := context.WithTimeout(ctx, activeTimeout+5*time.Second)
	defer cancel()
	media, err := client.Media(setup)
	if err != nil {
		return fmt.Errorf("cast: launch media receiver: %w", err)
	}
	d.log.Debug("cast media receiver ready", "device", d.Name)

	return Stream(ctx, libSession{media}, url, activeTimeout, hold)
}

func (d *Device) resolve(ctx context.Context) (net.IP, error) {
	if ip := net.ParseIP(d.Host); ip != nil {
		return ip, nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, d.Host)
	if err != nil || len(addrs) == 0 {
		return nil, fmt.Errorf("%w: resolve %s: %v", ErrUnreachable, d.Host, err)
	}
	return addrs[0].IP, nil
}

// Session is the media channel of a launched receiver app.
type Session interface {
	Load(ctx context.Context, url, contentType string) error
	// State returns the player state and idle reason of the current item.
	State(ctx context.Context) (state, idleReason string, err error)
	Play(ctx context.Context) error
}

// Stream runs load → wait-active → play → hold on a launched session.
func Stream(ctx context.Context, s Session, url string, activeTimeout, hold time.Duration) error {
	setup, cancel := context.WithTimeout(ctx, activeTimeout+5*time.Second)
	defer cancel()

	if err := s.Load(setup, url, ContentTypeMP3); err != nil {
		return fmt.Errorf("cast: load: %w", err)
	}
	if err := WaitActive(setup, s, activeTimeout); err != nil {
		return err
	}
	if err := s.Play(setup); err != nil {
		return fmt.Errorf("cast: play: %w", err)
	}

	if hold > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(hold):
		}
	}
	return nil
}

// WaitActive polls the session until it reports PLAYING or BUFFERING, at
// most timeout. An IDLE player with an error reason means the receiver
// could not fetch or decode the media.
func WaitActive(ctx context.Context, s Session, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(statusPoll)
	defer ticker.Stop()
	for {
		state, reason, err := s.State(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return ErrNotActive
		case err != nil:
			return fmt.Errorf("cast: media status: %w", err)
		case state == "PLAYING" || state == "BUFFERING":
			return nil
		case state == "IDLE" && (reason == "ERROR" || reason == "CANCELLED"):
			return fmt.Errorf("%w: %s", ErrLoadFailed, reason)
		}

		select {
		case <-ctx.Done():
			return ErrNotActive
		case <-ticker.C:
		}
	}
}

// libSession adapts the go-cast media controller to Session.
type libSession struct {
	m *controllers.MediaController
}

func (l libSession) Load(ctx context.Context, url, contentType string) error {
	item := controllers.MediaItem{
		ContentId:   url,
		ContentType: contentType,
		StreamType:  "BUFFERED",
	}
	_, err := l.m.LoadMedia(ctx, item, 0, true, map[string]interface{}{})
	return err
}

func (l libSession) State(ctx context.Context) (string, string, error) {
	resp, err := l.m.GetStatus(ctx)
	if err != nil {
		return "", "", err
	}
	for _, st := range resp.Status {
		if st != nil {
			return st.PlayerState, st.IdleReason, nil
		}
	}
	return "", "", nil
}

func (l libSession) Play(ctx context.Context) error {
	_, err := l.m.Play(ctx)
	return err
}
