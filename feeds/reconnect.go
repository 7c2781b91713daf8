package feeds

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RECONNECTOR - Shared WebSocket connection state machine
// ═══════════════════════════════════════════════════════════════════════════════
//
//   Disconnected → Connecting → Connected
//        ↑              ↑           │ close/error
//        │              └─ Reconnecting(backoff) ←┘
//        └──── stop          │ attempts > max
//                            ↓
//                          GivenUp  → OnDisconnected (once)
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	writeWait = 10 * time.Second

	DefaultMaxReconnectAttempts = 15
)

// ConnState is the reconnect state machine position
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateGivenUp
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateGivenUp:
		return "given_up"
	default:
		return "unknown"
	}
}

// ReconnectConfig controls backoff and keep-alive
type ReconnectConfig struct {
	URL          string
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Jitter       time.Duration
	MaxAttempts  int
	PingInterval time.Duration
	PongWait     time.Duration
}

func (c ReconnectConfig) withDefaults() ReconnectConfig {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 60 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxReconnectAttempts
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = c.PingInterval * 2
	}
	return c
}

// DialFunc opens a WebSocket connection
type DialFunc func(ctx context.Context, url string) (*websocket.Conn, error)

// DefaultDial dials with gorilla's default dialer
func DefaultDial(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	return conn, err
}

// Handlers are the owner's callbacks. All are optional.
type Handlers struct {
	// OnConnect runs after every successful dial, before reading starts
	OnConnect func() error
	// OnMessage receives every text/binary frame
	OnMessage func(data []byte)
	// OnDisconnected fires once when the state machine gives up
	OnDisconnected func()
	// OnStateChange observes every transition
	OnStateChange func(ConnState)
}

// Reconnector owns one logical WebSocket connection
type Reconnector struct {
	name string
	cfg  ReconnectConfig
	h    Handlers
	dial DialFunc

	mu          sync.RWMutex
	state       ConnState
	attempts    int
	conn        *websocket.Conn
	lastMessage time.Time
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}

	writeMu sync.Mutex

	// sleep waits d or until ctx ends; false means ctx ended
	sleep  func(ctx context.Context, d time.Duration) bool
	jitter func(max time.Duration) time.Duration
}

// NewReconnector creates a reconnector; call Start to connect
func NewReconnector(name string, cfg ReconnectConfig, h Handlers) *Reconnector {
	return &Reconnector{
		name:   name,
		cfg:    cfg.withDefaults(),
		h:      h,
		dial:   DefaultDial,
		sleep:  sleepCtx,
		jitter: randomJitter,
	}
}

// SetDialer replaces the dial function
func (r *Reconnector) SetDialer(dial DialFunc) {
	r.dial = dial
}

// Start launches the connection loop
func (r *Reconnector) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.running = true
	r.cancel = cancel
	r.done = make(chan struct{})
	r.attempts = 0
	done := r.done
	r.mu.Unlock()

	go func() {
		defer close(done)
		r.run(ctx)
	}()
}

// Stop cancels the loop, closes the socket and waits for the loop to exit
func (r *Reconnector) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel, done, conn := r.cancel, r.done, r.conn
	r.mu.Unlock()

	cancel()
	if conn != nil {
		conn.Close()
	}
	<-done
}

// Done is closed once the loop has exited (stopped or given up)
func (r *Reconnector) Done() <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.done
}

// State returns the current state
func (r *Reconnector) State() ConnState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Attempts returns consecutive failed attempts since the last connect
func (r *Reconnector) Attempts() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.attempts
}

// LastMessage returns when the last frame arrived
func (r *Reconnector) LastMessage() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastMessage
}

// WriteJSON sends v on the live connection
func (r *Reconnector) WriteJSON(v any) error {
	r.mu.RLock()
	conn, state := r.conn, r.state
	r.mu.RUnlock()

	if conn == nil || state != StateConnected {
		return errNotConnected
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

var errNotConnected = errors.New("not connected")

// Backoff returns the delay before reconnect attempt n (1-based):
// base·2^(n-1) capped at MaxDelay, plus up to Jitter.
func (r *Reconnector) Backoff(attempt int) time.Duration {
	delay := r.cfg.MaxDelay
	if attempt < 1 {
		attempt = 1
	}
	if attempt <= 31 {
		if d := r.cfg.BaseDelay << uint(attempt-1); d > 0 && d < r.cfg.MaxDelay {
			delay = d
		}
	}
	if r.cfg.Jitter > 0 {
		delay += r.jitter(r.cfg.Jitter)
	}
	return delay
}

func (r *Reconnector) setState(s ConnState) {
	r.mu.Lock()
	changed := r.state != s
	r.state = s
	r.mu.Unlock()

	if changed && r.h.OnStateChange != nil {
		r.h.OnStateChange(s)
	}
}

// run drives the state machine until ctx ends or attempts are exhausted
func (r *Reconnector) run(ctx context.Context) {
	for {
		r.setState(StateConnecting)

		conn, err := r.dial(ctx, r.cfg.URL)
		if err == nil {
			r.serve(ctx, conn)
		} else if ctx.Err() == nil {
			log.Warn().Err(err).Str("feed", r.name).Int("attempt", r.Attempts()).Msg("⚠️ Dial failed")
		}

		if ctx.Err() != nil {
			r.setState(StateDisconnected)
			return
		}

		r.mu.Lock()
		r.attempts++
		attempt := r.attempts
		r.mu.Unlock()

		if attempt > r.cfg.MaxAttempts {
			r.setState(StateGivenUp)
			log.Error().Str("feed", r.name).Int("attempts", r.cfg.MaxAttempts).Msg("🔌 Reconnect attempts exhausted")
			if r.h.OnDisconnected != nil {
				r.h.OnDisconnected()
			}
			return
		}

		r.setState(StateReconnecting)
		delay := r.Backoff(attempt)
		log.Warn().Str("feed", r.name).Int("attempt", attempt).Dur("delay", delay).Msg("🔄 Reconnecting")
		if !r.sleep(ctx, delay) {
			r.setState(StateDisconnected)
			return
		}
	}
}

// serve runs one connected session and returns when the socket dies
func (r *Reconnector) serve(ctx context.Context, conn *websocket.Conn) {
	r.mu.Lock()
	r.conn = conn
	r.attempts = 0
	r.mu.Unlock()
	r.setState(StateConnected)

	log.Info().Str("feed", r.name).Msg("🔌 WebSocket connected")

	defer func() {
		r.mu.Lock()
		r.conn = nil
		r.mu.Unlock()
		conn.Close()
	}()

	// Stop may have raced the dial
	if ctx.Err() != nil {
		return
	}

	if r.h.OnConnect != nil {
		if err := r.h.OnConnect(); err != nil {
			log.Warn().Err(err).Str("feed", r.name).Msg("Connect hook failed")
			return
		}
	}

	conn.SetReadDeadline(time.Now().Add(r.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(r.cfg.PongWait))
	})

	sessionDone := make(chan struct{})
	defer close(sessionDone)
	go r.pingLoop(conn, sessionDone)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Str("feed", r.name).Msg("Read error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(r.cfg.PongWait))

		r.mu.Lock()
		r.lastMessage = time.Now()
		r.mu.Unlock()

		if r.h.OnMessage != nil {
			r.h.OnMessage(message)
		}
	}
}

// pingLoop sends periodic pings to keep connection alive
func (r *Reconnector) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(r.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			r.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			r.writeMu.Unlock()
			if err != nil {
				log.Debug().Err(err).Str("feed", r.name).Msg("Ping failed")
				conn.Close()
				return
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
