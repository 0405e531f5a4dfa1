package gateway

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	jww "github.com/spf13/jwalterweatherman"

	"termchat/internal/apperr"
)

// State of the gateway session machine.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateIdentifying
	StateResuming
	StateReady
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateIdentifying:
		return "identifying"
	case StateResuming:
		return "resuming"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

type Config struct {
	URL     string
	Token   string
	Intents int

	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration

	// AckMultiplier scales the heartbeat interval into the missed-ack
	// deadline. Kept slightly above 1 so one late ack does not kill an
	// otherwise healthy link.
	AckMultiplier float64

	BackoffBase time.Duration
	BackoffCap  time.Duration
	MaxAttempts int
}

func (c *Config) fillDefaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.AckMultiplier == 0 {
		c.AckMultiplier = 1.2
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = 60 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 10
	}
	if c.Intents == 0 {
		c.Intents = DefaultIntents
	}
}

// Dialer opens a gateway connection. Tests substitute their own.
type Dialer func(ctx context.Context, url string, timeout time.Duration) (*Conn, error)

// Session owns the socket lifecycle: handshake, heartbeat, resume and
// reconnect policy. It feeds every decoded event, in arrival order, into the
// sink, which is the sole write path into the state store.
type Session struct {
	cfg  Config
	dial Dialer
	sink func(Event)

	onState func(State)

	state atomic.Int32

	// reconnect-in-progress guard: collapses concurrent triggers (missed
	// ack, socket error, server Reconnect) into a single attempt.
	reconnecting atomic.Bool

	mu        sync.Mutex
	conn      *Conn
	sessionID string
	seq       int64
	resumeURL string
	expired   bool // resume lost; next Ready follows a full rebuild

	jitter func() float64
}

func NewSession(cfg Config, sink func(Event)) *Session {
	cfg.fillDefaults()
	return &Session{
		cfg:    cfg,
		dial:   Dial,
		sink:   sink,
		jitter: rand.Float64,
	}
}

// SetDialer replaces the websocket dialer. Test hook.
func (s *Session) SetDialer(d Dialer) { s.dial = d }

// OnStateChange registers a callback invoked on every state transition.
func (s *Session) OnStateChange(fn func(State)) { s.onState = fn }

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old != st {
		jww.DEBUG.Printf("gateway: %s -> %s", old, st)
		if s.onState != nil {
			s.onState(st)
		}
	}
}

// Seq reports the last applied sequence number.
func (s *Session) Seq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

func (s *Session) canResume() (string, string, int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID, s.resumeURL, s.seq, s.sessionID != "" && s.seq > 0
}

func (s *Session) clearResumeState() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = ""
	s.resumeURL = ""
	s.seq = 0
	s.expired = true
}

// Run drives the session until ctx is cancelled, the token is rejected, or
// the retry budget is exhausted. Reconnects are handled internally; the only
// errors surfaced are terminal ones.
func (s *Session) Run(ctx context.Context) error {
	defer s.setState(StateDisconnected)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.BackoffBase
	bo.MaxInterval = s.cfg.BackoffCap
	bo.MaxElapsedTime = 0
	bo.Reset()

	attempts := 0
	for {
		readySeen, err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil && !apperr.Retryable(err) {
			jww.ERROR.Printf("gateway: terminal failure: %v", err)
			return err
		}
		if readySeen {
			attempts = 0
			bo.Reset()
		}
		attempts++
		if attempts > s.cfg.MaxAttempts {
			jww.ERROR.Printf("gateway: giving up after %d attempts: %v", attempts-1, err)
			return apperr.Wrap(apperr.Transport, err, "retries exhausted")
		}

		if !s.reconnecting.CompareAndSwap(false, true) {
			// another path already scheduled the reconnect
			continue
		}
		s.setState(StateReconnecting)
		wait := bo.NextBackOff()
		jww.INFO.Printf("gateway: reconnecting in %s (attempt %d): %v", wait, attempts, err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			s.reconnecting.Store(false)
			return nil
		}
		s.reconnecting.Store(false)
	}
}

// runOnce performs a single connect→ready→pump cycle. It returns whether the
// connection reached Ready, and the error that ended it.
func (s *Session) runOnce(ctx context.Context) (readySeen bool, err error) {
	s.setState(StateConnecting)

	url := s.cfg.URL
	sessionID, resumeURL, seq, resumable := s.canResume()
	if resumable && resumeURL != "" {
		url = resumeURL
	}

	conn, err := s.dial(ctx, url, s.cfg.ConnectTimeout)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()

	s.setState(StateHandshaking)
	hello, err := s.awaitHello(ctx, conn)
	if err != nil {
		return false, err
	}

	if resumable {
		s.setState(StateResuming)
		err = conn.Send(ctx, resumePayload(s.cfg.Token, sessionID, seq))
	} else {
		s.setState(StateIdentifying)
		err = conn.Send(ctx, identifyPayload(s.cfg.Token, s.cfg.Intents))
	}
	if err != nil {
		return false, err
	}

	return s.pump(ctx, conn, hello.HeartbeatInterval)
}

func (s *Session) awaitHello(ctx context.Context, conn *Conn) (Hello, error) {
	timer := time.NewTimer(s.cfg.HandshakeTimeout)
	defer timer.Stop()

	for {
		select {
		case raw, ok := <-conn.Frames():
			if !ok {
				return Hello{}, conn.Err()
			}
			ev, err := Decode(raw)
			if err != nil {
				// malformed handshake frame is fatal for this attempt
				return Hello{}, err
			}
			switch e := ev.(type) {
			case Hello:
				return e, nil
			case HeartbeatRequest:
				if err := conn.Send(ctx, heartbeatPayload(s.Seq())); err != nil {
					return Hello{}, err
				}
			case UnknownOp:
				jww.DEBUG.Printf("gateway: ignoring opcode %d before hello", e.Op)
			default:
				return Hello{}, apperr.Newf(apperr.Decode, "expected hello, got %T", ev)
			}
		case <-timer.C:
			return Hello{}, apperr.New(apperr.Transport, "hello timeout")
		case <-ctx.Done():
			return Hello{}, ctx.Err()
		}
	}
}

// pump is the single loop owning socket reads, the heartbeat timer and the
// serialized event-apply path.
func (s *Session) pump(ctx context.Context, conn *Conn, interval time.Duration) (bool, error) {
	// first beat lands at a random point inside the first interval so a
	// fleet of clients does not heartbeat in lockstep
	first := time.Duration(float64(interval) * s.jitter())
	if first <= 0 {
		first = interval
	}
	beat := time.NewTimer(first)
	defer beat.Stop()

	ackDeadline := time.Duration(float64(interval) * s.cfg.AckMultiplier)
	ackTimer := time.NewTimer(ackDeadline)
	ackTimer.Stop()
	defer ackTimer.Stop()
	awaitingAck := false

	handshake := time.NewTimer(s.cfg.HandshakeTimeout)
	defer handshake.Stop()

	readySeen := false

	for {
		select {
		case raw, ok := <-conn.Frames():
			if !ok {
				return readySeen, conn.Err()
			}
			ev, err := Decode(raw)
			if err != nil {
				if !readySeen {
					// handshake-phase garbage kills the attempt
					return false, err
				}
				jww.WARN.Printf("gateway: dropping frame: %v", err)
				continue
			}

			switch e := ev.(type) {
			case Hello:
				// duplicate hello, ignore

			case HeartbeatAck:
				awaitingAck = false
				ackTimer.Stop()

			case HeartbeatRequest:
				// server wants an immediate beat, outside the normal cadence
				if err := conn.Send(ctx, heartbeatPayload(s.Seq())); err != nil {
					return readySeen, err
				}
				if !awaitingAck {
					awaitingAck = true
					ackTimer.Reset(ackDeadline)
				}

			case UnknownOp:
				jww.DEBUG.Printf("gateway: ignoring unhandled opcode %d", e.Op)

			case Reconnect:
				jww.INFO.Printf("gateway: server requested reconnect")
				return readySeen, apperr.New(apperr.Transport, "server requested reconnect")

			case InvalidSession:
				if !e.Resumable {
					s.clearResumeState()
				}
				s.sink(e)
				return readySeen, apperr.New(apperr.SessionExpired, "session invalidated")

			case Ready:
				handshake.Stop()
				s.mu.Lock()
				s.sessionID = e.SessionID
				s.resumeURL = e.ResumeURL
				// the READY frame carries its own sequence number;
				// adopt it so the session can resume before any
				// further dispatch arrives
				s.seq = e.Seq
				s.expired = false
				s.mu.Unlock()
				readySeen = true
				s.setState(StateReady)
				s.sink(e)

			case Resumed:
				handshake.Stop()
				if e.Seq > 0 {
					s.mu.Lock()
					if e.Seq > s.seq {
						s.seq = e.Seq
					}
					s.mu.Unlock()
				}
				readySeen = true
				s.setState(StateReady)
				s.sink(e)

			case Dispatch:
				if e.Seq > 0 {
					s.mu.Lock()
					if e.Seq > s.seq {
						s.seq = e.Seq
					}
					s.mu.Unlock()
				}
				s.sink(e)
			}

		case <-handshake.C:
			if !readySeen {
				return false, apperr.New(apperr.Transport, "ready timeout")
			}

		case <-beat.C:
			if awaitingAck {
				jww.WARN.Printf("gateway: heartbeat ack missed at beat boundary")
				return readySeen, apperr.New(apperr.Transport, "heartbeat ack missed")
			}
			if err := conn.Send(ctx, heartbeatPayload(s.Seq())); err != nil {
				return readySeen, err
			}
			awaitingAck = true
			ackTimer.Reset(ackDeadline)
			beat.Reset(interval)

		case <-ackTimer.C:
			if awaitingAck {
				jww.WARN.Printf("gateway: heartbeat ack missed, declaring connection dead")
				return readySeen, apperr.New(apperr.Transport, "heartbeat ack missed")
			}

		case <-ctx.Done():
			return readySeen, ctx.Err()
		}
	}
}

// SetPresence pushes a presence update on the live connection, if any.
func (s *Session) SetPresence(ctx context.Context, status string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil || s.State() != StateReady {
		return apperr.New(apperr.Transport, "not connected")
	}
	return conn.Send(ctx, presencePayload(status))
}
