package gateway

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	jww "github.com/spf13/jwalterweatherman"
	"golang.org/x/time/rate"

	"termchat/internal/apperr"
)

const (
	writeWait    = 10 * time.Second
	readLimit    = 16 * 1024 * 1024
	closeTimeout = 2 * time.Second

	// The gateway allows 120 outbound frames per 60 seconds.
	sendBudgetPerSecond = 2
	sendBudgetBurst     = 120
)

// Conn wraps one websocket connection to the gateway. Reads happen on a
// dedicated goroutine feeding Frames; all writes pass the shared send budget.
type Conn struct {
	ws     *websocket.Conn
	budget *rate.Limiter
	frames chan []byte
	errc   chan error
	done   chan struct{}
}

// Dial opens a websocket to url within the connect timeout.
func Dial(ctx context.Context, url string, connectTimeout time.Duration) (*Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transport, err, "gateway dial")
	}
	ws.SetReadLimit(readLimit)

	c := &Conn{
		ws:     ws,
		budget: rate.NewLimiter(sendBudgetPerSecond, sendBudgetBurst),
		frames: make(chan []byte, 64),
		errc:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Conn) readLoop() {
	defer close(c.frames)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case c.errc <- apperr.Wrap(apperr.Transport, err, "gateway read"):
			default:
			}
			return
		}
		select {
		case c.frames <- data:
		case <-c.done:
			return
		}
	}
}

// Frames returns the ordered stream of raw inbound frames. The channel is
// closed when the socket dies; Err then reports why.
func (c *Conn) Frames() <-chan []byte { return c.frames }

func (c *Conn) Err() error {
	select {
	case err := <-c.errc:
		return err
	default:
		return apperr.New(apperr.Transport, "connection closed")
	}
}

// Send writes one JSON payload, blocking on the global send budget first.
func (c *Conn) Send(ctx context.Context, payload outbound) error {
	if err := c.budget.Wait(ctx); err != nil {
		return apperr.Wrap(apperr.Transport, err, "send budget")
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(payload); err != nil {
		return apperr.Wrap(apperr.Transport, err, "gateway write")
	}
	return nil
}

// Close sends a graceful close frame and tears the socket down.
func (c *Conn) Close() error {
	select {
	case <-c.done:
		return nil
	default:
		close(c.done)
	}
	deadline := time.Now().Add(closeTimeout)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		jww.DEBUG.Printf("gateway: close frame not sent: %v", err)
	}
	return c.ws.Close()
}
