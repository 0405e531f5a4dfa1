// Package client ties the session, store, dispatcher and REST fetcher
// together. Every mutation, whether a live gateway event or a REST result,
// funnels through one apply goroutine, so a concurrent backfill can never
// race a live update to the same entity.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	jww "github.com/spf13/jwalterweatherman"

	"termchat/internal/apperr"
	"termchat/internal/config"
	"termchat/internal/dispatch"
	"termchat/internal/gateway"
	"termchat/internal/model"
	"termchat/internal/rest"
	"termchat/internal/store"
)

// Status values published on the KindStatus stream.
const (
	StatusConnecting   = "connecting"
	StatusConnected    = "connected"
	StatusReconnecting = "reconnecting"
	StatusDisconnected = "disconnected"
)

const (
	applyQueueSize  = 256
	backfillWorkers = 4
	typingThrottle  = 8 * time.Second
)

type applyMsg struct {
	ev gateway.Event
	fn func()
}

type Client struct {
	cfg config.Config

	store   *store.Store
	disp    *dispatch.Dispatcher
	rest    *rest.Client
	session *gateway.Session

	applyc chan applyMsg

	// closed when Run returns; enqueues observed after that turn into
	// errors instead of writes to a dead queue
	done chan struct{}

	// bounds concurrent backfill/member fetches
	restSem chan struct{}

	// set when the session was invalidated; the next Ready rebuilds the
	// cache atomically before any delta is dispatched
	rebuildPending bool
	readyOnce      bool

	typingMu   sync.Mutex
	typingLast map[model.Snowflake]time.Time

	wg sync.WaitGroup
}

func New(cfg config.Config) *Client {
	c := &Client{
		cfg:        cfg,
		store:      store.New(),
		disp:       dispatch.New(),
		rest:       rest.New(cfg.APIBase, cfg.Token),
		applyc:     make(chan applyMsg, applyQueueSize),
		done:       make(chan struct{}),
		restSem:    make(chan struct{}, backfillWorkers),
		typingLast: make(map[model.Snowflake]time.Time),
	}
	c.session = gateway.NewSession(gateway.Config{
		URL:              cfg.GatewayURL,
		Token:            cfg.Token,
		ConnectTimeout:   cfg.ConnectTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
		MaxAttempts:      cfg.MaxReconnects,
	}, c.enqueueEvent)
	c.session.OnStateChange(c.onSessionState)
	return c
}

// Session exposes the gateway session. Test hook.
func (c *Client) Session() *gateway.Session { return c.session }

// REST exposes the fetcher. Test hook.
func (c *Client) REST() *rest.Client { return c.rest }

// Store gives read access to the entity cache. All returned values are
// copies; concurrent reads are safe.
func (c *Client) Store() *store.Store { return c.store }

// Subscribe returns the ordered per-kind delta stream.
func (c *Client) Subscribe(kind dispatch.Kind) <-chan dispatch.Delta {
	return c.disp.Subscribe(kind)
}

func (c *Client) Unsubscribe(kind dispatch.Kind, ch <-chan dispatch.Delta) {
	c.disp.Unsubscribe(kind, ch)
}

func (c *Client) enqueueEvent(ev gateway.Event) {
	select {
	case c.applyc <- applyMsg{ev: ev}:
	case <-c.done:
	}
}

// enqueueFn funnels a REST result into the serialized apply path. It reports
// false once the client has shut down.
func (c *Client) enqueueFn(fn func()) bool {
	select {
	case c.applyc <- applyMsg{fn: fn}:
		return true
	case <-c.done:
		return false
	}
}

// enqueueFnWait runs fn on the apply goroutine and waits for it.
func (c *Client) enqueueFnWait(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	select {
	case c.applyc <- applyMsg{fn: func() { fn(); close(ran) }}:
	case <-c.done:
		return apperr.New(apperr.Transport, "client closed")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ran:
		return nil
	case <-c.done:
		return apperr.New(apperr.Transport, "client closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) onSessionState(st gateway.State) {
	switch st {
	case gateway.StateReady:
		c.disp.Publish(dispatch.Delta{Kind: dispatch.KindStatus, Op: dispatch.OpUpsert, Entity: StatusConnected})
	case gateway.StateReconnecting:
		c.disp.Publish(dispatch.Delta{Kind: dispatch.KindStatus, Op: dispatch.OpUpsert, Entity: StatusReconnecting})
	case gateway.StateConnecting:
		c.disp.Publish(dispatch.Delta{Kind: dispatch.KindStatus, Op: dispatch.OpUpsert, Entity: StatusConnecting})
	}
}

// Run drives the client until ctx is cancelled or the session fails
// terminally. Transient reconnects are absorbed internally; the consumer
// sees a single disconnected status when the session is truly gone.
func (c *Client) Run(ctx context.Context) error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.applyLoop(ctx)
	}()

	err := c.session.Run(ctx)
	c.disp.Publish(dispatch.Delta{Kind: dispatch.KindStatus, Op: dispatch.OpUpsert, Entity: StatusDisconnected})

	// applyc stays open: callers racing shutdown land on the done channel
	// instead of a closed queue
	close(c.done)
	c.wg.Wait()
	c.disp.Close()
	return err
}

func (c *Client) applyLoop(ctx context.Context) {
	for {
		select {
		case msg := <-c.applyc:
			if msg.fn != nil {
				msg.fn()
				continue
			}
			c.applyEvent(ctx, msg.ev)
		case <-c.done:
			return
		}
	}
}

// SendMessage posts content to a channel. A pending copy with a client nonce
// is cached immediately so the UI can render it; the server-confirmed entity
// replaces it without duplication when the gateway echoes it back.
func (c *Client) SendMessage(ctx context.Context, channelID model.Snowflake, content string, replyTo *model.Snowflake) (model.Message, error) {
	if content == "" {
		return model.Message{}, apperr.New(apperr.Decode, "empty message content")
	}
	nonce := uuid.NewString()
	pending := model.Message{
		ID:        model.SnowflakeAt(time.Now()),
		ChannelID: channelID,
		AuthorID:  c.store.CurrentUser().ID,
		Author:    c.store.CurrentUser(),
		Content:   content,
		Nonce:     nonce,
		Pending:   true,
	}
	if replyTo != nil {
		pending.Reference = &model.MessageReference{MessageID: *replyTo, ChannelID: channelID}
	}
	if !c.enqueueFn(func() {
		c.store.AddPending(pending)
		c.publish(dispatch.KindMessage, dispatch.OpUpsert, pending)
	}) {
		return model.Message{}, apperr.New(apperr.Transport, "client closed")
	}

	sent, err := c.rest.SendMessage(ctx, channelID, content, nonce, replyTo)
	if err != nil {
		c.enqueueFn(func() {
			if removed, ok := c.store.DropPending(channelID, nonce); ok {
				c.publish(dispatch.KindMessage, dispatch.OpRemove, removed)
			}
		})
		return model.Message{}, err
	}

	c.enqueueFn(func() {
		if c.store.AppendMessage(sent) {
			c.publish(dispatch.KindMessage, dispatch.OpUpsert, sent)
			c.pruneChannel(sent.ChannelID)
		}
	})
	return sent, nil
}

// FetchHistory loads one page of messages around an anchor and merges it into
// the cache. The merge is id-based set union: overlapping fetches never
// duplicate, and a page that fails to meet the cached range leaves a gap
// marker until a later fetch closes it.
func (c *Client) FetchHistory(ctx context.Context, channelID, anchor model.Snowflake, dir store.Direction, limit int) ([]model.Message, error) {
	select {
	case c.restSem <- struct{}{}:
		defer func() { <-c.restSem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	page, err := c.rest.Messages(ctx, channelID, anchor, dir, limit)
	if err != nil {
		return nil, err
	}

	err = c.enqueueFnWait(ctx, func() {
		res := c.store.MergePage(channelID, anchor, page, dir)
		for _, m := range res.Added {
			c.publish(dispatch.KindMessage, dispatch.OpUpsert, m)
		}
		if res.GapMarked {
			jww.DEBUG.Printf("client: gap marked in channel %s", channelID)
		}
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// MarkRead advances the channel's read bookmark. The store never lets the
// bookmark regress, so a stale ack is a no-op.
func (c *Client) MarkRead(ctx context.Context, channelID, messageID model.Snowflake) error {
	if err := c.rest.AckMessage(ctx, channelID, messageID); err != nil {
		return err
	}
	return c.enqueueFnWait(ctx, func() {
		c.applyReadState(channelID, messageID)
	})
}

// FetchMembers pulls a member chunk on demand and funnels it through the
// apply path.
func (c *Client) FetchMembers(ctx context.Context, guildID, after model.Snowflake, limit int) ([]model.Member, error) {
	select {
	case c.restSem <- struct{}{}:
		defer func() { <-c.restSem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	members, err := c.rest.GuildMembers(ctx, guildID, after, limit)
	if err != nil {
		return nil, err
	}
	err = c.enqueueFnWait(ctx, func() {
		for _, m := range members {
			if _, changed := c.store.UpsertMember(m); changed {
				c.publish(dispatch.KindMember, dispatch.OpUpsert, m)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return members, nil
}

// Typing fires the typing indicator, throttled per channel.
func (c *Client) Typing(ctx context.Context, channelID model.Snowflake) error {
	c.typingMu.Lock()
	last := c.typingLast[channelID]
	now := time.Now()
	if now.Sub(last) < typingThrottle {
		c.typingMu.Unlock()
		return nil
	}
	c.typingLast[channelID] = now
	c.typingMu.Unlock()
	return c.rest.Typing(ctx, channelID)
}

func (c *Client) publish(kind dispatch.Kind, op dispatch.Op, entity interface{}) {
	c.disp.Publish(dispatch.Delta{Kind: kind, Op: op, Entity: entity})
}

func (c *Client) pruneChannel(channelID model.Snowflake) {
	if dropped := c.store.Prune(channelID, c.cfg.RetainMessages); dropped > 0 {
		jww.DEBUG.Printf("client: pruned %d messages from channel %s", dropped, channelID)
	}
}
