package client

import (
	"context"
	"sync"

	jww "github.com/spf13/jwalterweatherman"
	"golang.org/x/sync/errgroup"

	"termchat/internal/dispatch"
	"termchat/internal/gateway"
	"termchat/internal/model"
	"termchat/internal/store"
)

// applyEvent is the single serialized mutation point: every decoded gateway
// event lands here, in arrival order, on the apply goroutine.
func (c *Client) applyEvent(ctx context.Context, ev gateway.Event) {
	switch e := ev.(type) {
	case gateway.Ready:
		c.applyReady(ctx, e)

	case gateway.Resumed:
		// the server replays missed dispatches before acknowledging the
		// resume, so the cache is already caught up
		jww.INFO.Printf("client: session resumed")

	case gateway.InvalidSession:
		if !e.Resumable {
			// cache is rebuilt atomically on the Ready that follows the
			// fresh identify; nothing is dispatched until then
			c.rebuildPending = true
		}

	case gateway.Dispatch:
		c.applyDispatch(e)
	}
}

// applyReady installs the server snapshot. On the rebuild path (session was
// invalidated) the snapshot is staged into a scratch store and swapped in
// whole once the gateway payload and the REST fills have landed, so readers
// of the live cache see either the old state or the new one, never a wiped
// or half-loaded cache.
func (c *Client) applyReady(ctx context.Context, r gateway.Ready) {
	rebuild := c.rebuildPending
	target := c.store
	if rebuild {
		jww.INFO.Printf("client: rebuilding cache after invalidated session")
		target = store.New()
	}

	// a fresh identify over a surviving cache means live delivery had a
	// hole; flag cached tails before new appends arrive
	if c.readyOnce && !rebuild {
		for _, g := range c.store.Guilds() {
			for _, ch := range g.ChannelIDs {
				c.store.MarkTailGap(ch)
			}
		}
		for _, ch := range c.store.DMChannels() {
			c.store.MarkTailGap(ch.ID)
		}
	}

	target.SetCurrentUser(r.User)
	for _, snap := range r.Guilds {
		c.applyGuildSnapshot(target, snap, false)
	}
	for _, ch := range r.Channels {
		target.UpsertChannel(ch)
	}
	for _, rs := range r.ReadStates {
		target.SeedReadState(rs)
	}

	c.loadSnapshot(ctx, target, r)

	if rebuild {
		c.store.ReplaceAll(target)
	}

	// one reset per kind, emitted only once the full snapshot is in place
	for _, kind := range []dispatch.Kind{
		dispatch.KindGuild, dispatch.KindChannel, dispatch.KindMessage,
		dispatch.KindMember, dispatch.KindPresence, dispatch.KindReadState,
	} {
		c.publish(kind, dispatch.OpReset, nil)
	}

	c.readyOnce = true
	c.rebuildPending = false
}

// loadSnapshot backfills what the Ready payload did not carry: the guild
// list for guilds the gateway marked unavailable, their channel lists, and
// DM channels. Fetches fan out on a bounded group; results are applied to st
// here on the apply goroutine, never concurrently.
func (c *Client) loadSnapshot(ctx context.Context, st *store.Store, r gateway.Ready) {
	needGuilds := len(r.Guilds) == 0
	needDMs := len(r.Channels) == 0

	var mu sync.Mutex
	var guilds []model.Guild
	var channels []model.Channel

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(backfillWorkers)

	if needGuilds {
		g.Go(func() error {
			gs, err := c.rest.Guilds(gctx)
			if err != nil {
				return err
			}
			mu.Lock()
			guilds = append(guilds, gs...)
			mu.Unlock()
			return nil
		})
	}
	if needDMs {
		g.Go(func() error {
			chs, err := c.rest.DMChannels(gctx)
			if err != nil {
				return err
			}
			mu.Lock()
			channels = append(channels, chs...)
			mu.Unlock()
			return nil
		})
	}
	for _, snap := range r.Guilds {
		if len(snap.Channels) > 0 {
			continue
		}
		guildID := snap.Guild.ID
		g.Go(func() error {
			chs, err := c.rest.GuildChannels(gctx, guildID)
			if err != nil {
				return err
			}
			mu.Lock()
			channels = append(channels, chs...)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		jww.WARN.Printf("client: snapshot load incomplete: %v", err)
	}

	for _, gd := range guilds {
		st.UpsertGuild(gd)
	}
	for _, ch := range channels {
		st.UpsertChannel(ch)
	}
}

func (c *Client) applyGuildSnapshot(st *store.Store, snap gateway.GuildSnapshot, emit bool) {
	g, changed := st.UpsertGuild(snap.Guild)
	if emit && changed {
		c.publish(dispatch.KindGuild, dispatch.OpUpsert, g)
	}
	for _, ch := range snap.Channels {
		stored, chChanged := st.UpsertChannel(ch)
		if emit && chChanged {
			c.publish(dispatch.KindChannel, dispatch.OpUpsert, stored)
		}
	}
	for _, m := range snap.Members {
		stored, mChanged := st.UpsertMember(m)
		if emit && mChanged {
			c.publish(dispatch.KindMember, dispatch.OpUpsert, stored)
		}
	}
}

func (c *Client) applyDispatch(d gateway.Dispatch) {
	switch e := d.Event.(type) {
	case gateway.MessageCreate:
		if c.store.AppendMessage(e.Message) {
			c.publish(dispatch.KindMessage, dispatch.OpUpsert, e.Message)
			c.pruneChannel(e.Message.ChannelID)
			c.republishGuildUnread(e.Message.ChannelID)
		}

	case gateway.MessageUpdate:
		p := e.Patch
		if m, changed := c.store.PatchMessage(p.ChannelID, p.ID, p.Content, p.EditedAt, p.Attachments); changed {
			c.publish(dispatch.KindMessage, dispatch.OpPatch, m)
		}

	case gateway.MessageDelete:
		if m, ok := c.store.RemoveMessage(e.ChannelID, e.MessageID); ok {
			c.publish(dispatch.KindMessage, dispatch.OpRemove, m)
		}

	case gateway.MessageDeleteBulk:
		for _, id := range e.MessageIDs {
			if m, ok := c.store.RemoveMessage(e.ChannelID, id); ok {
				c.publish(dispatch.KindMessage, dispatch.OpRemove, m)
			}
		}

	case gateway.ChannelCreate:
		if ch, changed := c.store.UpsertChannel(e.Channel); changed {
			c.publish(dispatch.KindChannel, dispatch.OpUpsert, ch)
		}

	case gateway.ChannelUpdate:
		if ch, changed := c.store.UpsertChannel(e.Channel); changed {
			c.publish(dispatch.KindChannel, dispatch.OpUpsert, ch)
		}

	case gateway.ChannelDelete:
		if c.store.RemoveChannel(e.ChannelID) {
			c.publish(dispatch.KindChannel, dispatch.OpRemove, model.Channel{ID: e.ChannelID, GuildID: e.GuildID})
		}

	case gateway.GuildCreate:
		c.applyGuildSnapshot(c.store, e.Snapshot, true)

	case gateway.GuildUpdate:
		if g, changed := c.store.UpsertGuild(e.Guild); changed {
			c.publish(dispatch.KindGuild, dispatch.OpUpsert, g)
		}

	case gateway.GuildDelete:
		if e.Unavailable {
			// outage, not a leave: keep the cache, the guild comes back
			jww.INFO.Printf("client: guild %s unavailable", e.GuildID)
			return
		}
		if c.store.RemoveGuild(e.GuildID) {
			c.publish(dispatch.KindGuild, dispatch.OpRemove, model.Guild{ID: e.GuildID})
		}

	case gateway.GuildMemberUpdate:
		if m, changed := c.store.UpsertMember(e.Member); changed {
			c.publish(dispatch.KindMember, dispatch.OpUpsert, m)
		}

	case gateway.GuildMembersChunk:
		for _, m := range e.Members {
			if stored, changed := c.store.UpsertMember(m); changed {
				c.publish(dispatch.KindMember, dispatch.OpUpsert, stored)
			}
		}

	case gateway.PresenceUpdate:
		if p, changed := c.store.UpsertPresence(e.Presence); changed {
			c.publish(dispatch.KindPresence, dispatch.OpUpsert, p)
		}

	case gateway.TypingStart:
		c.publish(dispatch.KindTyping, dispatch.OpUpsert, e)

	case gateway.MessageAck:
		c.applyReadState(e.ChannelID, e.MessageID)

	case gateway.UnknownDispatch:
		jww.DEBUG.Printf("client: ignoring dispatch %q", e.Type)
	}
}

func (c *Client) applyReadState(channelID, messageID model.Snowflake) {
	rs, changed := c.store.SetReadState(channelID, messageID)
	if !changed {
		return
	}
	c.publish(dispatch.KindReadState, dispatch.OpUpsert, rs)
	c.republishGuildUnread(channelID)
}

// republishGuildUnread pushes the owning guild after a mutation that can flip
// its derived unread flag.
func (c *Client) republishGuildUnread(channelID model.Snowflake) {
	ch, ok := c.store.Channel(channelID)
	if !ok || ch.GuildID.IsZero() {
		return
	}
	if g, ok := c.store.Guild(ch.GuildID); ok {
		c.publish(dispatch.KindGuild, dispatch.OpUpsert, g)
	}
}
