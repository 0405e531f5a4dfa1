// Package store holds the authoritative in-memory cache of domain entities.
// All mutation arrives through the client's single apply goroutine; the
// mutex exists so concurrent readers can take consistent snapshots.
package store

import (
	"sort"
	"sync"

	"termchat/internal/model"
)

type memberKey struct {
	guildID model.Snowflake
	userID  model.Snowflake
}

type Store struct {
	mu sync.RWMutex

	currentUser model.User

	guilds     map[model.Snowflake]model.Guild
	channels   map[model.Snowflake]model.Channel
	users      map[model.Snowflake]model.User
	members    map[memberKey]model.Member
	presences  map[model.Snowflake]model.Presence
	readStates map[model.Snowflake]model.ReadState
	messages   map[model.Snowflake]*channelMessages
}

func New() *Store {
	s := &Store{}
	s.init()
	return s
}

func (s *Store) init() {
	s.guilds = make(map[model.Snowflake]model.Guild)
	s.channels = make(map[model.Snowflake]model.Channel)
	s.users = make(map[model.Snowflake]model.User)
	s.members = make(map[memberKey]model.Member)
	s.presences = make(map[model.Snowflake]model.Presence)
	s.readStates = make(map[model.Snowflake]model.ReadState)
	s.messages = make(map[model.Snowflake]*channelMessages)
}

// Reset wipes every entity.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentUser = model.User{}
	s.init()
}

// ReplaceAll swaps in the full contents of staged under one lock, so readers
// observe either the previous state or the new one, never a half-built
// cache. The staged store must not be used afterwards.
func (s *Store) ReplaceAll(staged *Store) {
	staged.mu.Lock()
	cu := staged.currentUser
	guilds, channels, users := staged.guilds, staged.channels, staged.users
	members, presences := staged.members, staged.presences
	readStates, messages := staged.readStates, staged.messages
	staged.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentUser = cu
	s.guilds = guilds
	s.channels = channels
	s.users = users
	s.members = members
	s.presences = presences
	s.readStates = readStates
	s.messages = messages
}

func (s *Store) SetCurrentUser(u model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentUser = u
	s.users[u.ID] = u
}

func (s *Store) CurrentUser() model.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentUser
}

// UpsertGuild stores g, preserving the derived unread flag unless the caller
// supplied channel membership changes. Returns the stored value and whether
// anything changed.
func (s *Store) UpsertGuild(g model.Guild) (model.Guild, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.guilds[g.ID]
	if ok {
		// partial upsert: empty slices on the incoming value keep the
		// previously known membership
		if g.ChannelIDs == nil {
			g.ChannelIDs = existing.ChannelIDs
		}
		if g.RoleIDs == nil {
			g.RoleIDs = existing.RoleIDs
		}
		g.Unread = existing.Unread
	}
	g.Unread = s.guildUnreadLocked(g)
	if ok && guildEqual(existing, g) {
		return existing, false
	}
	s.guilds[g.ID] = g
	return g, true
}

func guildEqual(a, b model.Guild) bool {
	if a.ID != b.ID || a.Name != b.Name || a.Unread != b.Unread {
		return false
	}
	if len(a.ChannelIDs) != len(b.ChannelIDs) || len(a.RoleIDs) != len(b.RoleIDs) {
		return false
	}
	for i := range a.ChannelIDs {
		if a.ChannelIDs[i] != b.ChannelIDs[i] {
			return false
		}
	}
	for i := range a.RoleIDs {
		if a.RoleIDs[i] != b.RoleIDs[i] {
			return false
		}
	}
	return true
}

func (s *Store) Guild(id model.Snowflake) (model.Guild, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.guilds[id]
	return g, ok
}

func (s *Store) Guilds() []model.Guild {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Guild, 0, len(s.guilds))
	for _, g := range s.guilds {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RemoveGuild drops the guild and everything it owns.
func (s *Store) RemoveGuild(id model.Snowflake) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.guilds[id]
	if !ok {
		return false
	}
	delete(s.guilds, id)
	for _, cid := range g.ChannelIDs {
		delete(s.channels, cid)
		delete(s.messages, cid)
		delete(s.readStates, cid)
	}
	for k := range s.members {
		if k.guildID == id {
			delete(s.members, k)
		}
	}
	return true
}

func (s *Store) UpsertChannel(c model.Channel) (model.Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.channels[c.ID]
	if ok {
		// last_message_id is monotonically non-decreasing
		if c.LastMessageID < existing.LastMessageID {
			c.LastMessageID = existing.LastMessageID
		}
		if c.RecipientIDs == nil {
			c.RecipientIDs = existing.RecipientIDs
		}
	}
	if ok && channelEqual(existing, c) {
		return existing, false
	}
	s.channels[c.ID] = c

	// keep the owning guild's channel list in step
	if !c.GuildID.IsZero() {
		if g, gok := s.guilds[c.GuildID]; gok && !containsID(g.ChannelIDs, c.ID) {
			g.ChannelIDs = append(g.ChannelIDs, c.ID)
			s.guilds[c.GuildID] = g
		}
	}
	return c, true
}

func channelEqual(a, b model.Channel) bool {
	if a.ID != b.ID || a.GuildID != b.GuildID || a.Type != b.Type ||
		a.Name != b.Name || a.Topic != b.Topic || a.Position != b.Position ||
		a.ParentID != b.ParentID || a.LastMessageID != b.LastMessageID {
		return false
	}
	if len(a.RecipientIDs) != len(b.RecipientIDs) {
		return false
	}
	for i := range a.RecipientIDs {
		if a.RecipientIDs[i] != b.RecipientIDs[i] {
			return false
		}
	}
	return true
}

func containsID(ids []model.Snowflake, id model.Snowflake) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func (s *Store) Channel(id model.Snowflake) (model.Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.channels[id]
	return c, ok
}

func (s *Store) GuildChannels(guildID model.Snowflake) []model.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Channel
	for _, c := range s.channels {
		if c.GuildID == guildID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) DMChannels() []model.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Channel
	for _, c := range s.channels {
		if c.Type.IsDM() {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageID > out[j].LastMessageID
	})
	return out
}

func (s *Store) RemoveChannel(id model.Snowflake) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.channels[id]
	if !ok {
		return false
	}
	delete(s.channels, id)
	delete(s.messages, id)
	delete(s.readStates, id)
	if !c.GuildID.IsZero() {
		if g, gok := s.guilds[c.GuildID]; gok {
			for i, cid := range g.ChannelIDs {
				if cid == id {
					g.ChannelIDs = append(g.ChannelIDs[:i], g.ChannelIDs[i+1:]...)
					break
				}
			}
			s.guilds[c.GuildID] = g
		}
	}
	return true
}

func (s *Store) UpsertUser(u model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *Store) User(id model.Snowflake) (model.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	return u, ok
}

// UpsertMember stores a member keyed by (guild, user). An absent entry means
// "unknown, not yet fetched"; a present entry with empty roles means "known,
// no roles".
func (s *Store) UpsertMember(m model.Member) (model.Member, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.RoleIDs == nil {
		m.RoleIDs = []model.Snowflake{}
	}
	key := memberKey{guildID: m.GuildID, userID: m.UserID}
	existing, ok := s.members[key]
	if ok && memberEqual(existing, m) {
		return existing, false
	}
	s.members[key] = m
	return m, true
}

func memberEqual(a, b model.Member) bool {
	if a.GuildID != b.GuildID || a.UserID != b.UserID || a.Nick != b.Nick {
		return false
	}
	if len(a.RoleIDs) != len(b.RoleIDs) {
		return false
	}
	for i := range a.RoleIDs {
		if a.RoleIDs[i] != b.RoleIDs[i] {
			return false
		}
	}
	return true
}

func (s *Store) Member(guildID, userID model.Snowflake) (model.Member, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[memberKey{guildID: guildID, userID: userID}]
	return m, ok
}

// UpsertPresence is last-write-wins by arrival order.
func (s *Store) UpsertPresence(p model.Presence) (model.Presence, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.presences[p.UserID]
	if ok && existing == p {
		return existing, false
	}
	s.presences[p.UserID] = p
	return p, true
}

func (s *Store) Presence(userID model.Snowflake) (model.Presence, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.presences[userID]
	return p, ok
}

// SetReadState advances the read bookmark. A message id at or behind the
// current bookmark is a no-op; the bookmark never moves backward. The owning
// guild's unread flag is recomputed on every accepted mutation.
func (s *Store) SetReadState(channelID, messageID model.Snowflake) (model.ReadState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs := s.readStates[channelID]
	rs.ChannelID = channelID
	if messageID <= rs.LastReadID {
		return rs, false
	}
	rs.LastReadID = messageID
	rs.MentionCount = 0
	s.readStates[channelID] = rs
	s.recomputeUnreadLocked(channelID)
	return rs, true
}

// SeedReadState installs a snapshot read state (mention count included)
// without regressing an existing bookmark.
func (s *Store) SeedReadState(rs model.ReadState) (model.ReadState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.readStates[rs.ChannelID]
	if rs.LastReadID < existing.LastReadID {
		return existing, false
	}
	s.readStates[rs.ChannelID] = rs
	s.recomputeUnreadLocked(rs.ChannelID)
	return rs, true
}

func (s *Store) ReadState(channelID model.Snowflake) (model.ReadState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.readStates[channelID]
	return rs, ok
}

// recomputeUnreadLocked refreshes the derived unread flag of the guild that
// owns channelID.
func (s *Store) recomputeUnreadLocked(channelID model.Snowflake) {
	c, ok := s.channels[channelID]
	if !ok || c.GuildID.IsZero() {
		return
	}
	g, ok := s.guilds[c.GuildID]
	if !ok {
		return
	}
	unread := s.guildUnreadLocked(g)
	if g.Unread != unread {
		g.Unread = unread
		s.guilds[g.ID] = g
	}
}

func (s *Store) guildUnreadLocked(g model.Guild) bool {
	for _, cid := range g.ChannelIDs {
		c, ok := s.channels[cid]
		if !ok || !c.Type.IsTextual() || c.LastMessageID.IsZero() {
			continue
		}
		if c.LastMessageID > s.readStates[cid].LastReadID {
			return true
		}
	}
	return false
}
