package store

import (
	"sort"
	"time"

	"termchat/internal/model"
)

// channelMessages is the per-channel ordered message set: sorted ascending by
// id, unique. gapBefore marks ids known to have undelivered history directly
// below them: the range below the marked id and the range at-or-above it are
// not contiguous until a fetch bridges them.
type channelMessages struct {
	msgs      []model.Message
	gapBefore map[model.Snowflake]struct{}

	// tailGap is armed when live delivery may have skipped messages
	// (resume with a gap, fresh identify over a cached tail). The next
	// appended live message gets a gap marker in front of it.
	tailGap bool
}

func newChannelMessages() *channelMessages {
	return &channelMessages{gapBefore: make(map[model.Snowflake]struct{})}
}

func (cm *channelMessages) indexOf(id model.Snowflake) (int, bool) {
	i := sort.Search(len(cm.msgs), func(i int) bool { return cm.msgs[i].ID >= id })
	if i < len(cm.msgs) && cm.msgs[i].ID == id {
		return i, true
	}
	return i, false
}

// insert places m in id order. Re-inserting an existing id replaces pending
// placeholders but is otherwise a no-op, which makes duplicate delivery safe.
func (cm *channelMessages) insert(m model.Message) bool {
	i, found := cm.indexOf(m.ID)
	if found {
		if cm.msgs[i].Pending && !m.Pending {
			cm.msgs[i] = m
		}
		return false
	}
	cm.msgs = append(cm.msgs, model.Message{})
	copy(cm.msgs[i+1:], cm.msgs[i:])
	cm.msgs[i] = m
	return true
}

func (cm *channelMessages) removeByNonce(nonce string) (model.Message, bool) {
	for i, m := range cm.msgs {
		if m.Pending && m.Nonce == nonce {
			removed := m
			cm.msgs = append(cm.msgs[:i], cm.msgs[i+1:]...)
			return removed, true
		}
	}
	return model.Message{}, false
}

func (s *Store) channelMessagesLocked(channelID model.Snowflake) *channelMessages {
	cm := s.messages[channelID]
	if cm == nil {
		cm = newChannelMessages()
		s.messages[channelID] = cm
	}
	return cm
}

// AppendMessage adds one live message. Duplicate ids are ignored. A matching
// client nonce evicts the optimistic pending copy so the confirmed entity is
// never doubled. The channel's last_message_id advances monotonically and the
// owning guild's unread flag is refreshed.
func (s *Store) AppendMessage(m model.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cm := s.channelMessagesLocked(m.ChannelID)
	if m.Nonce != "" && !m.Pending {
		cm.removeByNonce(m.Nonce)
	}

	if cm.tailGap {
		cm.tailGap = false
		if len(cm.msgs) > 0 && m.ID > cm.msgs[len(cm.msgs)-1].ID {
			cm.gapBefore[m.ID] = struct{}{}
		}
	}

	added := cm.insert(m)
	if !added {
		return false
	}
	if !m.Author.ID.IsZero() {
		s.users[m.Author.ID] = m.Author
	}
	s.bumpLastMessageLocked(m.ChannelID, m.ID)
	return true
}

// AddPending inserts an optimistically rendered outbound message. The caller
// supplies a provisional id that sorts after everything cached.
func (s *Store) AddPending(m model.Message) {
	m.Pending = true
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelMessagesLocked(m.ChannelID).insert(m)
}

// DropPending removes an optimistic message whose send failed.
func (s *Store) DropPending(channelID model.Snowflake, nonce string) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cm := s.messages[channelID]
	if cm == nil {
		return model.Message{}, false
	}
	return cm.removeByNonce(nonce)
}

func (s *Store) bumpLastMessageLocked(channelID, messageID model.Snowflake) {
	c, ok := s.channels[channelID]
	if !ok {
		return
	}
	if messageID > c.LastMessageID {
		c.LastMessageID = messageID
		s.channels[channelID] = c
		s.recomputeUnreadLocked(channelID)
	}
}

// PatchMessage merges a partial update into the stored message. Fields absent
// from the patch keep their prior values; patching an unknown id is a no-op.
func (s *Store) PatchMessage(channelID, id model.Snowflake, content *string, editedAt *time.Time, attachments *[]model.Attachment) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cm := s.messages[channelID]
	if cm == nil {
		return model.Message{}, false
	}
	i, found := cm.indexOf(id)
	if !found {
		return model.Message{}, false
	}

	m := cm.msgs[i]
	changed := false
	if content != nil && m.Content != *content {
		m.Content = *content
		changed = true
	}
	if editedAt != nil {
		m.EditedAt = editedAt
		changed = true
	}
	if attachments != nil {
		m.Attachments = *attachments
		changed = true
	}
	if changed {
		cm.msgs[i] = m
	}
	return m, changed
}

// RemoveMessage deletes one message; unknown ids are a no-op. Any gap marker
// carried by the removed message migrates to its upper neighbour so the
// discontinuity stays visible.
func (s *Store) RemoveMessage(channelID, id model.Snowflake) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cm := s.messages[channelID]
	if cm == nil {
		return model.Message{}, false
	}
	i, found := cm.indexOf(id)
	if !found {
		return model.Message{}, false
	}
	removed := cm.msgs[i]
	if _, gap := cm.gapBefore[id]; gap {
		delete(cm.gapBefore, id)
		if i+1 < len(cm.msgs) {
			cm.gapBefore[cm.msgs[i+1].ID] = struct{}{}
		}
	}
	cm.msgs = append(cm.msgs[:i], cm.msgs[i+1:]...)
	return removed, true
}

// Direction of a history fetch relative to its anchor.
type Direction string

const (
	Before Direction = "before"
	After  Direction = "after"
	Around Direction = "around"
)

// MergeResult reports what a page merge did to the cached set.
type MergeResult struct {
	Added      []model.Message
	GapMarked  bool
	GapCleared bool
}

// MergePage unions a fetched history page into the channel's message set.
// anchor is the id the fetch was issued against (zero for a tail fetch). The
// platform returns every message adjacent to the anchor in the fetched
// direction, so the page plus its anchor form one contiguous span: markers
// inside the span are resolved. A marker resolves as cleared when the page
// reaches the cached older range, or migrates down to the page's low edge
// when older cached history remains beyond it.
func (s *Store) MergePage(channelID, anchor model.Snowflake, page []model.Message, dir Direction) MergeResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res MergeResult
	cm := s.channelMessagesLocked(channelID)
	if len(page) == 0 {
		// nothing exists below the anchor server-side, so a marker there
		// is stale
		if dir == Before && !anchor.IsZero() {
			if _, ok := cm.gapBefore[anchor]; ok {
				delete(cm.gapBefore, anchor)
				res.GapCleared = true
			}
		}
		return res
	}

	pageIDs := make(map[model.Snowflake]struct{}, len(page))
	lo, hi := page[0].ID, page[0].ID
	for _, m := range page {
		pageIDs[m.ID] = struct{}{}
		if m.ID < lo {
			lo = m.ID
		}
		if m.ID > hi {
			hi = m.ID
		}
	}

	// does the page bridge any cached message below its low edge?
	overlapsBelow := false
	hadOlder := false
	for _, m := range cm.msgs {
		if m.ID < lo {
			hadOlder = true
		}
		if _, ok := pageIDs[m.ID]; ok && m.ID < hi {
			overlapsBelow = true
		}
	}

	for _, m := range page {
		if cm.insert(m) {
			res.Added = append(res.Added, m)
			if !m.Author.ID.IsZero() {
				s.users[m.Author.ID] = m.Author
			}
		}
	}

	// the span this fetch proved contiguous: the page's own id range,
	// extended to the anchor when the fetch was issued against one
	spanLo, spanHi := lo, hi
	if dir == Before && anchor > spanHi {
		spanHi = anchor
	}
	if dir == After && !anchor.IsZero() && anchor < spanLo {
		spanLo = anchor
	}
	for g := range cm.gapBefore {
		if g > spanLo && g <= spanHi {
			delete(cm.gapBefore, g)
			res.GapCleared = true
		}
	}

	// a backward page that did not reach the cached older range leaves the
	// two ranges split: mark the seam at the page's low edge
	if dir == Before && hadOlder && !overlapsBelow {
		cm.gapBefore[lo] = struct{}{}
		res.GapMarked = true
	}

	s.bumpLastMessageLocked(channelID, hi)
	return res
}

// MarkTailGap flags that live delivery for this channel may have skipped
// messages; the next appended message will carry a gap marker.
func (s *Store) MarkTailGap(channelID model.Snowflake) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cm := s.channelMessagesLocked(channelID)
	if len(cm.msgs) > 0 {
		cm.tailGap = true
	}
}

// Messages returns a copy of the channel's ordered message set.
func (s *Store) Messages(channelID model.Snowflake) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cm := s.messages[channelID]
	if cm == nil {
		return nil
	}
	out := make([]model.Message, len(cm.msgs))
	copy(out, cm.msgs)
	return out
}

func (s *Store) Message(channelID, id model.Snowflake) (model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cm := s.messages[channelID]
	if cm == nil {
		return model.Message{}, false
	}
	i, found := cm.indexOf(id)
	if !found {
		return model.Message{}, false
	}
	return cm.msgs[i], true
}

// HasGapBefore reports whether cached history directly below id is missing.
func (s *Store) HasGapBefore(channelID, id model.Snowflake) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cm := s.messages[channelID]
	if cm == nil {
		return false
	}
	_, ok := cm.gapBefore[id]
	return ok
}

// Gaps lists the ids carrying gap markers, ascending.
func (s *Store) Gaps(channelID model.Snowflake) []model.Snowflake {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cm := s.messages[channelID]
	if cm == nil {
		return nil
	}
	out := make([]model.Snowflake, 0, len(cm.gapBefore))
	for id := range cm.gapBefore {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Prune bounds memory by dropping the oldest messages beyond retain, never
// the newest. Markers below the new floor go with them; truncated history is
// re-fetchable, not a gap.
func (s *Store) Prune(channelID model.Snowflake, retain int) int {
	if retain <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cm := s.messages[channelID]
	if cm == nil || len(cm.msgs) <= retain {
		return 0
	}
	dropped := len(cm.msgs) - retain
	cm.msgs = append([]model.Message(nil), cm.msgs[dropped:]...)
	floor := cm.msgs[0].ID
	for id := range cm.gapBefore {
		if id <= floor {
			delete(cm.gapBefore, id)
		}
	}
	return dropped
}
