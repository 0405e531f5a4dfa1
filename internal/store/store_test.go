package store

import (
	"testing"

	"termchat/internal/model"
)

func seedGuildWithChannel(s *Store, guildID, channelID model.Snowflake) {
	s.UpsertGuild(model.Guild{ID: guildID, Name: "g", ChannelIDs: []model.Snowflake{channelID}})
	s.UpsertChannel(model.Channel{ID: channelID, GuildID: guildID, Type: model.ChannelGuildText})
}

func TestUpsertGuild_PartialKeepsMembership(t *testing.T) {
	s := New()
	s.UpsertGuild(model.Guild{ID: 1, Name: "old", ChannelIDs: []model.Snowflake{10, 11}})

	// a rename without channel lists must not wipe the known membership
	g, changed := s.UpsertGuild(model.Guild{ID: 1, Name: "new"})
	if !changed {
		t.Fatalf("expected rename to register as a change")
	}
	if g.Name != "new" || len(g.ChannelIDs) != 2 {
		t.Fatalf("partial upsert lost state: %+v", g)
	}

	if _, changed := s.UpsertGuild(model.Guild{ID: 1, Name: "new"}); changed {
		t.Fatalf("identical upsert should be a no-op")
	}
}

func TestRemoveGuild_Cascades(t *testing.T) {
	s := New()
	seedGuildWithChannel(s, 1, 10)
	s.AppendMessage(model.Message{ID: 100, ChannelID: 10})
	s.UpsertMember(model.Member{GuildID: 1, UserID: 5})
	s.SetReadState(10, 100)

	if !s.RemoveGuild(1) {
		t.Fatalf("remove failed")
	}
	if _, ok := s.Channel(10); ok {
		t.Fatalf("channel survived guild removal")
	}
	if msgs := s.Messages(10); len(msgs) != 0 {
		t.Fatalf("messages survived guild removal")
	}
	if _, ok := s.Member(1, 5); ok {
		t.Fatalf("member survived guild removal")
	}
	if _, ok := s.ReadState(10); ok {
		t.Fatalf("read state survived guild removal")
	}
	if s.RemoveGuild(1) {
		t.Fatalf("second remove should be a no-op")
	}
}

func TestUpsertChannel_LastMessageMonotonic(t *testing.T) {
	s := New()
	s.UpsertChannel(model.Channel{ID: 10, Type: model.ChannelGuildText, LastMessageID: 500})

	// a stale snapshot must not rewind the pointer
	c, _ := s.UpsertChannel(model.Channel{ID: 10, Type: model.ChannelGuildText, LastMessageID: 400})
	if c.LastMessageID != 500 {
		t.Fatalf("last_message_id rewound to %v", c.LastMessageID)
	}

	c, _ = s.UpsertChannel(model.Channel{ID: 10, Type: model.ChannelGuildText, LastMessageID: 600})
	if c.LastMessageID != 600 {
		t.Fatalf("last_message_id did not advance: %v", c.LastMessageID)
	}
}

func TestUpsertChannel_JoinsGuildList(t *testing.T) {
	s := New()
	s.UpsertGuild(model.Guild{ID: 1, Name: "g"})
	s.UpsertChannel(model.Channel{ID: 10, GuildID: 1, Type: model.ChannelGuildText})

	g, _ := s.Guild(1)
	if len(g.ChannelIDs) != 1 || g.ChannelIDs[0] != 10 {
		t.Fatalf("guild channel list not synced: %v", g.ChannelIDs)
	}

	s.RemoveChannel(10)
	g, _ = s.Guild(1)
	if len(g.ChannelIDs) != 0 {
		t.Fatalf("guild channel list kept removed channel: %v", g.ChannelIDs)
	}
}

func TestGuildChannels_OrderedByPosition(t *testing.T) {
	s := New()
	s.UpsertGuild(model.Guild{ID: 1})
	s.UpsertChannel(model.Channel{ID: 12, GuildID: 1, Position: 2})
	s.UpsertChannel(model.Channel{ID: 11, GuildID: 1, Position: 1})
	s.UpsertChannel(model.Channel{ID: 13, GuildID: 1, Position: 1})

	got := s.GuildChannels(1)
	if len(got) != 3 {
		t.Fatalf("expected 3 channels, got %d", len(got))
	}
	if got[0].ID != 11 || got[1].ID != 13 || got[2].ID != 12 {
		t.Fatalf("wrong order: %v %v %v", got[0].ID, got[1].ID, got[2].ID)
	}
}

func TestDMChannels_MostRecentFirst(t *testing.T) {
	s := New()
	s.UpsertChannel(model.Channel{ID: 20, Type: model.ChannelDM, LastMessageID: 100})
	s.UpsertChannel(model.Channel{ID: 21, Type: model.ChannelDM, LastMessageID: 300})
	s.UpsertChannel(model.Channel{ID: 22, Type: model.ChannelGroupDM, LastMessageID: 200})
	s.UpsertChannel(model.Channel{ID: 10, Type: model.ChannelGuildText, GuildID: 1, LastMessageID: 999})

	got := s.DMChannels()
	if len(got) != 3 {
		t.Fatalf("expected 3 DM channels, got %d", len(got))
	}
	if got[0].ID != 21 || got[1].ID != 22 || got[2].ID != 20 {
		t.Fatalf("wrong DM order: %v %v %v", got[0].ID, got[1].ID, got[2].ID)
	}
}

func TestUpsertMember_RolesNeverNil(t *testing.T) {
	s := New()
	m, _ := s.UpsertMember(model.Member{GuildID: 1, UserID: 5, Nick: "n"})
	if m.RoleIDs == nil {
		t.Fatalf("stored member has nil roles")
	}

	// absent entry vs known-empty-roles are distinct states
	if _, ok := s.Member(1, 6); ok {
		t.Fatalf("unfetched member should be absent")
	}
	got, ok := s.Member(1, 5)
	if !ok || got.RoleIDs == nil || len(got.RoleIDs) != 0 {
		t.Fatalf("fetched member should be present with empty roles: %+v", got)
	}

	if _, changed := s.UpsertMember(model.Member{GuildID: 1, UserID: 5, Nick: "n"}); changed {
		t.Fatalf("identical member upsert should be a no-op")
	}
}

func TestUpsertPresence_LastWriteWins(t *testing.T) {
	s := New()
	s.UpsertPresence(model.Presence{UserID: 5, Status: model.StatusOnline})
	p, changed := s.UpsertPresence(model.Presence{UserID: 5, Status: model.StatusIdle})
	if !changed || p.Status != model.StatusIdle {
		t.Fatalf("presence not replaced: %+v", p)
	}
	if _, changed := s.UpsertPresence(model.Presence{UserID: 5, Status: model.StatusIdle}); changed {
		t.Fatalf("identical presence should be a no-op")
	}
}

func TestSetReadState_Monotonic(t *testing.T) {
	s := New()
	seedGuildWithChannel(s, 1, 10)

	if _, changed := s.SetReadState(10, 100); !changed {
		t.Fatalf("first ack rejected")
	}
	if _, changed := s.SetReadState(10, 50); changed {
		t.Fatalf("bookmark moved backward")
	}
	if _, changed := s.SetReadState(10, 100); changed {
		t.Fatalf("equal ack should be a no-op")
	}
	rs, _ := s.ReadState(10)
	if rs.LastReadID != 100 {
		t.Fatalf("bookmark = %v, want 100", rs.LastReadID)
	}
}

func TestGuildUnread_DerivedFromReadStates(t *testing.T) {
	s := New()
	seedGuildWithChannel(s, 1, 10)

	s.AppendMessage(model.Message{ID: 100, ChannelID: 10})
	g, _ := s.Guild(1)
	if !g.Unread {
		t.Fatalf("guild should be unread after new message")
	}

	s.SetReadState(10, 100)
	g, _ = s.Guild(1)
	if g.Unread {
		t.Fatalf("guild should be read after acking the tail")
	}

	s.AppendMessage(model.Message{ID: 101, ChannelID: 10})
	g, _ = s.Guild(1)
	if !g.Unread {
		t.Fatalf("guild should flip back to unread")
	}
}

func TestSeedReadState_KeepsNewerBookmark(t *testing.T) {
	s := New()
	seedGuildWithChannel(s, 1, 10)
	s.SetReadState(10, 200)

	if _, changed := s.SeedReadState(model.ReadState{ChannelID: 10, LastReadID: 100, MentionCount: 3}); changed {
		t.Fatalf("stale snapshot replaced a newer bookmark")
	}
	rs, _ := s.ReadState(10)
	if rs.LastReadID != 200 {
		t.Fatalf("bookmark = %v, want 200", rs.LastReadID)
	}

	s.SeedReadState(model.ReadState{ChannelID: 10, LastReadID: 300, MentionCount: 2})
	rs, _ = s.ReadState(10)
	if rs.LastReadID != 300 || rs.MentionCount != 2 {
		t.Fatalf("snapshot seed not applied: %+v", rs)
	}
}

func TestReset_WipesEverything(t *testing.T) {
	s := New()
	seedGuildWithChannel(s, 1, 10)
	s.AppendMessage(model.Message{ID: 100, ChannelID: 10})
	s.SetCurrentUser(model.User{ID: 7, Username: "me"})

	s.Reset()

	if len(s.Guilds()) != 0 {
		t.Fatalf("guilds survived reset")
	}
	if msgs := s.Messages(10); len(msgs) != 0 {
		t.Fatalf("messages survived reset")
	}
	if u := s.CurrentUser(); !u.ID.IsZero() {
		t.Fatalf("current user survived reset")
	}
}

func TestReplaceAll_SwapsWholeCache(t *testing.T) {
	s := New()
	seedGuildWithChannel(s, 1, 10)
	s.AppendMessage(model.Message{ID: 100, ChannelID: 10})

	staged := New()
	seedGuildWithChannel(staged, 2, 20)
	staged.SetCurrentUser(model.User{ID: 7, Username: "me"})

	s.ReplaceAll(staged)

	if _, ok := s.Guild(1); ok {
		t.Fatalf("old guild survived the swap")
	}
	if _, ok := s.Guild(2); !ok {
		t.Fatalf("staged guild missing after the swap")
	}
	if msgs := s.Messages(10); len(msgs) != 0 {
		t.Fatalf("old messages survived the swap")
	}
	if u := s.CurrentUser(); u.ID != 7 {
		t.Fatalf("current user not swapped: %+v", u)
	}
}
