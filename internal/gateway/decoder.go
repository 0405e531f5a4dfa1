package gateway

import (
	"encoding/json"
	"time"

	"termchat/internal/apperr"
	"termchat/internal/model"
)

// Decode parses one raw gateway frame into a typed Event. It is stateless;
// the caller decides whether a decode failure is fatal (handshake frames)
// or droppable (normal dispatch).
func Decode(raw []byte) (Event, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, apperr.Wrap(apperr.Decode, err, "malformed frame")
	}

	switch f.Op {
	case opHello:
		return decodeHello(f.Data)
	case opHeartbeat:
		return HeartbeatRequest{}, nil
	case opHeartbeatAck:
		return HeartbeatAck{}, nil
	case opReconnect:
		return Reconnect{}, nil
	case opInvalidSession:
		var resumable bool
		// d is a bare boolean; treat a parse failure as not resumable.
		_ = json.Unmarshal(f.Data, &resumable)
		return InvalidSession{Resumable: resumable}, nil
	case opDispatch:
		return decodeDispatch(f)
	}
	// opcodes this client does not model are dropped, not treated as a
	// protocol violation
	return UnknownOp{Op: f.Op}, nil
}

type helloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

func decodeHello(data json.RawMessage) (Event, error) {
	var d helloData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, apperr.Wrap(apperr.Decode, err, "malformed hello")
	}
	if d.HeartbeatInterval <= 0 {
		return nil, apperr.New(apperr.Decode, "hello missing heartbeat_interval")
	}
	return Hello{HeartbeatInterval: time.Duration(d.HeartbeatInterval) * time.Millisecond}, nil
}

func decodeDispatch(f frame) (Event, error) {
	var seq int64
	if f.Seq != nil {
		seq = *f.Seq
	}

	switch f.Type {
	case "READY":
		r, err := decodeReady(f.Data)
		if err != nil {
			return nil, err
		}
		r.Seq = seq
		return r, nil
	case "RESUMED":
		return Resumed{Seq: seq}, nil
	}

	ev, err := decodeDispatchEvent(f.Type, f.Data)
	if err != nil {
		return nil, err
	}
	return Dispatch{Type: f.Type, Seq: seq, Event: ev}, nil
}

// Wire shapes. The REST API and the gateway share these, so internal/rest
// reuses the exported conversion helpers below.

type wireUser struct {
	ID            model.Snowflake `json:"id"`
	Username      string          `json:"username"`
	Discriminator string          `json:"discriminator"`
	GlobalName    string          `json:"global_name"`
	Bot           bool            `json:"bot"`
}

func (w wireUser) user() model.User {
	return model.User{
		ID:            w.ID,
		Username:      w.Username,
		Discriminator: w.Discriminator,
		GlobalName:    w.GlobalName,
		Bot:           w.Bot,
	}
}

type wireAttachment struct {
	ID       model.Snowflake `json:"id"`
	Filename string          `json:"filename"`
	Size     int64           `json:"size"`
	URL      string          `json:"url"`
	Width    int             `json:"width"`
	Height   int             `json:"height"`
}

type wireReference struct {
	MessageID model.Snowflake `json:"message_id"`
	ChannelID model.Snowflake `json:"channel_id"`
	GuildID   model.Snowflake `json:"guild_id"`
}

type WireMessage struct {
	ID          model.Snowflake  `json:"id"`
	ChannelID   model.Snowflake  `json:"channel_id"`
	GuildID     model.Snowflake  `json:"guild_id"`
	Author      *wireUser        `json:"author"`
	Content     *string          `json:"content"`
	EditedAt    *time.Time       `json:"edited_timestamp"`
	Attachments []wireAttachment `json:"attachments"`
	Reference   *wireReference   `json:"message_reference"`
	Nonce       json.RawMessage  `json:"nonce"`
}

// Message converts the wire shape to the domain entity.
func (w WireMessage) Message() model.Message {
	m := model.Message{
		ID:        w.ID,
		ChannelID: w.ChannelID,
		GuildID:   w.GuildID,
		EditedAt:  w.EditedAt,
	}
	if w.Content != nil {
		m.Content = *w.Content
	}
	if w.Author != nil {
		m.Author = w.Author.user()
		m.AuthorID = w.Author.ID
	}
	for _, a := range w.Attachments {
		m.Attachments = append(m.Attachments, model.Attachment{
			ID:       a.ID,
			Filename: a.Filename,
			Size:     a.Size,
			URL:      a.URL,
			Width:    a.Width,
			Height:   a.Height,
		})
	}
	if w.Reference != nil {
		m.Reference = &model.MessageReference{
			MessageID: w.Reference.MessageID,
			ChannelID: w.Reference.ChannelID,
			GuildID:   w.Reference.GuildID,
		}
	}
	// nonce may arrive as a string or an integer
	if len(w.Nonce) > 0 {
		var s string
		if err := json.Unmarshal(w.Nonce, &s); err == nil {
			m.Nonce = s
		} else {
			m.Nonce = string(w.Nonce)
		}
	}
	return m
}

type wireChannel struct {
	ID            model.Snowflake   `json:"id"`
	GuildID       model.Snowflake   `json:"guild_id"`
	Type          model.ChannelType `json:"type"`
	Name          string            `json:"name"`
	Topic         string            `json:"topic"`
	Position      int               `json:"position"`
	ParentID      model.Snowflake   `json:"parent_id"`
	LastMessageID model.Snowflake   `json:"last_message_id"`
	Recipients    []wireUser        `json:"recipients"`
}

func (w wireChannel) channel(guildID model.Snowflake) model.Channel {
	c := model.Channel{
		ID:            w.ID,
		GuildID:       w.GuildID,
		Type:          w.Type,
		Name:          w.Name,
		Topic:         w.Topic,
		Position:      w.Position,
		ParentID:      w.ParentID,
		LastMessageID: w.LastMessageID,
	}
	if c.GuildID.IsZero() {
		c.GuildID = guildID
	}
	for _, r := range w.Recipients {
		c.RecipientIDs = append(c.RecipientIDs, r.ID)
	}
	return c
}

type wireMember struct {
	User     *wireUser         `json:"user"`
	Nick     string            `json:"nick"`
	Roles    []model.Snowflake `json:"roles"`
	JoinedAt time.Time         `json:"joined_at"`
	GuildID  model.Snowflake   `json:"guild_id"`
}

func (w wireMember) member(guildID model.Snowflake) model.Member {
	m := model.Member{
		GuildID:  w.GuildID,
		Nick:     w.Nick,
		RoleIDs:  w.Roles,
		JoinedAt: w.JoinedAt,
	}
	if m.GuildID.IsZero() {
		m.GuildID = guildID
	}
	if m.RoleIDs == nil {
		m.RoleIDs = []model.Snowflake{}
	}
	if w.User != nil {
		m.UserID = w.User.ID
	}
	return m
}

type wireGuild struct {
	ID       model.Snowflake   `json:"id"`
	Name     string            `json:"name"`
	Roles    []json.RawMessage `json:"roles"`
	Channels []wireChannel     `json:"channels"`
	Members  []wireMember      `json:"members"`
}

func (w wireGuild) snapshot() GuildSnapshot {
	g := model.Guild{ID: w.ID, Name: w.Name}
	for _, r := range w.Roles {
		var role struct {
			ID model.Snowflake `json:"id"`
		}
		if err := json.Unmarshal(r, &role); err == nil && !role.ID.IsZero() {
			g.RoleIDs = append(g.RoleIDs, role.ID)
		}
	}
	snap := GuildSnapshot{Guild: g}
	for _, c := range w.Channels {
		ch := c.channel(w.ID)
		snap.Channels = append(snap.Channels, ch)
		snap.Guild.ChannelIDs = append(snap.Guild.ChannelIDs, ch.ID)
	}
	for _, m := range w.Members {
		mem := m.member(w.ID)
		if !mem.UserID.IsZero() {
			snap.Members = append(snap.Members, mem)
		}
	}
	return snap
}

type wireReadState struct {
	ID            model.Snowflake `json:"id"`
	LastMessageID model.Snowflake `json:"last_message_id"`
	MentionCount  int             `json:"mention_count"`
}

type readyData struct {
	SessionID       string          `json:"session_id"`
	ResumeURL       string          `json:"resume_gateway_url"`
	User            wireUser        `json:"user"`
	Guilds          []wireGuild     `json:"guilds"`
	PrivateChannels []wireChannel   `json:"private_channels"`
	ReadState       []wireReadState `json:"read_state"`
}

func decodeReady(data json.RawMessage) (Ready, error) {
	var d readyData
	if err := json.Unmarshal(data, &d); err != nil {
		return Ready{}, apperr.Wrap(apperr.Decode, err, "malformed ready")
	}
	if d.SessionID == "" {
		return Ready{}, apperr.New(apperr.Decode, "ready missing session_id")
	}

	r := Ready{
		SessionID: d.SessionID,
		ResumeURL: d.ResumeURL,
		User:      d.User.user(),
	}
	for _, g := range d.Guilds {
		r.Guilds = append(r.Guilds, g.snapshot())
	}
	for _, c := range d.PrivateChannels {
		r.Channels = append(r.Channels, c.channel(0))
	}
	for _, rs := range d.ReadState {
		r.ReadStates = append(r.ReadStates, model.ReadState{
			ChannelID:    rs.ID,
			LastReadID:   rs.LastMessageID,
			MentionCount: rs.MentionCount,
		})
	}
	return r, nil
}

func decodeDispatchEvent(eventType string, data json.RawMessage) (DispatchEvent, error) {
	switch eventType {
	case "MESSAGE_CREATE":
		var w WireMessage
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, apperr.Wrap(apperr.Decode, err, "malformed message_create")
		}
		if w.ID.IsZero() || w.ChannelID.IsZero() {
			return nil, apperr.New(apperr.Decode, "message_create missing ids")
		}
		return MessageCreate{Message: w.Message()}, nil

	case "MESSAGE_UPDATE":
		var w WireMessage
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, apperr.Wrap(apperr.Decode, err, "malformed message_update")
		}
		if w.ID.IsZero() || w.ChannelID.IsZero() {
			return nil, apperr.New(apperr.Decode, "message_update missing ids")
		}
		p := MessagePatch{
			ID:        w.ID,
			ChannelID: w.ChannelID,
			Content:   w.Content,
			EditedAt:  w.EditedAt,
		}
		if w.Attachments != nil {
			atts := make([]model.Attachment, 0, len(w.Attachments))
			for _, a := range w.Attachments {
				atts = append(atts, model.Attachment{
					ID: a.ID, Filename: a.Filename, Size: a.Size,
					URL: a.URL, Width: a.Width, Height: a.Height,
				})
			}
			p.Attachments = &atts
		}
		return MessageUpdate{Patch: p}, nil

	case "MESSAGE_DELETE":
		var d struct {
			ID        model.Snowflake `json:"id"`
			ChannelID model.Snowflake `json:"channel_id"`
		}
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, apperr.Wrap(apperr.Decode, err, "malformed message_delete")
		}
		return MessageDelete{ChannelID: d.ChannelID, MessageID: d.ID}, nil

	case "MESSAGE_DELETE_BULK":
		var d struct {
			IDs       []model.Snowflake `json:"ids"`
			ChannelID model.Snowflake   `json:"channel_id"`
		}
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, apperr.Wrap(apperr.Decode, err, "malformed message_delete_bulk")
		}
		return MessageDeleteBulk{ChannelID: d.ChannelID, MessageIDs: d.IDs}, nil

	case "CHANNEL_CREATE", "CHANNEL_UPDATE":
		var w wireChannel
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, apperr.Wrap(apperr.Decode, err, "malformed channel event")
		}
		if eventType == "CHANNEL_CREATE" {
			return ChannelCreate{Channel: w.channel(0)}, nil
		}
		return ChannelUpdate{Channel: w.channel(0)}, nil

	case "CHANNEL_DELETE":
		var w wireChannel
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, apperr.Wrap(apperr.Decode, err, "malformed channel_delete")
		}
		return ChannelDelete{ChannelID: w.ID, GuildID: w.GuildID}, nil

	case "GUILD_CREATE":
		var w wireGuild
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, apperr.Wrap(apperr.Decode, err, "malformed guild_create")
		}
		return GuildCreate{Snapshot: w.snapshot()}, nil

	case "GUILD_UPDATE":
		var w wireGuild
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, apperr.Wrap(apperr.Decode, err, "malformed guild_update")
		}
		return GuildUpdate{Guild: model.Guild{ID: w.ID, Name: w.Name}}, nil

	case "GUILD_DELETE":
		var d struct {
			ID          model.Snowflake `json:"id"`
			Unavailable bool            `json:"unavailable"`
		}
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, apperr.Wrap(apperr.Decode, err, "malformed guild_delete")
		}
		return GuildDelete{GuildID: d.ID, Unavailable: d.Unavailable}, nil

	case "GUILD_MEMBER_UPDATE":
		var w wireMember
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, apperr.Wrap(apperr.Decode, err, "malformed guild_member_update")
		}
		m := w.member(w.GuildID)
		if m.UserID.IsZero() {
			return nil, apperr.New(apperr.Decode, "guild_member_update missing user")
		}
		return GuildMemberUpdate{Member: m}, nil

	case "GUILD_MEMBERS_CHUNK":
		var d struct {
			GuildID model.Snowflake `json:"guild_id"`
			Members []wireMember    `json:"members"`
		}
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, apperr.Wrap(apperr.Decode, err, "malformed guild_members_chunk")
		}
		chunk := GuildMembersChunk{GuildID: d.GuildID}
		for _, m := range d.Members {
			mem := m.member(d.GuildID)
			if !mem.UserID.IsZero() {
				chunk.Members = append(chunk.Members, mem)
			}
		}
		return chunk, nil

	case "PRESENCE_UPDATE":
		var d struct {
			User       wireUser `json:"user"`
			Status     string   `json:"status"`
			Activities []struct {
				Name string `json:"name"`
			} `json:"activities"`
		}
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, apperr.Wrap(apperr.Decode, err, "malformed presence_update")
		}
		p := model.Presence{UserID: d.User.ID, Status: model.PresenceStatus(d.Status)}
		if len(d.Activities) > 0 {
			p.Activity = d.Activities[0].Name
		}
		return PresenceUpdate{Presence: p}, nil

	case "TYPING_START":
		var d struct {
			ChannelID model.Snowflake `json:"channel_id"`
			UserID    model.Snowflake `json:"user_id"`
			Timestamp int64           `json:"timestamp"`
		}
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, apperr.Wrap(apperr.Decode, err, "malformed typing_start")
		}
		return TypingStart{
			ChannelID: d.ChannelID,
			UserID:    d.UserID,
			At:        time.Unix(d.Timestamp, 0),
		}, nil

	case "MESSAGE_ACK":
		var d struct {
			ChannelID model.Snowflake `json:"channel_id"`
			MessageID model.Snowflake `json:"message_id"`
		}
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, apperr.Wrap(apperr.Decode, err, "malformed message_ack")
		}
		return MessageAck{ChannelID: d.ChannelID, MessageID: d.MessageID}, nil
	}

	return UnknownDispatch{Type: eventType}, nil
}
