package gateway

import (
	"time"

	"termchat/internal/model"
)

// Event is the closed set of things a gateway frame can decode into. The
// session loop switches over it exhaustively.
type Event interface{ isEvent() }

type Hello struct {
	HeartbeatInterval time.Duration
}

// Ready carries the initial state snapshot the server pushes on identify.
// Seq is the sequence number of the READY frame itself; the session adopts
// it so a resume is possible before the first ordinary dispatch arrives.
type Ready struct {
	SessionID  string
	ResumeURL  string
	Seq        int64
	User       model.User
	Guilds     []GuildSnapshot
	Channels   []model.Channel // DM channels
	ReadStates []model.ReadState
}

type GuildSnapshot struct {
	Guild    model.Guild
	Channels []model.Channel
	Members  []model.Member
}

type Resumed struct {
	Seq int64
}

type Reconnect struct{}

// HeartbeatRequest is the server asking for an immediate heartbeat (op 1
// sent server-to-client). It can arrive at any point after connect.
type HeartbeatRequest struct{}

// UnknownOp is a well-formed frame with an opcode outside the modeled set.
// Forward compatible: the session logs and drops it.
type UnknownOp struct {
	Op int
}

type InvalidSession struct {
	Resumable bool
}

type HeartbeatAck struct{}

// Dispatch is a typed domain event carried on an op-0 frame.
type Dispatch struct {
	Type  string
	Seq   int64
	Event DispatchEvent
}

func (Hello) isEvent()            {}
func (Ready) isEvent()            {}
func (Resumed) isEvent()          {}
func (Reconnect) isEvent()        {}
func (HeartbeatRequest) isEvent() {}
func (UnknownOp) isEvent()        {}
func (InvalidSession) isEvent()   {}
func (HeartbeatAck) isEvent()     {}
func (Dispatch) isEvent()         {}

// DispatchEvent is the closed set of domain events.
type DispatchEvent interface{ isDispatchEvent() }

type MessageCreate struct {
	Message model.Message
}

// MessagePatch is a partial update: nil fields were absent on the wire and
// must retain their previously stored values.
type MessagePatch struct {
	ID          model.Snowflake
	ChannelID   model.Snowflake
	Content     *string
	EditedAt    *time.Time
	Attachments *[]model.Attachment
}

type MessageUpdate struct {
	Patch MessagePatch
}

type MessageDelete struct {
	ChannelID model.Snowflake
	MessageID model.Snowflake
}

type MessageDeleteBulk struct {
	ChannelID  model.Snowflake
	MessageIDs []model.Snowflake
}

type ChannelCreate struct {
	Channel model.Channel
}

type ChannelUpdate struct {
	Channel model.Channel
}

type ChannelDelete struct {
	ChannelID model.Snowflake
	GuildID   model.Snowflake
}

type GuildCreate struct {
	Snapshot GuildSnapshot
}

type GuildUpdate struct {
	Guild model.Guild
}

type GuildDelete struct {
	GuildID     model.Snowflake
	Unavailable bool
}

type GuildMemberUpdate struct {
	Member model.Member
}

type GuildMembersChunk struct {
	GuildID model.Snowflake
	Members []model.Member
}

type PresenceUpdate struct {
	Presence model.Presence
}

type TypingStart struct {
	ChannelID model.Snowflake
	UserID    model.Snowflake
	At        time.Time
}

// MessageAck advances the read state for a channel.
type MessageAck struct {
	ChannelID model.Snowflake
	MessageID model.Snowflake
}

// UnknownDispatch is an event type the decoder does not model. Dropped by
// the session loop after a debug log.
type UnknownDispatch struct {
	Type string
}

func (MessageCreate) isDispatchEvent()     {}
func (MessageUpdate) isDispatchEvent()     {}
func (MessageDelete) isDispatchEvent()     {}
func (MessageDeleteBulk) isDispatchEvent() {}
func (ChannelCreate) isDispatchEvent()     {}
func (ChannelUpdate) isDispatchEvent()     {}
func (ChannelDelete) isDispatchEvent()     {}
func (GuildCreate) isDispatchEvent()       {}
func (GuildUpdate) isDispatchEvent()       {}
func (GuildDelete) isDispatchEvent()       {}
func (GuildMemberUpdate) isDispatchEvent() {}
func (GuildMembersChunk) isDispatchEvent() {}
func (PresenceUpdate) isDispatchEvent()    {}
func (TypingStart) isDispatchEvent()       {}
func (MessageAck) isDispatchEvent()        {}
func (UnknownDispatch) isDispatchEvent()   {}
