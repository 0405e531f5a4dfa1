package model

import (
	"fmt"
	"strconv"
	"time"
)

// Snowflake is a 64-bit time-ordered identifier. Ascending numeric order is
// ascending creation order; the wire encodes it as a decimal string.
type Snowflake uint64

const snowflakeEpochMillis = 1420070400000

func ParseSnowflake(s string) (Snowflake, error) {
	if s == "" {
		return 0, fmt.Errorf("empty snowflake")
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid snowflake %q", s)
	}
	return Snowflake(v), nil
}

func (s Snowflake) String() string {
	return strconv.FormatUint(uint64(s), 10)
}

func (s Snowflake) IsZero() bool { return s == 0 }

// Time returns the creation time embedded in the id.
func (s Snowflake) Time() time.Time {
	millis := int64(s>>22) + snowflakeEpochMillis
	return time.UnixMilli(millis)
}

// SnowflakeAt builds a provisional id whose timestamp is t. Used for
// optimistic pending messages so they sort after cached history.
func SnowflakeAt(t time.Time) Snowflake {
	millis := t.UnixMilli() - snowflakeEpochMillis
	if millis < 0 {
		millis = 0
	}
	return Snowflake(uint64(millis) << 22)
}

func (s Snowflake) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

func (s *Snowflake) UnmarshalJSON(data []byte) error {
	raw := string(data)
	if raw == "null" {
		*s = 0
		return nil
	}
	if len(raw) >= 2 && raw[0] == '"' && raw[len(raw)-1] == '"' {
		raw = raw[1 : len(raw)-1]
	}
	if raw == "" {
		*s = 0
		return nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid snowflake %q", raw)
	}
	*s = Snowflake(v)
	return nil
}

type ChannelType int

const (
	ChannelGuildText     ChannelType = 0
	ChannelDM            ChannelType = 1
	ChannelGuildVoice    ChannelType = 2
	ChannelGroupDM       ChannelType = 3
	ChannelGuildCategory ChannelType = 4
	ChannelAnnouncement  ChannelType = 5
	ChannelPublicThread  ChannelType = 11
	ChannelPrivateThread ChannelType = 12
)

func (t ChannelType) IsTextual() bool {
	switch t {
	case ChannelGuildText, ChannelDM, ChannelGroupDM, ChannelAnnouncement,
		ChannelPublicThread, ChannelPrivateThread:
		return true
	}
	return false
}

func (t ChannelType) IsDM() bool {
	return t == ChannelDM || t == ChannelGroupDM
}

type Guild struct {
	ID         Snowflake   `json:"id"`
	Name       string      `json:"name"`
	ChannelIDs []Snowflake `json:"channel_ids,omitempty"`
	RoleIDs    []Snowflake `json:"role_ids,omitempty"`
	Unread     bool        `json:"unread"`
}

// Channel belongs to a Guild by id only; GuildID is zero for DMs.
type Channel struct {
	ID            Snowflake   `json:"id"`
	GuildID       Snowflake   `json:"guild_id,omitempty"`
	Type          ChannelType `json:"type"`
	Name          string      `json:"name,omitempty"`
	Topic         string      `json:"topic,omitempty"`
	Position      int         `json:"position,omitempty"`
	ParentID      Snowflake   `json:"parent_id,omitempty"`
	LastMessageID Snowflake   `json:"last_message_id,omitempty"`
	RecipientIDs  []Snowflake `json:"recipient_ids,omitempty"`
}

type User struct {
	ID            Snowflake `json:"id"`
	Username      string    `json:"username"`
	Discriminator string    `json:"discriminator,omitempty"`
	GlobalName    string    `json:"global_name,omitempty"`
	Bot           bool      `json:"bot,omitempty"`
}

// DisplayName prefers the global display name over the login name.
func (u User) DisplayName() string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

type Attachment struct {
	ID       Snowflake `json:"id"`
	Filename string    `json:"filename"`
	Size     int64     `json:"size"`
	URL      string    `json:"url"`
	Width    int       `json:"width,omitempty"`
	Height   int       `json:"height,omitempty"`
}

// MessageReference points at the message being replied to, by id.
type MessageReference struct {
	MessageID Snowflake `json:"message_id,omitempty"`
	ChannelID Snowflake `json:"channel_id,omitempty"`
	GuildID   Snowflake `json:"guild_id,omitempty"`
}

type Message struct {
	ID          Snowflake         `json:"id"`
	ChannelID   Snowflake         `json:"channel_id"`
	GuildID     Snowflake         `json:"guild_id,omitempty"`
	AuthorID    Snowflake         `json:"author_id"`
	Author      User              `json:"author"`
	Content     string            `json:"content"`
	EditedAt    *time.Time        `json:"edited_timestamp,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Reference   *MessageReference `json:"message_reference,omitempty"`
	Nonce       string            `json:"nonce,omitempty"`
	Pending     bool              `json:"pending,omitempty"`
}

// Member is keyed by (GuildID, UserID). An absent entry means "not yet
// fetched", which is distinct from a member known to have no roles.
type Member struct {
	GuildID  Snowflake   `json:"guild_id"`
	UserID   Snowflake   `json:"user_id"`
	Nick     string      `json:"nick,omitempty"`
	RoleIDs  []Snowflake `json:"roles"`
	JoinedAt time.Time   `json:"joined_at,omitempty"`
}

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusIdle    PresenceStatus = "idle"
	StatusDND     PresenceStatus = "dnd"
	StatusOffline PresenceStatus = "offline"
)

type Presence struct {
	UserID   Snowflake      `json:"user_id"`
	Status   PresenceStatus `json:"status"`
	Activity string         `json:"activity,omitempty"`
}

// ReadState is the per-channel bookmark of the last message the user has seen.
type ReadState struct {
	ChannelID    Snowflake `json:"channel_id"`
	LastReadID   Snowflake `json:"last_read_message_id"`
	MentionCount int       `json:"mention_count"`
}
