package gateway

import "encoding/json"

// Gateway opcodes, client and server side.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opPresenceUpdate = 3
	opResume         = 6
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatAck   = 11
)

// Intent bits requested at identify time.
const (
	IntentGuilds             = 1 << 0
	IntentGuildMembers       = 1 << 1
	IntentGuildPresences     = 1 << 8
	IntentGuildMessages      = 1 << 9
	IntentGuildMessageTyping = 1 << 11
	IntentDirectMessages     = 1 << 12
	IntentDirectMessageTypes = 1 << 14
	IntentMessageContent     = 1 << 15
)

// DefaultIntents covers everything the sync core consumes.
const DefaultIntents = IntentGuilds |
	IntentGuildMessages |
	IntentGuildMessageTyping |
	IntentDirectMessages |
	IntentDirectMessageTypes |
	IntentMessageContent

const largeThreshold = 250

// frame is the envelope every gateway payload travels in.
type frame struct {
	Op   int             `json:"op"`
	Data json.RawMessage `json:"d,omitempty"`
	Seq  *int64          `json:"s,omitempty"`
	Type string          `json:"t,omitempty"`
}

type identifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type identifyData struct {
	Token          string             `json:"token"`
	Intents        int                `json:"intents"`
	Properties     identifyProperties `json:"properties"`
	LargeThreshold int                `json:"large_threshold"`
}

type resumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

type outbound struct {
	Op   int         `json:"op"`
	Data interface{} `json:"d"`
}

func identifyPayload(token string, intents int) outbound {
	return outbound{
		Op: opIdentify,
		Data: identifyData{
			Token:   token,
			Intents: intents,
			Properties: identifyProperties{
				OS:      "linux",
				Browser: "termchat",
				Device:  "termchat",
			},
			LargeThreshold: largeThreshold,
		},
	}
}

func resumePayload(token, sessionID string, seq int64) outbound {
	return outbound{
		Op:   opResume,
		Data: resumeData{Token: token, SessionID: sessionID, Seq: seq},
	}
}

// heartbeatPayload carries the last seen sequence, or null before the first
// dispatch.
func heartbeatPayload(seq int64) outbound {
	if seq == 0 {
		return outbound{Op: opHeartbeat, Data: nil}
	}
	return outbound{Op: opHeartbeat, Data: seq}
}

type presenceData struct {
	Since      *int64        `json:"since"`
	Activities []interface{} `json:"activities"`
	Status     string        `json:"status"`
	AFK        bool          `json:"afk"`
}

func presencePayload(status string) outbound {
	return outbound{
		Op:   opPresenceUpdate,
		Data: presenceData{Activities: []interface{}{}, Status: status},
	}
}
