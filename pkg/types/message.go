package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Action is the control verb carried by a bus message.
type Action string

const (
	ActionCreate    Action = "create"
	ActionDelete    Action = "delete"
	ActionResetStat Action = "reset_stat"
)

// Valid reports whether the action is known.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionDelete, ActionResetStat:
		return true
	}
	return false
}

// Message is the control payload published on the {env} and {node-uuid}
// topics. Password rides along only for shadowsocks creates.
type Message struct {
	ConnID   uuid.UUID `json:"conn_id"`
	Action   Action    `json:"action"`
	Password string    `json:"password,omitempty"`
}

// EncodeMessage serializes a control message to its UTF-8 JSON wire form.
func EncodeMessage(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses a control message and validates the action verb.
func DecodeMessage(payload []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, fmt.Errorf("decode control message: %w", err)
	}
	if !m.Action.Valid() {
		return Message{}, fmt.Errorf("decode control message: unknown action %q", m.Action)
	}
	return m, nil
}

// Heartbeat is published by agents on the heartbeat topic every 30s. The
// API uses it to track liveness and trigger the initial snapshot.
type Heartbeat struct {
	NodeID   uuid.UUID  `json:"node_id"`
	Env      string     `json:"env"`
	Hostname string     `json:"hostname"`
	Status   NodeStatus `json:"status"`
	Degraded bool       `json:"degraded,omitempty"`
	SentAt   time.Time  `json:"sent_at"`
}

// StatDelta is published by agents on the stats topic after a local
// UpdatedStat so the API converges within one poll interval.
type StatDelta struct {
	ConnID     uuid.UUID `json:"conn_id"`
	Stat       ConnStat  `json:"stat"`
	ModifiedAt time.Time `json:"modified_at"`
}
