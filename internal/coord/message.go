package coord

import (
	"time"

	"github.com/google/uuid"
)

type MessageType string

const (
	MsgTaskAssignment  MessageType = "TASK_ASSIGNMENT"
	MsgTaskAck         MessageType = "TASK_ACK"
	MsgSyncSignal      MessageType = "SYNC_SIGNAL"
	MsgSyncReport      MessageType = "SYNC_REPORT"
	MsgRhythmAction    MessageType = "RHYTHM_ACTION"
	MsgMitigation      MessageType = "MITIGATION"
	MsgAmplification   MessageType = "AMPLIFICATION"
	MsgResourceGranted MessageType = "RESOURCE_GRANTED"
	MsgBroadcast       MessageType = "BROADCAST"
)

// Message is the envelope exchanged with agents. The transport carrying it
// belongs to the messaging collaborator.
type Message struct {
	ID        string         `json:"id"`
	Type      MessageType    `json:"type"`
	From      string         `json:"from"`
	To        string         `json:"to,omitempty"`
	Content   map[string]any `json:"content,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func NewMessage(typ MessageType, from, to string, content map[string]any) Message {
	return Message{
		ID:        uuid.New().String(),
		Type:      typ,
		From:      from,
		To:        to,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// Readdress returns a copy of the message for another recipient with a
// fresh id.
func (m Message) Readdress(to string) Message {
	m.ID = uuid.New().String()
	m.To = to
	return m
}

// StringField returns a string field from the content, or "".
func (m Message) StringField(key string) string {
	v, _ := m.Content[key].(string)
	return v
}

// BoolField returns a bool field from the content, or def when absent.
func (m Message) BoolField(key string, def bool) bool {
	v, ok := m.Content[key].(bool)
	if !ok {
		return def
	}
	return v
}
