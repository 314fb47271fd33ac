// Package protocol defines the JSON text frames exchanged over a sync
// connection.
package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/recetteo/listes/pkg/model"
)

type MessageType string

const (
	// TypeConnected is unicast to a session right after its handshake.
	TypeConnected MessageType = "connected"
	// TypeListUpdate replaces the items of a list.
	TypeListUpdate MessageType = "list_update"
	// TypeCategoriesUpdate replaces the categories of a list.
	TypeCategoriesUpdate MessageType = "categories_update"
	// TypeUnknown tags any frame whose type is not recognized. Unknown
	// frames are dropped, never treated as errors.
	TypeUnknown MessageType = ""
)

var (
	ErrEmpty     = errors.New("empty frame")
	ErrMalformed = errors.New("malformed frame")
)

type Message struct {
	Type       MessageType      `json:"type"`
	ListID     string           `json:"listId"`
	List       []model.Item     `json:"list,omitempty"`
	Categories []model.Category `json:"categories,omitempty"`
	Timestamp  int64            `json:"timestamp,omitempty"`
}

// Parse decodes an inbound frame. Empty payloads and invalid JSON are
// reported as ErrEmpty and ErrMalformed; an unrecognized type decodes
// successfully with Type == TypeUnknown so callers can no-op it.
func Parse(raw []byte) (Message, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return Message{}, ErrEmpty
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, ErrMalformed
	}
	switch msg.Type {
	case TypeConnected, TypeListUpdate, TypeCategoriesUpdate:
	default:
		msg.Type = TypeUnknown
	}
	return msg, nil
}

func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Now is the wire timestamp: Unix milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// Connected builds the handshake confirmation for a list.
func Connected(listID string) Message {
	return Message{Type: TypeConnected, ListID: listID, Timestamp: Now()}
}
