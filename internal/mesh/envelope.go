// ABOUTME: JSON envelope used on the broker's json channels.
// ABOUTME: Validates required fields and converts to/from Message.

package mesh

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrMalformed indicates a payload that fails envelope validation.
// Malformed messages are dropped at the router, never routed.
var ErrMalformed = errors.New("malformed message")

// Envelope is the JSON wire format on the broker channels:
//
//	{"from":"!abc","to":"llm","id":"m1","time":1000,"text":"hi"}
//
// All fields are required. `to` distinguishes dedicated-channel requests
// ("llm") from direct addressing (a node id) from broadcast.
type Envelope struct {
	From string          `json:"from"`
	To   string          `json:"to"`
	ID   json.RawMessage `json:"id"`
	Time int64           `json:"time"`
	Text string          `json:"text"`
}

// ParseEnvelope decodes and validates a broker payload, returning the
// normalized Message. Firmware emits numeric ids and the json channel
// emits string ids; both are accepted.
func ParseEnvelope(payload []byte, channel string) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	id, err := decodeID(env.ID)
	if err != nil {
		return Message{}, err
	}

	switch {
	case env.From == "":
		return Message{}, fmt.Errorf("%w: missing from", ErrMalformed)
	case id == "":
		return Message{}, fmt.Errorf("%w: missing id", ErrMalformed)
	case env.Text == "":
		return Message{}, fmt.Errorf("%w: missing text", ErrMalformed)
	case env.Time == 0:
		return Message{}, fmt.Errorf("%w: missing time", ErrMalformed)
	}

	return Message{
		ID:        id,
		Sender:    env.From,
		Recipient: NormalizeRecipient(env.To),
		Channel:   channel,
		Text:      env.Text,
		Timestamp: time.Unix(env.Time, 0),
	}, nil
}

// EncodeEnvelope renders an outbound Message as a broker payload.
func EncodeEnvelope(m Message) ([]byte, error) {
	to := m.Recipient
	if m.IsBroadcast() {
		to = Broadcast
	}
	env := Envelope{
		From: m.Sender,
		To:   to,
		ID:   json.RawMessage(strconv.Quote(m.ID)),
		Time: m.Timestamp.Unix(),
		Text: m.Text,
	}
	return json.Marshal(env)
}

func decodeID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("%w: missing id", ErrMalformed)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("%w: unparseable id", ErrMalformed)
}
