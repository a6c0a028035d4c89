// Package protocol defines the JSON text frames exchanged with chat clients.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
)

// Literal frames sent as bare text.
const (
	Greeting  = "hi"
	Connected = "connected"
)

// Request acts.
const (
	ActPing       = "ping"
	ActSendTxt    = "sendTxt"
	ActUpdatePub  = "updatePub"
	ActUpdateSign = "updateSign"
	ActGetPub     = "getPub"
	ActGetSignPub = "getSignPub"
)

// Response tags.
const (
	RespPong    = "pong"
	RespTxtMsg  = "txtMsg"
	RespPubKey  = "pubKey"
	RespSignKey = "signKey"
)

// Error codes.
const (
	ErrCodeInvalid       = "invalid"
	ErrCodeAnotherOnline = "anotherOnline"
)

var (
	ErrMalformed  = errors.New("frame is not a JSON object")
	ErrMissingUID = errors.New("identify frame requires a string uid")
	ErrMissingAct = errors.New("request frame requires a string act")
)

// Identify is the first frame a client sends.
type Identify struct {
	UID string
}

// ParseIdentify decodes an identify frame.
func ParseIdentify(data []byte) (Identify, error) {
	fields, err := parseObject(data)
	if err != nil {
		return Identify{}, err
	}
	uid, ok := stringValue(fields["uid"])
	if !ok || uid == "" {
		return Identify{}, ErrMissingUID
	}
	return Identify{UID: uid}, nil
}

// Request is an inbound frame of an identified client.
type Request struct {
	Act    string
	fields map[string]json.RawMessage
}

// ParseRequest decodes a request frame; act must be a non-empty string.
func ParseRequest(data []byte) (Request, error) {
	fields, err := parseObject(data)
	if err != nil {
		return Request{}, err
	}
	act, ok := stringValue(fields["act"])
	if !ok || act == "" {
		return Request{}, ErrMissingAct
	}
	return Request{Act: act, fields: fields}, nil
}

// Raw returns the undecoded value of a field, or nil when absent.
func (r Request) Raw(name string) json.RawMessage {
	return r.fields[name]
}

// String returns a field that holds a JSON string.
func (r Request) String(name string) (string, bool) {
	return stringValue(r.fields[name])
}

// FirstString returns the first of names holding a non-empty string.
func (r Request) FirstString(names ...string) (string, bool) {
	for _, name := range names {
		if s, ok := r.String(name); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// Payload groups the opaque message fields relayed between clients.
type Payload struct {
	Data    json.RawMessage
	IV      json.RawMessage
	GID     json.RawMessage
	Key     json.RawMessage
	Sig     json.RawMessage
	Purpose json.RawMessage
}

// Payload extracts the relayed fields of a sendTxt request.
func (r Request) Payload() Payload {
	return Payload{
		Data:    r.Raw("data"),
		IV:      r.Raw("iv"),
		GID:     r.Raw("gid"),
		Key:     r.Raw("key"),
		Sig:     r.Raw("sig"),
		Purpose: r.Raw("purpose"),
	}
}

// TxtMsg delivers a message to its recipient.
type TxtMsg struct {
	Resp    string          `json:"resp"`
	Target  string          `json:"target"`
	UID     string          `json:"uid"`
	Data    json.RawMessage `json:"data,omitempty"`
	IV      json.RawMessage `json:"iv,omitempty"`
	GID     json.RawMessage `json:"gid,omitempty"`
	Key     json.RawMessage `json:"key,omitempty"`
	Sig     json.RawMessage `json:"sig,omitempty"`
	Purpose json.RawMessage `json:"purpose,omitempty"`
	Time    int64           `json:"time"`
}

// NewTxtMsg builds the delivery frame from sender to target stamped at ms.
func NewTxtMsg(target, sender string, p Payload, ms int64) TxtMsg {
	return TxtMsg{
		Resp:    RespTxtMsg,
		Target:  target,
		UID:     sender,
		Data:    p.Data,
		IV:      p.IV,
		GID:     p.GID,
		Key:     p.Key,
		Sig:     p.Sig,
		Purpose: p.Purpose,
		Time:    ms,
	}
}

// Pong answers a ping with the server clock in milliseconds.
type Pong struct {
	Resp     string `json:"resp"`
	ServTime int64  `json:"servTime"`
}

// KeyReply answers getPub and getSignPub; Pub is null when nothing is stored.
type KeyReply struct {
	Resp string          `json:"resp"`
	UID  json.RawMessage `json:"uid,omitempty"`
	Pub  json.RawMessage `json:"pub"`
}

// ErrorFrame reports a protocol or identity error.
type ErrorFrame struct {
	Err   string `json:"err"`
	Lives *int   `json:"lives,omitempty"`
}

// Invalid builds the strike response carrying the remaining lives.
func Invalid(lives int) ErrorFrame {
	return ErrorFrame{Err: ErrCodeInvalid, Lives: &lives}
}

// Encode marshals an outbound frame. Relayed fields keep their characters
// as sent (no HTML escaping); insignificant whitespace is compacted.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func parseObject(data []byte) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrMalformed
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, ErrMalformed
	}
	return fields, nil
}

func stringValue(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
