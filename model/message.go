package model

import "strconv"

// RawMessage is one fetched mail item as handed over by a source stage.
// UID is zero when the source has no server-assigned identifier.
type RawMessage struct {
	UID    uint32
	SeqNum uint32
	Hash   string
	Raw    []byte
}

// ID renders the most specific identifier available for logs and events.
func (m RawMessage) ID() string {
	return messageID(m.UID, m.SeqNum)
}

// Envelope wraps a message alongside an optional error encountered while fetching it.
type Envelope struct {
	Message RawMessage
	Err     error
}

// HeaderPair holds the raw From line and the Subject value of a message.
type HeaderPair struct {
	From    string
	Subject string
}

// Result is the classification outcome for a single message.
type Result struct {
	UID     uint32 `json:"uid,omitempty"`
	SeqNum  uint32 `json:"seq"`
	Email   string `json:"email"`
	Subject string `json:"subject"`
	Rule    string `json:"rule,omitempty"`
	Matched bool   `json:"matched"`
}

func (r Result) ID() string {
	return messageID(r.UID, r.SeqNum)
}

func messageID(uid, seq uint32) string {
	if uid != 0 {
		return "uid:" + strconv.FormatUint(uint64(uid), 10)
	}
	return "seq:" + strconv.FormatUint(uint64(seq), 10)
}
