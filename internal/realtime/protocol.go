package realtime

import (
	"bytes"
	"encoding/json"
)

// recordSeparator terminates every SignalR JSON message
const recordSeparator = 0x1e

// SignalR hub message types
const (
	messageInvocation = 1
	messageStreamItem = 2
	messageCompletion = 3
	messagePing       = 6
	messageClose      = 7
)

var handshakeRequest = []byte(`{"protocol":"json","version":1}` + "\x1e")

type hubMessage struct {
	Type         int               `json:"type"`
	InvocationID string            `json:"invocationId,omitempty"`
	Target       string            `json:"target,omitempty"`
	Arguments    []json.RawMessage `json:"arguments,omitempty"`
	Result       json.RawMessage   `json:"result,omitempty"`
	Error        string            `json:"error,omitempty"`
}

type invocation struct {
	Type         int           `json:"type"`
	InvocationID string        `json:"invocationId,omitempty"`
	Target       string        `json:"target"`
	Arguments    []interface{} `json:"arguments"`
}

type handshakeResponse struct {
	Error string `json:"error,omitempty"`
}

// frame encodes v as one record
func frame(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, recordSeparator), nil
}

// splitRecords splits a websocket payload into its SignalR records. One
// frame may carry several records.
func splitRecords(data []byte) [][]byte {
	var records [][]byte
	for _, part := range bytes.Split(data, []byte{recordSeparator}) {
		if len(bytes.TrimSpace(part)) > 0 {
			records = append(records, part)
		}
	}
	return records
}

// unwrapPayload returns the data field of an {action, data} envelope, or the
// payload itself when it carries no data field
func unwrapPayload(raw json.RawMessage) json.RawMessage {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && len(envelope.Data) > 0 && !bytes.Equal(envelope.Data, []byte("null")) {
		return envelope.Data
	}
	return raw
}
