// Package transport implements reliable WebSocket event delivery: message
// level acknowledgements, per-topic subscriptions backed by the queue, and
// resume-from-cursor on reconnect.
package transport

import (
	"encoding/json"

	"github.com/parleyio/parley/pkg/event"
)

// Subprotocol control message types.
const (
	msgQueueSubscribe   = "queue_subscribe"
	msgQueueSubscribed  = "queue_subscribed"
	msgQueueEntry       = "queue_entry"
	msgQueueAck         = "queue_ack"
	msgQueueUnsubscribe = "queue_unsubscribe"
)

// subscribeMessage asks the server to deliver a topic, resuming after the
// given cursor when one is carried.
type subscribeMessage struct {
	Type        string `json:"type"`
	Topic       string `json:"topic"`
	ClientID    string `json:"clientId"`
	AfterCursor string `json:"afterCursor,omitempty"`
}

// subscribedMessage confirms a subscription and reports the topic's latest
// cursor so the client can tell how far behind it is.
type subscribedMessage struct {
	Type         string `json:"type"`
	Topic        string `json:"topic"`
	LatestCursor string `json:"latestCursor"`
}

// entryMessage delivers one queue entry.
type entryMessage struct {
	Type   string      `json:"type"`
	Topic  string      `json:"topic"`
	Cursor string      `json:"cursor"`
	Event  event.Event `json:"event"`
}

// ackMessage advances the client's consumer cursor on a topic.
type ackMessage struct {
	Type     string `json:"type"`
	Topic    string `json:"topic"`
	ClientID string `json:"clientId"`
	Cursor   string `json:"cursor"`
}

// unsubscribeMessage drops a topic subscription.
type unsubscribeMessage struct {
	Type     string `json:"type"`
	Topic    string `json:"topic"`
	ClientID string `json:"clientId"`
}

// reliableEnvelope wraps a payload that must be acknowledged at the message
// level. The receiver answers with a reliableAck carrying the same id.
type reliableEnvelope struct {
	Reliable bool            `json:"__reliable"`
	ID       string          `json:"id"`
	Payload  json.RawMessage `json:"payload"`
}

// reliableAck acknowledges one reliableEnvelope.
type reliableAck struct {
	Ack bool   `json:"__ack"`
	ID  string `json:"id"`
}

// frameKind classifies an inbound frame.
type frameKind int

const (
	frameInvalid frameKind = iota
	frameAck
	frameReliable
	frameControl
	frameEvent
)

// frameProbe decodes just enough of a frame to classify it.
type frameProbe struct {
	Ack      bool   `json:"__ack"`
	Reliable bool   `json:"__reliable"`
	ID       string `json:"id"`
	Type     string `json:"type"`
}

// classifyFrame determines how to dispatch a frame. Precedence: reliable
// ack, reliable envelope, subprotocol control message, plain event. An
// unparseable frame classifies as invalid and is discarded by the caller.
func classifyFrame(data []byte) (frameKind, frameProbe) {
	var probe frameProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return frameInvalid, probe
	}
	switch {
	case probe.Ack:
		return frameAck, probe
	case probe.Reliable:
		return frameReliable, probe
	}
	switch probe.Type {
	case msgQueueSubscribe, msgQueueSubscribed, msgQueueEntry, msgQueueAck, msgQueueUnsubscribe:
		return frameControl, probe
	case "":
		return frameInvalid, probe
	}
	return frameEvent, probe
}
