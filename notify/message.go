/*
Package notify delivers points.Event values produced by the engine.

SINKS:
  LogSink      - writes each event as a structured log line
  Recorder     - keeps events in memory (tests, single-process dev)
  RabbitSink   - publishes JSON to a durable RabbitMQ queue
  KafkaSink    - writes JSON to a Kafka topic keyed by recipient
  FallbackSink - tries a primary sink and parks failures in the Outbox

OUTBOX:
  A bbolt file holding events whose delivery failed. The scheduler drains
  it back into the primary sink. Delivery is at-least-once; consumers
  deduplicate on the event id.
*/
package notify

import (
	"encoding/json"
	"time"

	"github.com/warp/household-points/points"
)

// Message is the wire form of an event.
type Message struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	UserID    string            `json:"userId"`
	GroupID   string            `json:"groupId,omitempty"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

func NewMessage(ev points.Event) Message {
	return Message{
		ID:        ev.ID,
		Type:      string(ev.Type),
		UserID:    string(ev.UserID),
		GroupID:   string(ev.GroupID),
		Title:     ev.Title,
		Message:   ev.Message,
		Data:      ev.Data,
		CreatedAt: ev.CreatedAt,
	}
}

// Event converts the message back into an engine event.
func (m Message) Event() points.Event {
	return points.Event{
		ID:        m.ID,
		Type:      points.EventType(m.Type),
		UserID:    points.UserID(m.UserID),
		GroupID:   points.GroupID(m.GroupID),
		Title:     m.Title,
		Message:   m.Message,
		Data:      m.Data,
		CreatedAt: m.CreatedAt,
	}
}

func encode(ev points.Event) ([]byte, error) {
	return json.Marshal(NewMessage(ev))
}
