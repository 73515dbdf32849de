// Package messaging is the Coordination Bus: topic pub/sub plus correlated
// request/response over a pluggable Transport (in-process or Redis).
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"mosaic-ai/internal/domain"
)

// Kind distinguishes requests from replies on the wire.
type Kind string

const (
	KindEvent    Kind = "event"
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
)

// Message is the envelope carried on every topic.
type Message struct {
	ID            string           `json:"id"`
	Kind          Kind             `json:"kind"`
	Topic         string           `json:"topic"`
	CorrelationID string           `json:"correlation_id,omitempty"`
	ReplyTo       string           `json:"reply_to,omitempty"`
	Sender        string           `json:"sender,omitempty"`
	Payload       json.RawMessage  `json:"payload,omitempty"`
	ErrorCode     domain.ErrorCode `json:"error_code,omitempty"`
	Error         string           `json:"error,omitempty"`
	SentAt        time.Time        `json:"sent_at"`
}

// Handler receives messages delivered to a subscription.
type Handler func(ctx context.Context, msg Message)

// Err returns the remote error carried by a response, or nil.
func (m Message) Err() error {
	if m.Error == "" {
		return nil
	}
	return &domain.RemoteError{Code: m.ErrorCode, Message: m.Error}
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return domain.NewDomainError("Message.Decode", domain.ErrInvalidInput, "empty payload")
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Topic, err)
	}
	return nil
}

func encodePayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// AgentTopic is the request topic an agent's broker listens on.
func AgentTopic(agentID string) string {
	return "agent." + agentID + ".request"
}

// AgentTopicPattern matches every agent request topic.
const AgentTopicPattern = "agent.*.request"

// CorrelationKey keys one agent's reply within one coordination.
func CorrelationKey(coordinationID, agentID string) string {
	return coordinationID + ":" + agentID
}
