package messaging

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/koushal2018/ai-trade-matching-system/pkg/models"
)

// Topic is a named durable channel with per-key ordering.
type Topic string

const (
	TopicRecordsExtracted Topic = "recon.records.extracted"
	TopicMatchResults     Topic = "recon.match.results"
	TopicReviewRequests   Topic = "recon.review.requests"
	TopicExceptionsRaised Topic = "recon.exceptions.raised"
	TopicResolutions      Topic = "recon.exceptions.resolved"
	TopicHeartbeats       Topic = "recon.agent.heartbeats"
)

// DeadLetter returns the dead-letter topic paired with t.
func (t Topic) DeadLetter() Topic {
	return t + ".dlq"
}

// ControlTopic returns the per-stage control command topic.
func ControlTopic(stage string) Topic {
	return Topic("recon.control." + stage)
}

// HandlerTopic returns the delegation queue for a routing target.
func HandlerTopic(target models.RoutingTarget) Topic {
	return Topic("recon.handlers." + string(target))
}

// EventType enumerates the inter-stage message taxonomy.
type EventType string

const (
	EventRecordExtracted   EventType = "RECORD_EXTRACTED"
	EventMatchEvaluated    EventType = "MATCH_EVALUATED"
	EventReviewRequested   EventType = "REVIEW_REQUESTED"
	EventExceptionRaised   EventType = "EXCEPTION_RAISED"
	EventExceptionResolved EventType = "EXCEPTION_RESOLVED"
	EventAgentHeartbeat    EventType = "AGENT_HEARTBEAT"
	EventControlCommand    EventType = "CONTROL_COMMAND"
)

// TopicFor maps an event type to its primary topic. Control commands are
// per-stage and have no single topic.
func TopicFor(et EventType) (Topic, error) {
	switch et {
	case EventRecordExtracted:
		return TopicRecordsExtracted, nil
	case EventMatchEvaluated:
		return TopicMatchResults, nil
	case EventReviewRequested:
		return TopicReviewRequests, nil
	case EventExceptionRaised:
		return TopicExceptionsRaised, nil
	case EventExceptionResolved:
		return TopicResolutions, nil
	case EventAgentHeartbeat:
		return TopicHeartbeats, nil
	default:
		return "", fmt.Errorf("no topic for event type %s", et)
	}
}

// EventEnvelope is the wire schema shared by every inter-stage message.
type EventEnvelope struct {
	CorrelationID string          `json:"correlation_id"`
	EventType     EventType       `json:"event_type"`
	TradeID       string          `json:"trade_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	EmittedAt     time.Time       `json:"emitted_at"`
	// DeliveryAttempt tracks redeliveries at the consumer boundary.
	DeliveryAttempt int `json:"delivery_attempt,omitempty"`
}

// NewEnvelope wraps a payload in an envelope with a fresh correlation id.
func NewEnvelope(et EventType, tradeID string, payload interface{}) (*EventEnvelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", et, err)
	}
	return &EventEnvelope{
		CorrelationID: uuid.NewString(),
		EventType:     et,
		TradeID:       tradeID,
		Payload:       raw,
		EmittedAt:     time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into v.
func (e *EventEnvelope) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.EventType, err)
	}
	return nil
}

// RequestHash is the idempotency hash of the logical request: the event type,
// trade id and payload, excluding delivery metadata, so redeliveries of the
// same message hash identically.
func (e *EventEnvelope) RequestHash() string {
	h := sha256.New()
	h.Write([]byte(e.EventType))
	h.Write([]byte{0})
	h.Write([]byte(e.TradeID))
	h.Write([]byte{0})
	h.Write(e.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

// RecordExtractedPayload carries one extracted trade record.
type RecordExtractedPayload struct {
	Record      models.TradeRecord `json:"record"`
	DocumentURI string             `json:"document_uri,omitempty"`
}

// MatchEvaluatedPayload carries a published match result.
type MatchEvaluatedPayload struct {
	Result models.MatchResult `json:"result"`
}

// ReviewRequestedPayload asks the human-review UI for a decision.
type ReviewRequestedPayload struct {
	Result       models.MatchResult `json:"result"`
	Originator   *models.TradeRecord `json:"originator,omitempty"`
	Counterparty *models.TradeRecord `json:"counterparty,omitempty"`
}

// ExceptionRaisedPayload carries a BREAK or DATA_ERROR result into triage.
type ExceptionRaisedPayload struct {
	Result           models.MatchResult `json:"result"`
	CounterpartyName string             `json:"counterparty_name,omitempty"`
}

// ExceptionResolvedPayload closes an exception.
type ExceptionResolvedPayload struct {
	ExceptionID string            `json:"exception_id"`
	Resolution  models.Resolution `json:"resolution"`
}

// HeartbeatPayload is a stage's periodic self-report.
type HeartbeatPayload struct {
	StageName string                  `json:"stage_name"`
	Metrics   models.HeartbeatMetrics `json:"metrics"`
}

// ControlCommand is an orchestrator instruction to a stage.
type ControlCommand string

const (
	CommandPause       ControlCommand = "PAUSE"
	CommandResume      ControlCommand = "RESUME"
	CommandSetPriority ControlCommand = "SET_PRIORITY"
)

// ControlCommandPayload carries a control command and its arguments.
type ControlCommandPayload struct {
	Command  ControlCommand `json:"command"`
	Stage    string         `json:"stage"`
	Priority int            `json:"priority,omitempty"`
	Reason   string         `json:"reason,omitempty"`
}
