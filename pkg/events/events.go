// Package events defines the signals exchanged between journeys components.
package events

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

type EventType string

// Topic carries every journeys event.
const Topic = "journeys.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Behavioral events entering the system.
	ContactEventReceivedEvent EventType = "contact.event.received"

	// Scoring signals. They are also matched against trigger steps.
	ScoreChangedEvent          EventType = "score.changed"
	ScoreThresholdCrossedEvent EventType = "score.threshold_crossed"

	// Enrollment lifecycle events.
	EnrollmentCreatedEvent   EventType = "enrollment.created"
	EnrollmentPausedEvent    EventType = "enrollment.paused"
	EnrollmentResumedEvent   EventType = "enrollment.resumed"
	EnrollmentCompletedEvent EventType = "enrollment.completed"
	EnrollmentExitedEvent    EventType = "enrollment.exited"
	EnrollmentFailedEvent    EventType = "enrollment.failed"

	// Requests for out-of-scope side effects such as email delivery.
	ActionRequestedEvent EventType = "action.requested"

	// Workflow definition changes; workers drop cached graph snapshots.
	WorkflowUpdatedEvent EventType = "workflow.updated"
)

// Threshold crossing directions.
const (
	DirectionUp   = "up"
	DirectionDown = "down"
)

var ErrInvalidEvent = errors.New("invalid event")

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	ContactID  string         `json:"contact_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, workflowID, contactID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		WorkflowID: workflowID,
		ContactID:  contactID,
		Metadata:   make(map[string]any),
	}
}

// ContactEventReceived is a behavioral event observed for a contact, such as a
// page visit or an email click.
type ContactEventReceived struct {
	BaseEvent

	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Source    string         `json:"source,omitempty"`
}

func (e ContactEventReceived) GetType() EventType {
	return ContactEventReceivedEvent
}

// Validate checks the fields required to score and match the event.
func (e ContactEventReceived) Validate() error {
	if e.ContactID == "" {
		return errors.Join(ErrInvalidEvent, errors.New("contact_id is required"))
	}

	if e.EventType == "" {
		return errors.Join(ErrInvalidEvent, errors.New("event_type is required"))
	}

	return nil
}

func NewContactEventReceived(contactID, eventType, source string, payload map[string]any) ContactEventReceived {
	return ContactEventReceived{
		BaseEvent: NewBaseEvent(ContactEventReceivedEvent, "", contactID),
		EventType: eventType,
		Payload:   payload,
		Source:    source,
	}
}

// IncomingEvent is the JSON document external systems submit for a contact.
type IncomingEvent struct {
	ContactID string         `json:"contact_id"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Source    string         `json:"source,omitempty"`
}

// Event converts the document into a validated contact event. source is used
// when the document names none.
func (i IncomingEvent) Event(source string) (ContactEventReceived, error) {
	if i.Source != "" {
		source = i.Source
	}

	event := NewContactEventReceived(i.ContactID, i.EventType, source, i.Payload)

	err := event.Validate()
	if err != nil {
		return ContactEventReceived{}, err
	}

	return event, nil
}

// DecodeContactEvent parses an incoming event document.
func DecodeContactEvent(raw []byte, source string) (ContactEventReceived, error) {
	var incoming IncomingEvent

	err := json.Unmarshal(raw, &incoming)
	if err != nil {
		return ContactEventReceived{}, errors.Join(ErrInvalidEvent, err)
	}

	return incoming.Event(source)
}

type ScoreChanged struct {
	BaseEvent

	Score       int    `json:"score"`
	Delta       int    `json:"delta"`
	SourceEvent string `json:"source_event"`
}

func (e ScoreChanged) GetType() EventType {
	return ScoreChangedEvent
}

// Payload is the document trigger steps match against.
func (e ScoreChanged) Payload() map[string]any {
	return map[string]any{
		"score":        e.Score,
		"delta":        e.Delta,
		"source_event": e.SourceEvent,
	}
}

type ScoreThresholdCrossed struct {
	BaseEvent

	Threshold int    `json:"threshold"`
	Direction string `json:"direction"`
	Score     int    `json:"score"`
}

func (e ScoreThresholdCrossed) GetType() EventType {
	return ScoreThresholdCrossedEvent
}

// Payload is the document trigger steps match against.
func (e ScoreThresholdCrossed) Payload() map[string]any {
	return map[string]any{
		"threshold": e.Threshold,
		"direction": e.Direction,
		"score":     e.Score,
	}
}

// EnrollmentChanged reports a lifecycle transition. Its type is one of the
// enrollment.* event types.
type EnrollmentChanged struct {
	BaseEvent

	EnrollmentID string `json:"enrollment_id"`
	StepID       string `json:"step_id,omitempty"`
	Status       string `json:"status"`
	Reason       string `json:"reason,omitempty"`
}

func (e EnrollmentChanged) GetType() EventType {
	return e.Type
}

func NewEnrollmentChanged(eventType EventType, enrollmentID, workflowID, contactID, stepID, status, reason string) EnrollmentChanged {
	return EnrollmentChanged{
		BaseEvent:    NewBaseEvent(eventType, workflowID, contactID),
		EnrollmentID: enrollmentID,
		StepID:       stepID,
		Status:       status,
		Reason:       reason,
	}
}

// EnrollmentFailed is published on the operator channel when an enrollment
// exits because of an error.
type EnrollmentFailed struct {
	BaseEvent

	EnrollmentID string `json:"enrollment_id"`
	StepID       string `json:"step_id"`
	Reason       string `json:"reason"`
	Error        string `json:"error"`
}

func (e EnrollmentFailed) GetType() EventType {
	return EnrollmentFailedEvent
}

type ActionRequested struct {
	BaseEvent

	EnrollmentID string         `json:"enrollment_id,omitempty"`
	StepID       string         `json:"step_id,omitempty"`
	ActionType   string         `json:"action_type"`
	Config       map[string]any `json:"config"`
}

func (e ActionRequested) GetType() EventType {
	return ActionRequestedEvent
}

type WorkflowUpdated struct {
	BaseEvent

	Version int    `json:"version"`
	Status  string `json:"status"`
}

func (e WorkflowUpdated) GetType() EventType {
	return WorkflowUpdatedEvent
}
