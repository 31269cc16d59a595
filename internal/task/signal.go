package task

import (
	"encoding/json"
	"time"
)

// SignalStatus is the delivery state of an out-of-band TaskSignal.
type SignalStatus int

const (
	SignalStatusPending SignalStatus = iota
	SignalStatusDelivered
	SignalStatusAcknowledged
)

func (s SignalStatus) String() string {
	switch s {
	case SignalStatusPending:
		return "pending"
	case SignalStatusDelivered:
		return "delivered"
	case SignalStatusAcknowledged:
		return "acknowledged"
	default:
		return "unknown"
	}
}

// Signal is an out-of-band message addressed to a running task. Delivery
// is at-least-once: workers must be idempotent on ID.
type Signal struct {
	ID             string          `json:"id"`
	TaskID         string          `json:"task_id"`
	Name           string          `json:"name"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Status         SignalStatus    `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
	AcknowledgedAt *time.Time      `json:"acknowledged_at,omitempty"`
}

func NewSignal(taskID, name string, payload json.RawMessage) *Signal {
	return &Signal{
		ID:        NewID(),
		TaskID:    taskID,
		Name:      name,
		Payload:   payload,
		Status:    SignalStatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

func (s *Signal) MarkDelivered() {
	now := time.Now().UTC()
	s.Status = SignalStatusDelivered
	s.DeliveredAt = &now
}

func (s *Signal) MarkAcknowledged() {
	now := time.Now().UTC()
	s.Status = SignalStatusAcknowledged
	s.AcknowledgedAt = &now
}

// Revert resets a DELIVERED-but-unacknowledged signal to PENDING, used on
// worker disconnect so it is redelivered on reconnect.
func (s *Signal) Revert() {
	if s.Status == SignalStatusDelivered {
		s.Status = SignalStatusPending
		s.DeliveredAt = nil
	}
}
