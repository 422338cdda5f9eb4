package amqp

import (
	"encoding/json"
	"time"
)

// RecurringSummaryMessage announces that a refresh materialized Count
// transactions. Consumers fetch the transactions themselves.
type RecurringSummaryMessage struct {
	Count     int       `json:"count"`
	RunID     string    `json:"run_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func NewRecurringSummaryMessage(count int, runID string) *RecurringSummaryMessage {
	return &RecurringSummaryMessage{
		Count:     count,
		RunID:     runID,
		Timestamp: time.Now(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *RecurringSummaryMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func RecurringSummaryMessageFromJSON(data []byte) (*RecurringSummaryMessage, error) {
	var msg RecurringSummaryMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
