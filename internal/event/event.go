package event

import (
	"encoding/json"
	"fmt"
	"time"

	"spot_venue/internal/domain"

	"github.com/google/uuid"
)

// Envelope is one outbound notification addressed to a single user's private channel.
type Envelope struct {
	ID         string              `json:"id"`
	Name       string              `json:"event"`
	Channel    string              `json:"channel"`
	UserID     int64               `json:"user_id"`
	OccurredAt time.Time           `json:"occurred_at"`
	Payload    domain.MatchPayload `json:"payload"`
}

// UserChannel returns the private channel name of a user.
func UserChannel(userID int64) string {
	return fmt.Sprintf("user.%d", userID)
}

// New wraps payload for userID with a fresh event id.
func New(userID int64, name string, payload domain.MatchPayload, now time.Time) Envelope {
	return Envelope{
		ID:         uuid.NewString(),
		Name:       name,
		Channel:    UserChannel(userID),
		UserID:     userID,
		OccurredAt: now,
		Payload:    payload,
	}
}

// Key is the partitioning key for brokers: events of one user stay in order.
func (e Envelope) Key() []byte {
	return []byte(e.Channel)
}

// Encode marshals the envelope to JSON.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}
