package emergency

import (
	"time"

	"helpmarket/geo"
)

type ResponseState string

const (
	ResponsePending  ResponseState = "pending"
	ResponseAccepted ResponseState = "accepted"
	ResponseDeclined ResponseState = "declined"
	ResponseExpired  ResponseState = "expired"
)

type Decision string

const (
	DecisionAccept  Decision = "accept"
	DecisionDecline Decision = "decline"
)

// Notification is one time-boxed offer to a helper. Wave counts the issuance
// round that reached the helper: 1 for the start, 2+ for each expansion.
type Notification struct {
	HelperID    string        `json:"helper_id"`
	DistanceKm  float64       `json:"distance_km"`
	Wave        int           `json:"wave"`
	Incentive   int64         `json:"incentive"`
	SentAt      time.Time     `json:"sent_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
	State       ResponseState `json:"state"`
	RespondedAt *time.Time    `json:"responded_at,omitempty"`
}

// Broadcast is append-only for notifications; its radius only grows.
type Broadcast struct {
	ID            string         `json:"id"`
	TaskID        string         `json:"task_id"`
	SeekerID      string         `json:"seeker_id"`
	Origin        geo.Location   `json:"origin"`
	RadiusKm      float64        `json:"radius_km"`
	Incentive     int64          `json:"incentive"`
	Waves         int            `json:"waves"`
	Stopped       bool           `json:"stopped"`
	StoppedAt     *time.Time     `json:"stopped_at,omitempty"`
	Notifications []Notification `json:"notifications"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func (b Broadcast) clone() Broadcast {
	out := b
	out.Notifications = append([]Notification(nil), b.Notifications...)
	return out
}

func (b Broadcast) notified(helperID string) bool {
	return b.notificationIndex(helperID) >= 0
}

func (b Broadcast) notificationIndex(helperID string) int {
	for i, n := range b.Notifications {
		if n.HelperID == helperID {
			return i
		}
	}
	return -1
}

// Accepted lists helpers that accepted, in notification order.
func (b Broadcast) Accepted() []string {
	var out []string
	for _, n := range b.Notifications {
		if n.State == ResponseAccepted {
			out = append(out, n.HelperID)
		}
	}
	return out
}
