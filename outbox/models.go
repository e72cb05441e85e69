package outbox

import "time"

const (
	TopicWindowClosed      = "bidding.window_closed"
	TopicBidAccepted       = "bid.accepted"
	TopicEscrowOpened      = "escrow.opened"
	TopicMilestoneApproved = "escrow.milestone_approved"
	TopicMilestoneDisputed = "escrow.milestone_disputed"
	TopicEscrowReleased    = "escrow.released"
	TopicBroadcastStarted  = "emergency.broadcast_started"
	TopicHelperResponded   = "emergency.helper_responded"
)

const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusDead      = "dead"
)

// Message represents a transactional outbox entry.
type Message struct {
	ID        string
	Topic     string
	Payload   []byte
	Status    string
	Attempts  int
	LastError string
	CreatedAt time.Time
}
