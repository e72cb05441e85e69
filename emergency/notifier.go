package emergency

import (
	"context"
	"log"
	"time"
)

// Notice is what a helper receives when a broadcast reaches them.
type Notice struct {
	BroadcastID string    `json:"broadcast_id"`
	TaskID      string    `json:"task_id"`
	HelperID    string    `json:"helper_id"`
	DistanceKm  float64   `json:"distance_km"`
	Incentive   int64     `json:"incentive"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Notifier delivers notices to helpers (push, SMS). A delivery error leaves
// the helper un-notified so a later expansion can retry.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

type NotifierFunc func(ctx context.Context, n Notice) error

func (f NotifierFunc) Notify(ctx context.Context, n Notice) error { return f(ctx, n) }

// LogNotifier writes notices to the process log. It is the default when no
// delivery channel is configured.
var LogNotifier Notifier = NotifierFunc(func(_ context.Context, n Notice) error {
	log.Printf("emergency: notify helper %s for task %s (%.2f km, incentive %d, expires %s)",
		n.HelperID, n.TaskID, n.DistanceKm, n.Incentive, n.ExpiresAt.Format(time.RFC3339))
	return nil
})
