package task

import (
	"time"

	"helpmarket/geo"
)

type Urgency string

const (
	UrgencyRoutine   Urgency = "routine"
	UrgencyStandard  Urgency = "standard"
	UrgencyUrgent    Urgency = "urgent"
	UrgencyEmergency Urgency = "emergency"
)

// Valid reports whether u is one of the four urgency tiers.
func (u Urgency) Valid() bool {
	switch u {
	case UrgencyRoutine, UrgencyStandard, UrgencyUrgent, UrgencyEmergency:
		return true
	default:
		return false
	}
}

// Task is a seeker's posted job. Only Urgency may change after creation, and
// only towards emergency.
type Task struct {
	ID          string
	SeekerID    string
	Category    string
	Description string
	Location    geo.Location
	BudgetMin   int64
	BudgetMax   int64
	Urgency     Urgency
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Filters struct {
	SeekerID  string
	Category  string
	Urgency   Urgency
	Page      int
	PageSize  int
	SortKey   string
	SortOrder string
}
