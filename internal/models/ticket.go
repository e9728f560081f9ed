package models

import "time"

type Ticket struct {
	ID        int64      `json:"id"`
	ServiceID int64      `json:"service_id"`
	CounterID *int64     `json:"counter_id,omitempty"`
	Status    string     `json:"status"`
	QueueDate time.Time  `json:"queue_date"`
	IssueTime time.Time  `json:"issue_time"`
	ServeTime *time.Time `json:"serve_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
}

const (
	StatusWaiting = "waiting"
	StatusServed  = "served"
)

// QueueDay truncates a timestamp to its calendar date in UTC. Ticket
// queue_date values and waiting-count day filters compare at this
// granularity.
func QueueDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
