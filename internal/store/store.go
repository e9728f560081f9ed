package store

import (
	"context"
	"encoding/json"
	"time"

	"officeq/dispatch-service/internal/models"
)

type IssueTicketInput struct {
	ServiceID int64
	IssuedAt  time.Time
}

// Catalog exposes the services/counters reference data. It is read-only:
// provisioning happens outside this service.
type Catalog interface {
	GetService(ctx context.Context, serviceID int64) (models.Service, error)
	ListServices(ctx context.Context) ([]models.Service, error)
	ListCounters(ctx context.Context) ([]models.Counter, error)
	// CounterCapabilities returns the services the counter may serve.
	// ErrCounterNotFound when the counter does not exist; an existing
	// counter with no capabilities yields an empty slice.
	CounterCapabilities(ctx context.Context, counterID int64) ([]models.Service, error)
}

// TicketStore owns ticket records. ServeTicket is the only mutation that
// contends across callers; it is a single conditional update and must let
// exactly one of any number of racing callers observe true.
type TicketStore interface {
	IssueTicket(ctx context.Context, input IssueTicketInput) (models.Ticket, error)
	// GetTicket reports absence as (zero, false, nil), not an error, so
	// callers can tell "no such ticket" from a transport failure.
	GetTicket(ctx context.Context, ticketID int64) (models.Ticket, bool, error)
	ServeTicket(ctx context.Context, ticketID, counterID int64, servedAt time.Time) (bool, error)
	FinishTicket(ctx context.Context, ticketID, counterID int64, endedAt time.Time) (bool, error)
	// WaitingCount and WaitingCounts filter on queue_date when day is
	// non-zero; a zero day means all dates. WaitingCounts runs as one
	// statement so a dispatch decision sees a single snapshot.
	WaitingCount(ctx context.Context, serviceID int64, day time.Time) (int, error)
	WaitingCounts(ctx context.Context, serviceIDs []int64, day time.Time) (map[int64]int, error)
	// OldestWaiting returns the FIFO head of a service's queue: earliest
	// issue_time, ties broken by lowest ticket id.
	OldestWaiting(ctx context.Context, serviceID int64, day time.Time) (models.Ticket, bool, error)
	ListEvents(ctx context.Context, after time.Time, limit int) ([]Event, error)
}

// Event is an append-only record written in the same transaction as the
// ticket mutation it describes, for pollers such as display boards.
type Event struct {
	EventID   string          `json:"event_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

const (
	EventTicketIssued   = "ticket.issued"
	EventTicketServed   = "ticket.served"
	EventTicketFinished = "ticket.finished"
)
