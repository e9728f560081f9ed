// Package dispatch selects which waiting ticket a counter serves next.
//
// The decision is optimistic: queue lengths are read in one snapshot, a
// winner is picked, and the claim is a single conditional update in the
// ticket store. A lost claim (or a count that turned stale before the FIFO
// head was read) restarts the decision, bounded by the retry limit. No lock
// is held across the decision, so counters draining disjoint service sets
// never contend.
package dispatch

import (
	"context"
	"errors"
	"time"

	"officeq/dispatch-service/internal/models"
	"officeq/dispatch-service/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// ErrConflict reports that every attempt lost the race for a ticket.
var ErrConflict = errors.New("dispatch conflict: retry limit exhausted")

const defaultRetryLimit = 3

type Options struct {
	// RetryLimit bounds how many times a dispatch decision is retried
	// after losing a claim race. Defaults to 3.
	RetryLimit int
	// TodayOnly restricts dispatch to tickets issued today. Off by
	// default: stale tickets from previous days stay servable.
	TodayOnly bool
}

type Dispatcher struct {
	catalog    store.Catalog
	tickets    store.TicketStore
	retryLimit int
	todayOnly  bool
	now        func() time.Time
}

func New(catalog store.Catalog, tickets store.TicketStore, options Options) *Dispatcher {
	limit := options.RetryLimit
	if limit <= 0 {
		limit = defaultRetryLimit
	}
	return &Dispatcher{
		catalog:    catalog,
		tickets:    tickets,
		retryLimit: limit,
		todayOnly:  options.TodayOnly,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// NextForCounter picks and claims the next ticket for the counter. The
// longest capable queue wins; ties go to the smallest service time, then to
// the lowest service id. Within the winning queue the oldest ticket is
// claimed (earliest issue time, then lowest ticket id).
//
// Returns (zero, false, nil) when the counter has no capabilities or every
// capable queue is empty. Returns ErrConflict when the retry budget is
// exhausted, and store.ErrCounterNotFound for an unknown counter.
func (d *Dispatcher) NextForCounter(ctx context.Context, counterID int64) (models.Ticket, bool, error) {
	ctx, span := otel.Tracer("dispatch").Start(ctx, "dispatch.next_for_counter")
	defer span.End()
	span.SetAttributes(attribute.Int64("counter.id", counterID))

	capabilities, err := d.catalog.CounterCapabilities(ctx, counterID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if len(capabilities) == 0 {
		return models.Ticket{}, false, nil
	}

	serviceIDs := make([]int64, len(capabilities))
	for i, svc := range capabilities {
		serviceIDs[i] = svc.ID
	}

	var day time.Time
	if d.todayOnly {
		day = models.QueueDay(d.now())
	}

	for attempt := 0; attempt < d.retryLimit; attempt++ {
		counts, err := d.tickets.WaitingCounts(ctx, serviceIDs, day)
		if err != nil {
			return models.Ticket{}, false, err
		}

		winner, maxLength := pickService(capabilities, counts)
		if maxLength == 0 {
			span.SetAttributes(attribute.Int("dispatch.attempts", attempt+1))
			return models.Ticket{}, false, nil
		}

		head, found, err := d.tickets.OldestWaiting(ctx, winner.ID, day)
		if err != nil {
			return models.Ticket{}, false, err
		}
		if !found {
			// Count was positive but the queue drained underneath
			// us: a lost race, same as a failed claim.
			continue
		}

		claimed, err := d.tickets.ServeTicket(ctx, head.ID, counterID, d.now())
		if err != nil {
			return models.Ticket{}, false, err
		}
		if !claimed {
			continue
		}

		served, found, err := d.tickets.GetTicket(ctx, head.ID)
		if err != nil {
			return models.Ticket{}, false, err
		}
		if !found {
			return models.Ticket{}, false, store.ErrTicketNotFound
		}
		span.SetAttributes(
			attribute.Int("dispatch.attempts", attempt+1),
			attribute.Int64("service.id", served.ServiceID),
			attribute.Int64("ticket.id", served.ID),
		)
		return served, true, nil
	}

	return models.Ticket{}, false, ErrConflict
}

// pickService applies the selection rule over one count snapshot: longest
// queue first, then smallest service time, then lowest service id. The last
// key makes the choice deterministic for identical catalog state.
func pickService(capabilities []models.Service, counts map[int64]int) (models.Service, int) {
	var winner models.Service
	maxLength := 0
	for _, svc := range capabilities {
		count := counts[svc.ID]
		switch {
		case count > maxLength:
			winner, maxLength = svc, count
		case count == maxLength && count > 0:
			if svc.ServiceTime < winner.ServiceTime ||
				(svc.ServiceTime == winner.ServiceTime && svc.ID < winner.ID) {
				winner = svc
			}
		}
	}
	return winner, maxLength
}
