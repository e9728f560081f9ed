package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"officeq/dispatch-service/internal/models"
	"officeq/dispatch-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const ticketColumns = "ticket_id, service_id, counter_id, status, queue_date, issue_time, serve_time, end_time"

func (s *Store) IssueTicket(ctx context.Context, input store.IssueTicketInput) (models.Ticket, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = ensureServiceExists(ctx, tx, input.ServiceID); err != nil {
		return models.Ticket{}, err
	}

	issuedAt := input.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = time.Now().UTC()
	}

	var ticket models.Ticket
	row := tx.QueryRow(ctx, `
		INSERT INTO tickets (service_id, status, queue_date, issue_time)
		VALUES ($1, $2, $3, $4)
		RETURNING `+ticketColumns+`
	`, input.ServiceID, models.StatusWaiting, models.QueueDay(issuedAt), issuedAt)
	if ticket, err = scanTicket(row); err != nil {
		return models.Ticket{}, mapConstraint(err)
	}

	if err = insertEvent(ctx, tx, store.EventTicketIssued, ticket); err != nil {
		return models.Ticket{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}

	return ticket, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID int64) (models.Ticket, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE ticket_id = $1
	`, ticketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

// ServeTicket is the dispatch claim. The single conditional update is the
// only mutation path from waiting to served, so of any number of callers
// racing on one ticket exactly one sees a row change.
func (s *Store) ServeTicket(ctx context.Context, ticketID, counterID int64, servedAt time.Time) (bool, error) {
	if !store.ValidTransition("serve", models.StatusWaiting) {
		return false, store.ErrInvalidState
	}
	if servedAt.IsZero() {
		servedAt = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	row := tx.QueryRow(ctx, `
		UPDATE tickets
		SET status = $1,
			counter_id = $2,
			serve_time = $3
		WHERE ticket_id = $4 AND status = $5
		RETURNING `+ticketColumns+`
	`, models.StatusServed, counterID, servedAt, ticketID, models.StatusWaiting)
	var ticket models.Ticket
	if ticket, err = scanTicket(row); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = tx.Commit(ctx)
			return false, err
		}
		return false, mapConstraint(err)
	}

	if err = insertEvent(ctx, tx, store.EventTicketServed, ticket); err != nil {
		return false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return false, err
	}

	return true, nil
}

// FinishTicket stamps end_time on a served ticket, at most once, and only
// for the counter that claimed it.
func (s *Store) FinishTicket(ctx context.Context, ticketID, counterID int64, endedAt time.Time) (bool, error) {
	if !store.ValidTransition("finish", models.StatusServed) {
		return false, store.ErrInvalidState
	}
	if endedAt.IsZero() {
		endedAt = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	row := tx.QueryRow(ctx, `
		UPDATE tickets
		SET end_time = $1
		WHERE ticket_id = $2 AND counter_id = $3 AND status = $4 AND end_time IS NULL
		RETURNING `+ticketColumns+`
	`, endedAt, ticketID, counterID, models.StatusServed)
	var ticket models.Ticket
	if ticket, err = scanTicket(row); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = tx.Commit(ctx)
			return false, err
		}
		return false, err
	}

	if err = insertEvent(ctx, tx, store.EventTicketFinished, ticket); err != nil {
		return false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return false, err
	}

	return true, nil
}

func (s *Store) WaitingCount(ctx context.Context, serviceID int64, day time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM tickets
		WHERE service_id = $1 AND status = $2
	`
	args := []interface{}{serviceID, models.StatusWaiting}
	if !day.IsZero() {
		query += " AND queue_date = $3"
		args = append(args, models.QueueDay(day))
	}

	var count int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// WaitingCounts runs as one statement so a dispatch decision compares queue
// lengths from a single snapshot. Services with no waiting tickets are
// present in the result with a zero count.
func (s *Store) WaitingCounts(ctx context.Context, serviceIDs []int64, day time.Time) (map[int64]int, error) {
	counts := make(map[int64]int, len(serviceIDs))
	for _, id := range serviceIDs {
		counts[id] = 0
	}
	if len(serviceIDs) == 0 {
		return counts, nil
	}

	query := `
		SELECT service_id, COUNT(*)
		FROM tickets
		WHERE service_id = ANY($1) AND status = $2
	`
	args := []interface{}{serviceIDs, models.StatusWaiting}
	if !day.IsZero() {
		query += " AND queue_date = $3"
		args = append(args, models.QueueDay(day))
	}
	query += " GROUP BY service_id"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var serviceID int64
		var count int
		if err := rows.Scan(&serviceID, &count); err != nil {
			return nil, err
		}
		counts[serviceID] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counts, nil
}

func (s *Store) OldestWaiting(ctx context.Context, serviceID int64, day time.Time) (models.Ticket, bool, error) {
	query := `
		SELECT ` + ticketColumns + `
		FROM tickets
		WHERE service_id = $1 AND status = $2
	`
	args := []interface{}{serviceID, models.StatusWaiting}
	if !day.IsZero() {
		query += " AND queue_date = $3"
		args = append(args, models.QueueDay(day))
	}
	query += " ORDER BY issue_time ASC, ticket_id ASC LIMIT 1"

	row := s.pool.QueryRow(ctx, query, args...)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) GetService(ctx context.Context, serviceID int64) (models.Service, error) {
	var svc models.Service
	row := s.pool.QueryRow(ctx, `
		SELECT service_id, name, service_time_minutes
		FROM services
		WHERE service_id = $1
	`, serviceID)
	if err := row.Scan(&svc.ID, &svc.Name, &svc.ServiceTime); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Service{}, store.ErrServiceNotFound
		}
		return models.Service{}, err
	}
	return svc, nil
}

func (s *Store) ListServices(ctx context.Context) ([]models.Service, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT service_id, name, service_time_minutes
		FROM services
		ORDER BY service_id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var services []models.Service
	for rows.Next() {
		var svc models.Service
		if err := rows.Scan(&svc.ID, &svc.Name, &svc.ServiceTime); err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return services, nil
}

func (s *Store) ListCounters(ctx context.Context) ([]models.Counter, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT counter_id, name
		FROM counters
		ORDER BY counter_id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counters []models.Counter
	for rows.Next() {
		var counter models.Counter
		if err := rows.Scan(&counter.ID, &counter.Name); err != nil {
			return nil, err
		}
		counters = append(counters, counter)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counters, nil
}

func (s *Store) CounterCapabilities(ctx context.Context, counterID int64) ([]models.Service, error) {
	var exists bool
	row := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM counters WHERE counter_id = $1)
	`, counterID)
	if err := row.Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrCounterNotFound
	}

	rows, err := s.pool.Query(ctx, `
		SELECT s.service_id, s.name, s.service_time_minutes
		FROM services s
		JOIN counter_services cs ON cs.service_id = s.service_id
		WHERE cs.counter_id = $1
		ORDER BY s.service_id ASC
	`, counterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	services := []models.Service{}
	for rows.Next() {
		var svc models.Service
		if err := rows.Scan(&svc.ID, &svc.Name, &svc.ServiceTime); err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return services, nil
}

func (s *Store) ListEvents(ctx context.Context, after time.Time, limit int) ([]store.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT event_id, type, payload_json, created_at
		FROM dispatch_events
	`
	args := []interface{}{}
	if !after.IsZero() {
		query += " WHERE created_at > $1 ORDER BY created_at ASC LIMIT $2"
		args = append(args, after, limit)
	} else {
		query += " ORDER BY created_at ASC LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.Event
	for rows.Next() {
		var event store.Event
		if err := rows.Scan(&event.EventID, &event.Type, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func ensureServiceExists(ctx context.Context, tx pgx.Tx, serviceID int64) error {
	var id int64
	row := tx.QueryRow(ctx, `
		SELECT service_id
		FROM services
		WHERE service_id = $1
	`, serviceID)
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrServiceNotFound
		}
		return err
	}
	return nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, eventType string, ticket models.Ticket) error {
	payload, err := json.Marshal(ticket)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO dispatch_events (event_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4)
	`, uuid.NewString(), eventType, payload, time.Now().UTC())
	return err
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var counterIDNull sql.NullInt64
	var serveTimeNull sql.NullTime
	var endTimeNull sql.NullTime
	if err := row.Scan(&ticket.ID, &ticket.ServiceID, &counterIDNull, &ticket.Status, &ticket.QueueDate, &ticket.IssueTime, &serveTimeNull, &endTimeNull); err != nil {
		return models.Ticket{}, err
	}
	ticket.CounterID = nullInt64Ptr(counterIDNull)
	ticket.ServeTime = nullTimePtr(serveTimeNull)
	ticket.EndTime = nullTimePtr(endTimeNull)
	return ticket, nil
}

// mapConstraint folds referential-integrity failures (pg class 23) into the
// store taxonomy so callers do not have to know pg error codes.
func mapConstraint(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 && pgErr.Code[:2] == "23" {
		return store.ErrConstraintViolation
	}
	return err
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}

func nullInt64Ptr(value sql.NullInt64) *int64 {
	if !value.Valid {
		return nil
	}
	return &value.Int64
}
