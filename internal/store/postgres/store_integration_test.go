package postgres

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"officeq/dispatch-service/internal/dispatch"
	"officeq/dispatch-service/internal/models"
	"officeq/dispatch-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestIssueTicketAndWaitingCount(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	issuedAt := time.Now().UTC()
	first := issueTicket(t, ctx, st, 1, issuedAt)
	second := issueTicket(t, ctx, st, 1, issuedAt.Add(time.Second))
	issueTicket(t, ctx, st, 2, issuedAt)

	if first.Status != models.StatusWaiting || second.Status != models.StatusWaiting {
		t.Fatalf("expected waiting tickets")
	}
	if second.ID <= first.ID {
		t.Fatalf("expected monotonic ticket IDs, got %d then %d", first.ID, second.ID)
	}

	count, err := st.WaitingCount(ctx, 1, time.Time{})
	if err != nil {
		t.Fatalf("waiting count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 waiting for service 1, got %d", count)
	}

	counts, err := st.WaitingCounts(ctx, []int64{1, 2, 3}, time.Time{})
	if err != nil {
		t.Fatalf("waiting counts: %v", err)
	}
	if counts[1] != 2 || counts[2] != 1 || counts[3] != 0 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestIssueTicketUnknownService(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	_, err := st.IssueTicket(ctx, store.IssueTicketInput{ServiceID: 99, IssuedAt: time.Now().UTC()})
	if err != store.ErrServiceNotFound {
		t.Fatalf("expected ErrServiceNotFound, got %v", err)
	}
}

func TestServeTicketSingleWinner(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	ticket := issueTicket(t, ctx, st, 1, time.Now().UTC())

	const claimers = 8
	var wg sync.WaitGroup
	results := make(chan bool, claimers)
	for i := 0; i < claimers; i++ {
		counterID := int64(i%3 + 1)
		wg.Add(1)
		go func(counter int64) {
			defer wg.Done()
			claimed, err := st.ServeTicket(ctx, ticket.ID, counter, time.Now().UTC())
			if err != nil {
				t.Errorf("serve ticket: %v", err)
				return
			}
			results <- claimed
		}(counterID)
	}
	wg.Wait()
	close(results)

	winners := 0
	for claimed := range results {
		if claimed {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly 1 winning claim, got %d", winners)
	}

	stored, found, err := st.GetTicket(ctx, ticket.ID)
	if err != nil || !found {
		t.Fatalf("get ticket: found=%v err=%v", found, err)
	}
	if stored.Status != models.StatusServed || stored.CounterID == nil || stored.ServeTime == nil {
		t.Fatalf("expected served ticket with counter and serve time, got %+v", stored)
	}
}

func TestOldestWaitingFIFO(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	base := time.Now().UTC()
	first := issueTicket(t, ctx, st, 3, base)
	issueTicket(t, ctx, st, 3, base.Add(time.Minute))

	oldest, found, err := st.OldestWaiting(ctx, 3, time.Time{})
	if err != nil {
		t.Fatalf("oldest waiting: %v", err)
	}
	if !found || oldest.ID != first.ID {
		t.Fatalf("expected ticket %d at queue head, got %+v found=%v", first.ID, oldest, found)
	}

	if _, err := st.ServeTicket(ctx, first.ID, 2, base.Add(2*time.Minute)); err != nil {
		t.Fatalf("serve ticket: %v", err)
	}

	oldest, found, err = st.OldestWaiting(ctx, 3, time.Time{})
	if err != nil {
		t.Fatalf("oldest waiting: %v", err)
	}
	if !found || oldest.ID == first.ID {
		t.Fatalf("expected head to advance past served ticket")
	}
}

func TestDispatcherPrefersShorterServiceTimeOnTie(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	base := time.Now().UTC()
	// Counter 1 handles Shipping (5m) and Accounting (10m). Equal queue
	// lengths must break toward Shipping, oldest ticket first.
	firstShipping := issueTicket(t, ctx, st, 1, base)
	issueTicket(t, ctx, st, 1, base.Add(time.Second))
	issueTicket(t, ctx, st, 2, base.Add(2*time.Second))
	issueTicket(t, ctx, st, 2, base.Add(3*time.Second))

	d := dispatch.New(st, st, dispatch.Options{})
	served, found, err := d.NextForCounter(ctx, 1)
	if err != nil {
		t.Fatalf("next for counter: %v", err)
	}
	if !found {
		t.Fatalf("expected a dispatched ticket")
	}
	if served.ID != firstShipping.ID {
		t.Fatalf("expected shipping ticket %d, got %d (service %d)", firstShipping.ID, served.ID, served.ServiceID)
	}
	if served.Status != models.StatusServed || served.CounterID == nil || *served.CounterID != 1 {
		t.Fatalf("expected ticket served at counter 1, got %+v", served)
	}
}

func TestDispatcherTwoCountersOneTicket(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	ticket := issueTicket(t, ctx, st, 1, time.Now().UTC())

	// Counters 1 and 3 both handle Shipping.
	d := dispatch.New(st, st, dispatch.Options{})
	type outcome struct {
		ticketID int64
		found    bool
		err      error
	}
	results := make(chan outcome, 2)
	var wg sync.WaitGroup
	for _, counterID := range []int64{1, 3} {
		wg.Add(1)
		go func(counter int64) {
			defer wg.Done()
			served, found, err := d.NextForCounter(ctx, counter)
			results <- outcome{ticketID: served.ID, found: found, err: err}
		}(counterID)
	}
	wg.Wait()
	close(results)

	wins := 0
	for result := range results {
		if result.err != nil && result.err != dispatch.ErrConflict {
			t.Fatalf("next for counter: %v", result.err)
		}
		if result.found {
			wins++
			if result.ticketID != ticket.ID {
				t.Fatalf("expected ticket %d, got %d", ticket.ID, result.ticketID)
			}
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one counter to win the ticket, got %d", wins)
	}
}

func TestFinishTicketAtMostOnce(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	ticket := issueTicket(t, ctx, st, 2, time.Now().UTC())
	if _, err := st.ServeTicket(ctx, ticket.ID, 2, time.Now().UTC()); err != nil {
		t.Fatalf("serve ticket: %v", err)
	}

	// Wrong counter cannot finish.
	done, err := st.FinishTicket(ctx, ticket.ID, 1, time.Now().UTC())
	if err != nil {
		t.Fatalf("finish ticket: %v", err)
	}
	if done {
		t.Fatalf("expected finish from wrong counter to be rejected")
	}

	done, err = st.FinishTicket(ctx, ticket.ID, 2, time.Now().UTC())
	if err != nil || !done {
		t.Fatalf("expected first finish to apply: done=%v err=%v", done, err)
	}

	done, err = st.FinishTicket(ctx, ticket.ID, 2, time.Now().UTC())
	if err != nil {
		t.Fatalf("finish ticket: %v", err)
	}
	if done {
		t.Fatalf("expected second finish to be a no-op")
	}
}

func TestCounterCapabilities(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	services, err := st.CounterCapabilities(ctx, 2)
	if err != nil {
		t.Fatalf("counter capabilities: %v", err)
	}
	if len(services) != 2 || services[0].ID != 2 || services[1].ID != 3 {
		t.Fatalf("expected counter 2 to handle services 2 and 3, got %+v", services)
	}

	if _, err := st.CounterCapabilities(ctx, 99); err != store.ErrCounterNotFound {
		t.Fatalf("expected ErrCounterNotFound, got %v", err)
	}
}

func TestEventsRecordTicketLifecycle(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	ticket := issueTicket(t, ctx, st, 1, time.Now().UTC())
	if _, err := st.ServeTicket(ctx, ticket.ID, 1, time.Now().UTC()); err != nil {
		t.Fatalf("serve ticket: %v", err)
	}
	if _, err := st.FinishTicket(ctx, ticket.ID, 1, time.Now().UTC()); err != nil {
		t.Fatalf("finish ticket: %v", err)
	}

	events, err := st.ListEvents(ctx, time.Time{}, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var types []string
	for _, event := range events {
		types = append(types, event.Type)
	}
	want := []string{store.EventTicketIssued, store.EventTicketServed, store.EventTicketFinished}
	if len(types) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), types)
	}
	for i, eventType := range want {
		if types[i] != eventType {
			t.Fatalf("expected event %d to be %s, got %v", i, eventType, types)
		}
	}
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := createSchema(ctx, dsn, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	pool, err := newPoolWithSchema(ctx, dsn, schema)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	st := NewStore(pool)
	cleanup := func() {
		pool.Close()
		_ = dropSchema(context.Background(), dsn, schema)
	}
	return st, pool, cleanup
}

func createSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	return err
}

func dropSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
	return err
}

func newPoolWithSchema(ctx context.Context, dsn, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	return pgxpool.NewWithConfig(ctx, cfg)
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	dir := filepath.Join("..", "..", "..", "migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	for _, name := range files {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(content)) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return err
		}
	}
	return nil
}

func issueTicket(t *testing.T, ctx context.Context, st *Store, serviceID int64, issuedAt time.Time) models.Ticket {
	t.Helper()
	ticket, err := st.IssueTicket(ctx, store.IssueTicketInput{
		ServiceID: serviceID,
		IssuedAt:  issuedAt,
	})
	if err != nil {
		t.Fatalf("issue ticket: %v", err)
	}
	return ticket
}
