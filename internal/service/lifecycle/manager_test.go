package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"

	"counselbot/internal/models"
	"counselbot/internal/storage"
	"counselbot/internal/storage/storagetest"
)

func newTestManager(t *testing.T) (*Manager, *storage.Store) {
	t.Helper()
	store := storagetest.Open(t)
	storagetest.CreateUser(t, store, 1, models.RoleRequester)
	storagetest.CreateUser(t, store, 2, models.RoleRequester)
	storagetest.CreateUser(t, store, 10, models.RoleResponder)
	storagetest.CreateUser(t, store, 11, models.RoleResponder)
	storagetest.CreateUser(t, store, 100, models.RoleSupervisor)
	return NewManager(store), store
}

func TestCreateCaseRejectsSecondOpenCase(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	c, err := m.CreateCase(ctx, 1, "  I feel anxious  ")
	if err != nil {
		t.Fatalf("CreateCase: %v", err)
	}
	if c.Status != models.StatusPending || c.Problem != "I feel anxious" || c.Done || c.ResponderID != 0 {
		t.Fatalf("unexpected new case: %+v", c)
	}
	if _, err := m.CreateCase(ctx, 1, "another"); !errors.Is(err, models.ErrDuplicateOpenCase) {
		t.Fatalf("expected ErrDuplicateOpenCase, got %v", err)
	}

	if _, _, err := m.CloseCase(ctx, c.ID); err != nil {
		t.Fatalf("CloseCase: %v", err)
	}
	if _, err := m.CreateCase(ctx, 1, "new issue"); err != nil {
		t.Fatalf("CreateCase after close: %v", err)
	}
	if _, err := m.CreateCase(ctx, 2, " "); !errors.Is(err, ErrEmptyProblem) {
		t.Fatalf("expected ErrEmptyProblem, got %v", err)
	}
}

func TestCreateCaseConcurrentSingleWinner(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.CreateCase(ctx, 2, "race"); err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if created != 1 {
		t.Fatalf("expected exactly one case, got %d", created)
	}
}

func TestAssignCaseIsIdempotent(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	c, _ := m.CreateCase(ctx, 1, "help")

	first, err := m.AssignCase(ctx, c.ID, 10, 100)
	if err != nil {
		t.Fatalf("AssignCase: %v", err)
	}
	if first.Status != models.StatusAssigned || first.ResponderID != 10 || first.SupervisorID != 100 {
		t.Fatalf("unexpected assigned case: %+v", first)
	}
	if _, err := m.AssignCase(ctx, c.ID, 10, 100); err != nil {
		t.Fatalf("second AssignCase: %v", err)
	}
	got, _ := store.GetCase(ctx, c.ID)
	if got.Status != models.StatusAssigned || got.ResponderID != 10 {
		t.Fatalf("state changed by idempotent assign: %+v", got)
	}

	if _, err := m.RecordMessage(ctx, first, models.RoleRequester, 1, "hi"); err != nil {
		t.Fatalf("RecordMessage: %v", err)
	}
	if _, err := m.AssignCase(ctx, c.ID, 10, 100); err != nil {
		t.Fatalf("assign same responder on active case: %v", err)
	}
	if got, _ = store.GetCase(ctx, c.ID); got.Status != models.StatusActive {
		t.Fatalf("same-responder assign must not regress active, got %s", got.Status)
	}

	if _, err := m.AssignCase(ctx, c.ID, 11, 100); err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if got, _ = store.GetCase(ctx, c.ID); got.ResponderID != 11 || got.Status != models.StatusAssigned {
		t.Fatalf("reassign not applied: %+v", got)
	}
}

func TestAssignCaseErrors(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.AssignCase(ctx, "missing", 10, 100); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	c, _ := m.CreateCase(ctx, 1, "help")
	if _, _, err := m.CloseCase(ctx, c.ID); err != nil {
		t.Fatalf("CloseCase: %v", err)
	}
	if _, err := m.AssignCase(ctx, c.ID, 10, 100); !errors.Is(err, models.ErrCaseClosed) {
		t.Fatalf("expected ErrCaseClosed, got %v", err)
	}
}

func TestRecordMessageRoundTrip(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	c, _ := m.CreateCase(ctx, 1, "help")
	assigned, err := m.AssignCase(ctx, c.ID, 10, 100)
	if err != nil {
		t.Fatalf("AssignCase: %v", err)
	}

	msg, err := m.RecordMessage(ctx, assigned, models.RoleResponder, 10, "hello, I'm here")
	if err != nil {
		t.Fatalf("RecordMessage: %v", err)
	}
	got, err := store.GetCase(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCase: %v", err)
	}
	if got.Status != models.StatusActive {
		t.Fatalf("status = %s, want active", got.Status)
	}
	last := got.Messages[len(got.Messages)-1]
	if last.ID != msg.ID || last.Text != "hello, I'm here" || last.SenderRole != models.RoleResponder || last.SenderID != 10 {
		t.Fatalf("last message mismatch: %+v", last)
	}

	if _, err := m.RecordMessage(ctx, &models.Case{ID: "missing", ResponderID: 10}, models.RoleRequester, 1, "x"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCloseDetachesResponderAndBlocksMessages(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	c, _ := m.CreateCase(ctx, 1, "help")
	assigned, err := m.AssignCase(ctx, c.ID, 10, 100)
	if err != nil {
		t.Fatalf("AssignCase: %v", err)
	}

	closed, previous, err := m.CloseCase(ctx, c.ID)
	if err != nil {
		t.Fatalf("CloseCase: %v", err)
	}
	if previous != 10 || closed.ResponderID != 0 || closed.Status != models.StatusClosed {
		t.Fatalf("CloseCase = %+v, previous %d", closed, previous)
	}
	got, _ := store.GetCase(ctx, c.ID)
	if got.Status != models.StatusClosed || got.ResponderID != 0 {
		t.Fatalf("stored closed case keeps responder: status=%s responder=%d", got.Status, got.ResponderID)
	}

	// the router still holds the pre-close view
	if _, err := m.RecordMessage(ctx, assigned, models.RoleResponder, 10, "still there?"); !errors.Is(err, models.ErrCaseClosed) {
		t.Fatalf("expected ErrCaseClosed, got %v", err)
	}
	if got, _ = store.GetCase(ctx, c.ID); len(got.Messages) != 0 {
		t.Fatalf("message appended to closed case: %+v", got.Messages)
	}

	if _, previous, err = m.CloseCase(ctx, c.ID); err != nil || previous != 0 {
		t.Fatalf("second CloseCase previous=%d err=%v", previous, err)
	}
}

func TestRecordMessageAfterReassign(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	c, _ := m.CreateCase(ctx, 1, "help")
	stale, err := m.AssignCase(ctx, c.ID, 10, 100)
	if err != nil {
		t.Fatalf("AssignCase: %v", err)
	}
	if _, err := m.AssignCase(ctx, c.ID, 11, 100); err != nil {
		t.Fatalf("reassign: %v", err)
	}

	if _, err := m.RecordMessage(ctx, stale, models.RoleResponder, 10, "hello"); !errors.Is(err, models.ErrNoSelection) {
		t.Fatalf("expected ErrNoSelection, got %v", err)
	}
	if got, _ := store.GetCase(ctx, c.ID); len(got.Messages) != 0 || got.Status != models.StatusAssigned {
		t.Fatalf("stale append changed the case: %+v", got)
	}
}

func TestCloseMarkDoneAlias(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	c, _ := m.CreateCase(ctx, 1, "help")

	if err := m.MarkDone(ctx, c.ID); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	if err := m.SetAlias(ctx, c.ID, " Sam "); err != nil {
		t.Fatalf("SetAlias: %v", err)
	}
	got, _ := store.GetCase(ctx, c.ID)
	if !got.Done || got.Alias != "Sam" || got.Status != models.StatusPending {
		t.Fatalf("soft fields not applied: %+v", got)
	}
	if err := m.SetAlias(ctx, c.ID, ""); err != nil {
		t.Fatalf("clear alias: %v", err)
	}

	closed, _, err := m.CloseCase(ctx, c.ID)
	if err != nil || closed.Status != models.StatusClosed {
		t.Fatalf("CloseCase = %+v, %v", closed, err)
	}
	again, _, err := m.CloseCase(ctx, c.ID)
	if err != nil || again.Status != models.StatusClosed {
		t.Fatalf("second CloseCase = %+v, %v", again, err)
	}
	if err := m.MarkDone(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	open, err := m.ListOpen(ctx)
	if err != nil || len(open) != 0 {
		t.Fatalf("ListOpen = %v, %v", open, err)
	}
}
