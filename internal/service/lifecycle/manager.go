// Package lifecycle owns the case state machine:
// pending -> assigned -> active -> closed, with done as an orthogonal flag.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"counselbot/internal/logger"
	"counselbot/internal/models"
)

// Store is the persistence surface the manager needs.
type Store interface {
	CreateCase(ctx context.Context, c *models.Case) (string, error)
	GetCase(ctx context.Context, id string) (*models.Case, error)
	UpdateCase(ctx context.Context, id string, upd models.CaseUpdate) error
	AppendMessage(ctx context.Context, msg *models.Message, responderID int64) error
	QueryCases(ctx context.Context, f models.CaseFilter) ([]*models.Case, error)
}

var ErrEmptyProblem = errors.New("problem text is empty")

const lockStripes = 64

type Manager struct {
	store Store
	// serializes check-then-create per requester
	locks [lockStripes]sync.Mutex
}

func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

func (m *Manager) requesterLock(requesterID int64) *sync.Mutex {
	idx := requesterID % lockStripes
	if idx < 0 {
		idx = -idx
	}
	return &m.locks[idx]
}

// OpenCase returns the requester's pending, assigned or active case, or nil.
func (m *Manager) OpenCase(ctx context.Context, requesterID int64) (*models.Case, error) {
	cases, err := m.store.QueryCases(ctx, models.CaseFilter{RequesterID: requesterID})
	if err != nil {
		return nil, err
	}
	for _, c := range cases {
		if c.Status.Open() {
			return c, nil
		}
	}
	return nil, nil
}

// CreateCase opens a pending case. A requester may hold only one open case.
func (m *Manager) CreateCase(ctx context.Context, requesterID int64, problem string) (*models.Case, error) {
	problem = strings.TrimSpace(problem)
	if problem == "" {
		return nil, ErrEmptyProblem
	}

	lock := m.requesterLock(requesterID)
	lock.Lock()
	defer lock.Unlock()

	open, err := m.OpenCase(ctx, requesterID)
	if err != nil {
		return nil, err
	}
	if open != nil {
		return nil, fmt.Errorf("case %s: %w", open.ShortID(), models.ErrDuplicateOpenCase)
	}

	c := &models.Case{
		RequesterID: requesterID,
		Problem:     problem,
		Status:      models.StatusPending,
	}
	if _, err := m.store.CreateCase(ctx, c); err != nil {
		return nil, err
	}
	slog.InfoContext(logger.WithLogFields(ctx, logger.LogFields{CaseID: &c.ID}), "case created", "requester_id", requesterID)
	return c, nil
}

// AssignCase attaches a responder. Re-assigning the same responder is a
// no-op; a different responder replaces the current one and the case goes
// back to assigned.
func (m *Manager) AssignCase(ctx context.Context, caseID string, responderID, supervisorID int64) (*models.Case, error) {
	if responderID == 0 {
		return nil, fmt.Errorf("responder required: %w", models.ErrNotFound)
	}
	c, err := m.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c.Status == models.StatusClosed {
		return nil, fmt.Errorf("case %s: %w", c.ShortID(), models.ErrCaseClosed)
	}
	if c.Status.Engaged() && c.ResponderID == responderID {
		return c, nil
	}

	status := models.StatusAssigned
	upd := models.CaseUpdate{Status: &status, ResponderID: &responderID}
	if supervisorID != 0 {
		upd.SupervisorID = &supervisorID
	}
	if err := m.store.UpdateCase(ctx, c.ID, upd); err != nil {
		return nil, err
	}
	c.Status = status
	c.ResponderID = responderID
	if supervisorID != 0 {
		c.SupervisorID = supervisorID
	}
	slog.InfoContext(logger.WithLogFields(ctx, logger.LogFields{CaseID: &c.ID}), "case assigned",
		"responder_id", responderID, "supervisor_id", supervisorID)
	return c, nil
}

// RecordMessage appends to c and promotes assigned to active. The append
// only lands while c is still engaged with the responder the caller saw;
// otherwise it fails with ErrCaseClosed or ErrNoSelection and nothing is
// stored.
func (m *Manager) RecordMessage(ctx context.Context, c *models.Case, role models.Role, senderID int64, text string) (*models.Message, error) {
	msg := &models.Message{
		CaseID:     c.ID,
		SenderRole: role,
		SenderID:   senderID,
		Text:       text,
	}
	if err := m.store.AppendMessage(ctx, msg, c.ResponderID); err != nil {
		return nil, err
	}
	return msg, nil
}

// CloseCase is terminal and detaches the responder. It also returns the
// responder the case was taken from, zero when there was none. Closing a
// closed case is a no-op.
func (m *Manager) CloseCase(ctx context.Context, caseID string) (*models.Case, int64, error) {
	c, err := m.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, 0, err
	}
	if c.Status == models.StatusClosed {
		return c, 0, nil
	}
	previous := c.ResponderID
	status := models.StatusClosed
	var none int64
	if err := m.store.UpdateCase(ctx, c.ID, models.CaseUpdate{Status: &status, ResponderID: &none}); err != nil {
		return nil, 0, err
	}
	c.Status = status
	c.ResponderID = 0
	slog.InfoContext(logger.WithLogFields(ctx, logger.LogFields{CaseID: &c.ID}), "case closed", "responder_id", previous)
	return c, previous, nil
}

// MarkDone sets the soft done flag; status is unchanged.
func (m *Manager) MarkDone(ctx context.Context, caseID string) error {
	if _, err := m.store.GetCase(ctx, caseID); err != nil {
		return err
	}
	done := true
	return m.store.UpdateCase(ctx, caseID, models.CaseUpdate{Done: &done})
}

// SetAlias sets the responder-facing nickname; an empty alias clears it.
func (m *Manager) SetAlias(ctx context.Context, caseID, alias string) error {
	if _, err := m.store.GetCase(ctx, caseID); err != nil {
		return err
	}
	alias = strings.TrimSpace(alias)
	return m.store.UpdateCase(ctx, caseID, models.CaseUpdate{Alias: &alias})
}

func (m *Manager) GetCase(ctx context.Context, caseID string) (*models.Case, error) {
	return m.store.GetCase(ctx, caseID)
}

// ListOpen returns every non-closed case, oldest first.
func (m *Manager) ListOpen(ctx context.Context) ([]*models.Case, error) {
	cases, err := m.store.QueryCases(ctx, models.CaseFilter{})
	if err != nil {
		return nil, err
	}
	open := cases[:0]
	for _, c := range cases {
		if c.Status.Open() {
			open = append(open, c)
		}
	}
	return open, nil
}

func (m *Manager) ListAll(ctx context.Context) ([]*models.Case, error) {
	return m.store.QueryCases(ctx, models.CaseFilter{})
}

func (m *Manager) ListByRequester(ctx context.Context, requesterID int64) ([]*models.Case, error) {
	return m.store.QueryCases(ctx, models.CaseFilter{RequesterID: requesterID})
}
