// Package resolver turns what a responder typed or tapped into exactly one case.
package resolver

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"counselbot/internal/models"
	"counselbot/internal/session"
)

type CaseQuerier interface {
	QueryCases(ctx context.Context, f models.CaseFilter) ([]*models.Case, error)
}

type Resolver struct {
	cases    CaseQuerier
	sessions session.Registry
}

func New(cases CaseQuerier, sessions session.Registry) *Resolver {
	return &Resolver{cases: cases, sessions: sessions}
}

// SortCases orders cases by creation time, then id.
func SortCases(cases []*models.Case) {
	sort.SliceStable(cases, func(i, j int) bool {
		a, b := cases[i], cases[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// Candidates returns the responder's assigned and active cases in stable order.
// The 1-based position in this slice is the case index shown to the responder.
func (r *Resolver) Candidates(ctx context.Context, responderID int64) ([]*models.Case, error) {
	all, err := r.cases.QueryCases(ctx, models.CaseFilter{ResponderID: responderID})
	if err != nil {
		return nil, err
	}
	out := make([]*models.Case, 0, len(all))
	for _, c := range all {
		if c.Status.Engaged() && c.ResponderID == responderID {
			out = append(out, c)
		}
	}
	SortCases(out)
	return out, nil
}

// Resolve picks one case out of candidates for a non-empty ref: a 1-based
// index, an exact id, or an id prefix. A leading #case tag marker is ignored
// so tags echoed back by responders resolve too.
func Resolve(candidates []*models.Case, ref string) (*models.Case, error) {
	ref = strings.TrimSpace(ref)
	if rest, ok := strings.CutPrefix(strings.ToLower(ref), "#case"); ok {
		ref = rest
	}
	if ref == "" {
		return nil, models.ErrNoSelection
	}
	if idx, ok := parseIndex(ref); ok {
		if idx < 1 || idx > len(candidates) {
			return nil, fmt.Errorf("%s of %d: %w", ref, len(candidates), models.ErrIndexOutOfRange)
		}
		return candidates[idx-1], nil
	}
	for _, c := range candidates {
		if c.ID == ref {
			return c, nil
		}
	}
	for _, c := range candidates {
		if strings.HasPrefix(c.ID, ref) {
			return c, nil
		}
	}
	return nil, fmt.Errorf("case %q: %w", ref, models.ErrNotFound)
}

// parseIndex accepts decimal digits only. Overflowing numbers map to 0 so
// they fail the range check instead of falling through to prefix matching.
func parseIndex(ref string) (int, bool) {
	for i := 0; i < len(ref); i++ {
		if ref[i] < '0' || ref[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(ref)
	if err != nil {
		return 0, true
	}
	return n, true
}

// Resolve resolves ref against the responder's candidates. An empty ref
// means the current selection.
func (r *Resolver) Resolve(ctx context.Context, responderID int64, ref string) (*models.Case, []*models.Case, error) {
	candidates, err := r.Candidates(ctx, responderID)
	if err != nil {
		return nil, nil, err
	}
	if strings.TrimSpace(ref) == "" {
		c, err := r.current(ctx, responderID, candidates)
		return c, candidates, err
	}
	c, err := Resolve(candidates, ref)
	return c, candidates, err
}

// Current returns the responder's selected case after checking it is still
// one of their candidates. A stale selection is cleared.
func (r *Resolver) Current(ctx context.Context, responderID int64) (*models.Case, []*models.Case, error) {
	return r.Resolve(ctx, responderID, "")
}

func (r *Resolver) current(ctx context.Context, responderID int64, candidates []*models.Case) (*models.Case, error) {
	selected, ok, err := r.sessions.Get(ctx, responderID)
	if err != nil {
		return nil, fmt.Errorf("%w: read selection: %w", models.ErrStore, err)
	}
	if !ok {
		return nil, models.ErrNoSelection
	}
	for _, c := range candidates {
		if c.ID == selected {
			return c, nil
		}
	}
	if _, err := r.sessions.ClearIf(ctx, responderID, selected); err != nil {
		return nil, fmt.Errorf("%w: clear selection: %w", models.ErrStore, err)
	}
	return nil, fmt.Errorf("selection %s is no longer active: %w", models.Prefix(selected, 8), models.ErrNoSelection)
}

// Select resolves ref and makes it the responder's current case.
func (r *Resolver) Select(ctx context.Context, responderID int64, ref string) (*models.Case, []*models.Case, error) {
	c, candidates, err := r.Resolve(ctx, responderID, ref)
	if err != nil {
		return nil, candidates, err
	}
	if err := r.sessions.Set(ctx, responderID, c.ID); err != nil {
		return nil, candidates, fmt.Errorf("%w: write selection: %w", models.ErrStore, err)
	}
	return c, candidates, nil
}

// Deselect drops the responder's selection.
func (r *Resolver) Deselect(ctx context.Context, responderID int64) error {
	if err := r.sessions.Clear(ctx, responderID); err != nil {
		return fmt.Errorf("%w: clear selection: %w", models.ErrStore, err)
	}
	return nil
}

// Forget clears the responder's selection only if it still points at caseID.
func (r *Resolver) Forget(ctx context.Context, responderID int64, caseID string) error {
	if _, err := r.sessions.ClearIf(ctx, responderID, caseID); err != nil {
		return fmt.Errorf("%w: clear selection: %w", models.ErrStore, err)
	}
	return nil
}

// SelectedID returns the raw selection without validation, for display.
func (r *Resolver) SelectedID(ctx context.Context, responderID int64) string {
	id, ok, err := r.sessions.Get(ctx, responderID)
	if err != nil || !ok {
		return ""
	}
	return id
}
