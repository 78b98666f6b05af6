package router

import (
	"context"

	"counselbot/internal/models"
)

// AssignByID assigns a case on behalf of a supervisor acting outside the
// chat. Only the chat confirmation for the actor is dropped; a supervisor
// assigning to themselves still gets the assignment notice.
func (r *Router) AssignByID(ctx context.Context, sup *models.User, caseID string, responderID int64) ([]Outbound, error) {
	if err := requireSupervisor(sup); err != nil {
		return nil, err
	}
	c, err := r.cases.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	responder, err := r.responderByID(ctx, responderID)
	if err != nil {
		return nil, err
	}
	outs, err := r.assign(ctx, sup, c, responder)
	if err != nil {
		return nil, err
	}
	return notices(outs, sup.ID), nil
}

// CloseByID closes a case on behalf of a supervisor acting outside the chat.
func (r *Router) CloseByID(ctx context.Context, sup *models.User, caseID string) ([]Outbound, error) {
	if err := requireSupervisor(sup); err != nil {
		return nil, err
	}
	c, err := r.cases.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	outs, err := r.closeCase(ctx, sup, c)
	if err != nil {
		return nil, err
	}
	return notices(outs, sup.ID), nil
}

func notices(outs []Outbound, actorID int64) []Outbound {
	kept := outs[:0]
	for _, o := range outs {
		if o.Kind != KindReply || o.RecipientID != actorID {
			kept = append(kept, o)
		}
	}
	return kept
}
