// Package router turns inbound chat events into case operations and the
// messages that should go out as a result.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"counselbot/internal/logger"
	"counselbot/internal/models"
	"counselbot/internal/service/label"
	"counselbot/internal/service/lifecycle"
	"counselbot/internal/service/resolver"
	"counselbot/internal/session"
)

// Store is the user side of persistence; cases go through the lifecycle manager.
type Store interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id int64) (*models.User, error)
	UpdateUserRole(ctx context.Context, id int64, role models.Role) error
	UpdateUserProfile(ctx context.Context, id int64, username, displayName string) error
	ListUsersByRole(ctx context.Context, role models.Role) ([]*models.User, error)
	FindUserByUsername(ctx context.Context, username string) (*models.User, error)
}

type TokenIssuer interface {
	IssueToken(ctx context.Context, userID int64) (string, error)
}

type Options struct {
	// Empty passcodes disable the matching /register_* command.
	ResponderPasscode  string
	SupervisorPasscode string
	DashboardURL       string
	Tokens             TokenIssuer
}

type Router struct {
	users    Store
	cases    *lifecycle.Manager
	resolver *resolver.Resolver
	prompts  session.Registry
	opts     Options
}

func New(users Store, cases *lifecycle.Manager, res *resolver.Resolver, prompts session.Registry, opts Options) *Router {
	return &Router{
		users:    users,
		cases:    cases,
		resolver: res,
		prompts:  prompts,
		opts:     opts,
	}
}

const (
	promptProblem = "problem"
	promptAlias   = "alias"
)

// Handle processes one event. It never returns an error: failures become a
// reply to the sender.
func (r *Router) Handle(ctx context.Context, ev Event) []Outbound {
	ctx = logger.WithLogFields(ctx, logger.LogFields{SenderID: logger.Ptr(ev.SenderID), Component: "router"})
	if ev.SenderID == 0 {
		slog.WarnContext(ctx, "event without sender dropped")
		return nil
	}

	user, err := r.ensureUser(ctx, ev)
	if err != nil {
		slog.ErrorContext(ctx, "load sender", "error", err)
		return []Outbound{{RecipientID: ev.SenderID, Text: msgGenericError, Kind: KindReply}}
	}
	if ev.RoleHint != "" && ev.RoleHint != user.Role {
		slog.DebugContext(ctx, "role hint ignored", "hint", ev.RoleHint, "role", user.Role)
	}

	var outs []Outbound
	if ev.Action != nil {
		ctx = logger.WithLogFields(ctx, logger.LogFields{
			Command: logger.Ptr(string(ev.Action.Kind)),
			CaseID:  logger.Ptr(ev.Action.CaseID),
		})
		outs, err = r.handleAction(ctx, user, *ev.Action)
	} else {
		outs, err = r.handleText(ctx, user, strings.TrimSpace(ev.Text))
	}
	if err != nil {
		if expected(err) {
			slog.DebugContext(ctx, "event rejected", "error", err)
		} else {
			slog.ErrorContext(ctx, "event failed", "error", err)
		}
		outs = append(outs, reply(user, describe(err)))
	}
	return outs
}

func (r *Router) ensureUser(ctx context.Context, ev Event) (*models.User, error) {
	u, err := r.users.GetUser(ctx, ev.SenderID)
	if err == nil {
		if profileChanged(u, ev) {
			if err := r.users.UpdateUserProfile(ctx, u.ID, ev.Username, ev.DisplayName); err != nil {
				slog.WarnContext(ctx, "refresh profile", "error", err)
			} else {
				u.Username, u.DisplayName = ev.Username, ev.DisplayName
			}
		}
		return u, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	u = &models.User{
		ID:          ev.SenderID,
		Username:    ev.Username,
		DisplayName: ev.DisplayName,
		Role:        models.RoleRequester,
	}
	if err := r.users.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "user registered")
	return u, nil
}

func profileChanged(u *models.User, ev Event) bool {
	if ev.Username == "" && ev.DisplayName == "" {
		return false
	}
	return u.Username != ev.Username || u.DisplayName != ev.DisplayName
}

func reply(u *models.User, text string) Outbound {
	return Outbound{RecipientID: u.ID, Text: text, Kind: KindReply}
}

func requireResponder(u *models.User) error {
	if !u.Role.CanRespond() {
		return fmt.Errorf("%s cannot handle cases: %w", u.Role, models.ErrForbidden)
	}
	return nil
}

func requireSupervisor(u *models.User) error {
	if u.Role != models.RoleSupervisor {
		return fmt.Errorf("%s is not a supervisor: %w", u.Role, models.ErrForbidden)
	}
	return nil
}

// parseCommand splits "/name@bot arg1 arg2" into name and args.
func parseCommand(text string) (string, []string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return "", nil, false
	}
	name := strings.ToLower(fields[0])
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	return name, fields[1:], true
}

func (r *Router) handleText(ctx context.Context, u *models.User, text string) ([]Outbound, error) {
	if text == "" {
		return nil, nil
	}
	if name, args, ok := parseCommand(text); ok {
		ctx = logger.WithLogFields(ctx, logger.LogFields{Command: logger.Ptr(name)})
		return r.runCommand(ctx, u, name, args)
	}
	if name, ok := buttonCommands[text]; ok {
		ctx = logger.WithLogFields(ctx, logger.LogFields{Command: logger.Ptr(name)})
		return r.runCommand(ctx, u, name, nil)
	}
	if outs, handled, err := r.handlePrompt(ctx, u, text); handled {
		return outs, err
	}

	switch u.Role {
	case models.RoleRequester:
		return r.relayFromRequester(ctx, u, text)
	case models.RoleResponder, models.RoleSupervisor:
		return r.relayFromResponder(ctx, u, text)
	}
	return nil, fmt.Errorf("unknown role %q", u.Role)
}

// handlePrompt consumes a pending "send me X next" prompt, if any.
func (r *Router) handlePrompt(ctx context.Context, u *models.User, text string) ([]Outbound, bool, error) {
	kind, ok, err := r.prompts.Get(ctx, u.ID)
	if err != nil {
		slog.WarnContext(ctx, "read prompt", "error", err)
		return nil, false, nil
	}
	if !ok {
		return nil, false, nil
	}
	if err := r.prompts.Clear(ctx, u.ID); err != nil {
		slog.WarnContext(ctx, "clear prompt", "error", err)
	}

	switch {
	case kind == promptProblem && u.Role == models.RoleRequester:
		outs, err := r.submitProblem(ctx, u, text)
		return outs, true, err
	case kind == promptAlias && u.Role.CanRespond():
		c, cands, err := r.resolver.Current(ctx, u.ID)
		if err != nil {
			return nil, true, err
		}
		outs, err := r.setAlias(ctx, u, c, cands, text)
		return outs, true, err
	}
	return nil, false, nil
}

func (r *Router) relayFromRequester(ctx context.Context, u *models.User, text string) ([]Outbound, error) {
	for attempt := 0; ; attempt++ {
		open, err := r.cases.OpenCase(ctx, u.ID)
		if err != nil {
			return nil, err
		}
		if open == nil {
			out := reply(u, msgNoOpenCase)
			out.Keyboard = menuFor(u.Role)
			return []Outbound{out}, nil
		}
		if !open.Status.Engaged() || open.ResponderID == 0 {
			return []Outbound{reply(u, msgWaitingForCounselor)}, nil
		}

		ctx := logger.WithLogFields(ctx, logger.LogFields{CaseID: logger.Ptr(open.ID)})
		_, err = r.cases.RecordMessage(ctx, open, models.RoleRequester, u.ID, text)
		switch {
		case errors.Is(err, models.ErrCaseClosed):
			return []Outbound{reply(u, msgCaseClosedRequester)}, nil
		case errors.Is(err, models.ErrNoSelection) && attempt == 0:
			// reassigned since the read; route to the new responder
			slog.InfoContext(ctx, "case moved before append, retrying")
			continue
		case err != nil:
			return nil, err
		}

		cands, err := r.resolver.Candidates(ctx, open.ResponderID)
		if err != nil {
			slog.WarnContext(ctx, "load responder cases for tag", "error", err)
		}
		failure := reply(u, msgDeliveryDelayed)
		return []Outbound{{
			RecipientID: open.ResponderID,
			Kind:        KindForward,
			Text:        fmt.Sprintf("📩 %s\n\n%s\n\n%s", label.Label(cands, open), text, label.Tag(cands, open)),
			OnFailure:   &failure,
		}}, nil
	}
}

func (r *Router) relayFromResponder(ctx context.Context, u *models.User, text string) ([]Outbound, error) {
	c, cands, err := r.resolver.Current(ctx, u.ID)
	if err != nil {
		return nil, err
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{CaseID: logger.Ptr(c.ID)})
	if _, err := r.cases.RecordMessage(ctx, c, u.Role, u.ID, text); err != nil {
		if !errors.Is(err, models.ErrCaseClosed) && !errors.Is(err, models.ErrNoSelection) {
			return nil, err
		}
		// closed or reassigned since the selection was checked
		if ferr := r.resolver.Forget(ctx, u.ID, c.ID); ferr != nil {
			slog.WarnContext(ctx, "drop stale selection", "error", ferr)
		}
		return nil, fmt.Errorf("case %s moved: %w", c.ShortID(), models.ErrNoSelection)
	}

	failure := reply(u, msgDeliveryFailed)
	return []Outbound{
		{
			RecipientID: c.RequesterID,
			Kind:        KindForward,
			Text:        "👥 Counselor:\n\n" + text,
			OnFailure:   &failure,
		},
		reply(u, fmt.Sprintf("✓ %s %s", label.Label(cands, c), label.Tag(cands, c))),
	}, nil
}

func (r *Router) handleAction(ctx context.Context, u *models.User, a Action) ([]Outbound, error) {
	switch a.Kind {
	case ActionAssign:
		if err := requireSupervisor(u); err != nil {
			return nil, err
		}
		return r.responderPicker(ctx, u, a.CaseID)
	case ActionPick:
		if err := requireSupervisor(u); err != nil {
			return nil, err
		}
		c, err := r.cases.GetCase(ctx, a.CaseID)
		if err != nil {
			return nil, err
		}
		responder, err := r.responderByID(ctx, a.UserID)
		if err != nil {
			return nil, err
		}
		return r.assign(ctx, u, c, responder)
	case ActionSelect:
		if err := requireResponder(u); err != nil {
			return nil, err
		}
		return r.selectCase(ctx, u, a.CaseID)
	}
	return nil, fmt.Errorf("unsupported action %q", a.Kind)
}
