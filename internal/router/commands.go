package router

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"counselbot/internal/logger"
	"counselbot/internal/models"
	"counselbot/internal/service/label"
	"counselbot/internal/service/resolver"
)

const (
	maxListed      = 10
	maxAllListed   = 30
	maxPickerRows  = 30
	problemPreview = 60
)

func (r *Router) runCommand(ctx context.Context, u *models.User, name string, args []string) ([]Outbound, error) {
	switch name {
	case "start", "menu":
		return r.cmdStart(ctx, u)
	case "help":
		return r.cmdHelp(u)
	case "problem", "new":
		return r.cmdProblem(ctx, u, strings.Join(args, " "))
	case "cases", "mycases":
		return r.cmdCases(ctx, u)
	case "switch":
		return r.cmdSwitch(ctx, u, args)
	case "end":
		return r.cmdEnd(ctx, u)
	case "setname", "rename":
		return r.cmdSetAlias(ctx, u, args)
	case "clearname":
		return r.cmdClearAlias(ctx, u, args)
	case "done":
		return r.cmdDone(ctx, u, args)
	case "close":
		return r.cmdClose(ctx, u, args)
	case "assign":
		return r.cmdAssign(ctx, u, args)
	case "pending":
		return r.cmdPending(ctx, u)
	case "all":
		return r.cmdAll(ctx, u)
	case "register_counselor":
		return r.cmdRegister(ctx, u, args, models.RoleResponder, r.opts.ResponderPasscode)
	case "register_supervisor":
		return r.cmdRegister(ctx, u, args, models.RoleSupervisor, r.opts.SupervisorPasscode)
	case "dashboard":
		return r.cmdDashboard(ctx, u)
	}
	return []Outbound{reply(u, msgUnknownCommand)}, nil
}

func (r *Router) cmdStart(ctx context.Context, u *models.User) ([]Outbound, error) {
	if err := r.prompts.Clear(ctx, u.ID); err != nil {
		slog.WarnContext(ctx, "clear prompt", "error", err)
	}
	return r.cmdHelp(u)
}

func (r *Router) cmdHelp(u *models.User) ([]Outbound, error) {
	out := reply(u, helpFor(u.Role))
	out.Keyboard = menuFor(u.Role)
	return []Outbound{out}, nil
}

func (r *Router) cmdProblem(ctx context.Context, u *models.User, text string) ([]Outbound, error) {
	if u.Role != models.RoleRequester {
		return nil, fmt.Errorf("only requesters open cases: %w", models.ErrForbidden)
	}
	if text = strings.TrimSpace(text); text != "" {
		return r.submitProblem(ctx, u, text)
	}

	open, err := r.cases.OpenCase(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	if open != nil {
		return nil, fmt.Errorf("case %s: %w", open.ShortID(), models.ErrDuplicateOpenCase)
	}
	if err := r.prompts.Set(ctx, u.ID, promptProblem); err != nil {
		return nil, fmt.Errorf("%w: set prompt: %w", models.ErrStore, err)
	}
	return []Outbound{reply(u, msgDescribeProblem)}, nil
}

func (r *Router) submitProblem(ctx context.Context, u *models.User, text string) ([]Outbound, error) {
	c, err := r.cases.CreateCase(ctx, u.ID, text)
	if err != nil {
		return nil, err
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{CaseID: logger.Ptr(c.ID)})
	outs := []Outbound{reply(u, fmt.Sprintf(msgCaseCreated, c.ShortID()))}
	return append(outs, r.notifySupervisors(ctx, c)...), nil
}

// notifySupervisors never fails the caller; the case already exists.
func (r *Router) notifySupervisors(ctx context.Context, c *models.Case) []Outbound {
	sups, err := r.users.ListUsersByRole(ctx, models.RoleSupervisor)
	if err != nil {
		slog.WarnContext(ctx, "list supervisors for new case", "error", err)
		return nil
	}
	assign := Action{Kind: ActionAssign, CaseID: c.ID}.Encode()
	outs := make([]Outbound, 0, len(sups))
	for _, s := range sups {
		outs = append(outs, Outbound{
			RecipientID: s.ID,
			Kind:        KindNotify,
			Text:        fmt.Sprintf(msgNewCaseAlert, c.ShortID(), logger.Truncate(c.Problem, 300)),
			Buttons:     [][]Button{{{Text: "Assign", Data: assign}}},
		})
	}
	return outs
}

func (r *Router) cmdCases(ctx context.Context, u *models.User) ([]Outbound, error) {
	switch u.Role {
	case models.RoleRequester:
		cases, err := r.cases.ListByRequester(ctx, u.ID)
		if err != nil {
			return nil, err
		}
		if len(cases) == 0 {
			return []Outbound{reply(u, "You have no cases yet. Send /problem to open one.")}, nil
		}
		var b strings.Builder
		b.WriteString("Your cases:\n")
		start := max(0, len(cases)-5)
		for _, c := range cases[start:] {
			fmt.Fprintf(&b, "• %s: %s\n", c.ShortID(), c.Status)
		}
		return []Outbound{reply(u, b.String())}, nil
	case models.RoleSupervisor:
		outs, err := r.caseSummary(ctx, u)
		if err != nil {
			return nil, err
		}
		mine, err := r.renderCandidates(ctx, u, true)
		if err != nil {
			return nil, err
		}
		return append(outs, mine...), nil
	default:
		return r.renderCandidates(ctx, u, false)
	}
}

// renderCandidates lists the responder's cases with select buttons.
// quiet suppresses the "no cases" reply.
func (r *Router) renderCandidates(ctx context.Context, u *models.User, quiet bool) ([]Outbound, error) {
	cands, err := r.resolver.Candidates(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	if len(cands) == 0 {
		if quiet {
			return nil, nil
		}
		return []Outbound{reply(u, msgNoAssignedCases)}, nil
	}

	selected := r.resolver.SelectedID(ctx, u.ID)
	var b strings.Builder
	b.WriteString("Your cases:\n")
	rows := make([][]Button, 0, len(cands))
	for i, c := range cands {
		name := label.Label(cands, c)
		fmt.Fprintf(&b, "%d. %s", i+1, name)
		if c.ID == selected {
			b.WriteString(" (current)")
		}
		if c.Done {
			b.WriteString(" ✓ done")
		}
		fmt.Fprintf(&b, ": %s\n", logger.Truncate(c.Problem, problemPreview))
		rows = append(rows, []Button{{Text: name, Data: Action{Kind: ActionSelect, CaseID: c.ID}.Encode()}})
	}
	b.WriteString("\nUse /switch <number> or tap a case.")

	out := reply(u, b.String())
	out.Buttons = rows
	return []Outbound{out}, nil
}

func (r *Router) cmdSwitch(ctx context.Context, u *models.User, args []string) ([]Outbound, error) {
	if err := requireResponder(u); err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return r.renderCandidates(ctx, u, false)
	}
	return r.selectCase(ctx, u, args[0])
}

func (r *Router) selectCase(ctx context.Context, u *models.User, ref string) ([]Outbound, error) {
	c, cands, err := r.resolver.Select(ctx, u.ID, ref)
	if err != nil {
		return nil, err
	}
	text := fmt.Sprintf("Switched to %s.\nProblem: %s\n\nYour messages now go to this requester.",
		label.Label(cands, c), logger.Truncate(c.Problem, 200))
	return []Outbound{reply(u, text)}, nil
}

func (r *Router) cmdEnd(ctx context.Context, u *models.User) ([]Outbound, error) {
	if err := r.resolver.Deselect(ctx, u.ID); err != nil {
		return nil, err
	}
	if err := r.prompts.Clear(ctx, u.ID); err != nil {
		slog.WarnContext(ctx, "clear prompt", "error", err)
	}
	return []Outbound{reply(u, msgEnded)}, nil
}

// target resolves an optional leading case reference; none means the current
// selection.
func (r *Router) target(ctx context.Context, u *models.User, args []string) (*models.Case, []*models.Case, error) {
	ref := ""
	if len(args) > 0 {
		ref = args[0]
	}
	return r.resolver.Resolve(ctx, u.ID, ref)
}

func (r *Router) cmdSetAlias(ctx context.Context, u *models.User, args []string) ([]Outbound, error) {
	if err := requireResponder(u); err != nil {
		return nil, err
	}
	switch len(args) {
	case 0:
		c, cands, err := r.resolver.Current(ctx, u.ID)
		if err != nil {
			return nil, err
		}
		if err := r.prompts.Set(ctx, u.ID, promptAlias); err != nil {
			return nil, fmt.Errorf("%w: set prompt: %w", models.ErrStore, err)
		}
		return []Outbound{reply(u, fmt.Sprintf("Send the name to use for %s.", label.Label(cands, c)))}, nil
	case 1:
		c, cands, err := r.resolver.Current(ctx, u.ID)
		if err != nil {
			return nil, err
		}
		return r.setAlias(ctx, u, c, cands, args[0])
	default:
		c, cands, err := r.resolver.Resolve(ctx, u.ID, args[0])
		if err != nil {
			return nil, err
		}
		return r.setAlias(ctx, u, c, cands, strings.Join(args[1:], " "))
	}
}

func (r *Router) setAlias(ctx context.Context, u *models.User, c *models.Case, cands []*models.Case, alias string) ([]Outbound, error) {
	alias = strings.TrimSpace(alias)
	if err := r.cases.SetAlias(ctx, c.ID, alias); err != nil {
		return nil, err
	}
	c.Alias = alias
	if alias == "" {
		return []Outbound{reply(u, fmt.Sprintf("Name cleared for %s.", label.Label(cands, c)))}, nil
	}
	return []Outbound{reply(u, fmt.Sprintf("Name set: %s", label.Label(cands, c)))}, nil
}

func (r *Router) cmdClearAlias(ctx context.Context, u *models.User, args []string) ([]Outbound, error) {
	if err := requireResponder(u); err != nil {
		return nil, err
	}
	c, cands, err := r.target(ctx, u, args)
	if err != nil {
		return nil, err
	}
	return r.setAlias(ctx, u, c, cands, "")
}

func (r *Router) cmdDone(ctx context.Context, u *models.User, args []string) ([]Outbound, error) {
	if err := requireResponder(u); err != nil {
		return nil, err
	}
	c, cands, err := r.target(ctx, u, args)
	if err != nil {
		return nil, err
	}
	if err := r.cases.MarkDone(ctx, c.ID); err != nil {
		return nil, err
	}
	return []Outbound{reply(u, fmt.Sprintf("Marked %s as done. It stays open until it is closed.", label.Label(cands, c)))}, nil
}

// openCases lists every open case oldest first; supervisors' case numbers
// refer to positions in this list.
func (r *Router) openCases(ctx context.Context) ([]*models.Case, error) {
	open, err := r.cases.ListOpen(ctx)
	if err != nil {
		return nil, err
	}
	resolver.SortCases(open)
	return open, nil
}

func (r *Router) cmdClose(ctx context.Context, u *models.User, args []string) ([]Outbound, error) {
	if err := requireResponder(u); err != nil {
		return nil, err
	}

	var c *models.Case
	if u.Role == models.RoleSupervisor && len(args) > 0 {
		open, err := r.openCases(ctx)
		if err != nil {
			return nil, err
		}
		if c, err = resolver.Resolve(open, args[0]); err != nil {
			return nil, err
		}
	} else {
		var err error
		if c, _, err = r.target(ctx, u, args); err != nil {
			return nil, err
		}
	}

	return r.closeCase(ctx, u, c)
}

func (r *Router) closeCase(ctx context.Context, u *models.User, c *models.Case) ([]Outbound, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{CaseID: logger.Ptr(c.ID)})
	closed, previous, err := r.cases.CloseCase(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	if err := r.resolver.Forget(ctx, u.ID, closed.ID); err != nil {
		slog.WarnContext(ctx, "drop closer selection", "error", err)
	}

	outs := []Outbound{
		reply(u, fmt.Sprintf("✅ Case %s closed.", closed.ShortID())),
		{RecipientID: closed.RequesterID, Kind: KindNotify, Text: msgCaseClosedRequester},
	}
	if previous != 0 && previous != u.ID {
		outs = append(outs, Outbound{
			RecipientID: previous,
			Kind:        KindNotify,
			Text:        fmt.Sprintf(msgCaseClosedByOther, "Case "+closed.ShortID()),
		})
	}
	return outs, nil
}

func (r *Router) cmdAssign(ctx context.Context, u *models.User, args []string) ([]Outbound, error) {
	if err := requireSupervisor(u); err != nil {
		return nil, err
	}
	if len(args) < 2 {
		return []Outbound{reply(u, "Usage: /assign <case> <counselor>\nCase: number from /pending, or id prefix. Counselor: @username or user id.")}, nil
	}
	open, err := r.openCases(ctx)
	if err != nil {
		return nil, err
	}
	c, err := resolver.Resolve(open, args[0])
	if err != nil {
		return nil, err
	}
	responder, err := r.lookupResponder(ctx, args[1])
	if err != nil {
		return nil, err
	}
	return r.assign(ctx, u, c, responder)
}

func (r *Router) lookupResponder(ctx context.Context, ref string) (*models.User, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return r.responderByID(ctx, id)
	}
	u, err := r.users.FindUserByUsername(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !u.Role.CanRespond() {
		return nil, fmt.Errorf("user %d is a %s: %w", u.ID, u.Role, models.ErrNotFound)
	}
	return u, nil
}

func (r *Router) responderByID(ctx context.Context, id int64) (*models.User, error) {
	u, err := r.users.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if !u.Role.CanRespond() {
		return nil, fmt.Errorf("user %d is a %s: %w", u.ID, u.Role, models.ErrNotFound)
	}
	return u, nil
}

func (r *Router) assign(ctx context.Context, sup *models.User, c *models.Case, responder *models.User) ([]Outbound, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{CaseID: logger.Ptr(c.ID)})
	updated, err := r.cases.AssignCase(ctx, c.ID, responder.ID, sup.ID)
	if err != nil {
		return nil, err
	}

	cands, err := r.resolver.Candidates(ctx, responder.ID)
	if err != nil {
		slog.WarnContext(ctx, "load responder cases for label", "error", err)
	}
	name := label.Label(cands, updated)
	return []Outbound{
		reply(sup, fmt.Sprintf("✅ Case %s assigned to %s.", updated.ShortID(), responder.Name())),
		{
			RecipientID: responder.ID,
			Kind:        KindNotify,
			Text:        fmt.Sprintf(msgAssignedResponder, name, logger.Truncate(updated.Problem, 200)),
			Buttons:     [][]Button{{{Text: "Open " + name, Data: Action{Kind: ActionSelect, CaseID: updated.ID}.Encode()}}},
		},
		{RecipientID: updated.RequesterID, Kind: KindNotify, Text: msgAssignedRequester},
	}, nil
}

func (r *Router) responderPicker(ctx context.Context, u *models.User, caseID string) ([]Outbound, error) {
	c, err := r.cases.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c.Status == models.StatusClosed {
		return nil, fmt.Errorf("case %s: %w", c.ShortID(), models.ErrCaseClosed)
	}
	responders, err := r.users.ListUsersByRole(ctx, models.RoleResponder)
	if err != nil {
		return nil, err
	}
	if len(responders) == 0 {
		return []Outbound{reply(u, msgNoResponders)}, nil
	}
	if len(responders) > maxPickerRows {
		responders = responders[:maxPickerRows]
	}
	rows := make([][]Button, 0, len(responders))
	for _, resp := range responders {
		rows = append(rows, []Button{{
			Text: resp.Name(),
			Data: Action{Kind: ActionPick, CaseID: c.ID, UserID: resp.ID}.Encode(),
		}})
	}
	out := reply(u, fmt.Sprintf("Choose a counselor for case %s:", c.ShortID()))
	out.Buttons = rows
	return []Outbound{out}, nil
}

func (r *Router) cmdPending(ctx context.Context, u *models.User) ([]Outbound, error) {
	if err := requireSupervisor(u); err != nil {
		return nil, err
	}
	open, err := r.openCases(ctx)
	if err != nil {
		return nil, err
	}

	var (
		b    strings.Builder
		rows [][]Button
	)
	for i, c := range open {
		if c.Status != models.StatusPending {
			continue
		}
		if len(rows) == maxListed {
			b.WriteString("…\n")
			break
		}
		fmt.Fprintf(&b, "%d. %s: %s\n", i+1, c.ShortID(), logger.Truncate(c.Problem, problemPreview))
		rows = append(rows, []Button{{
			Text: "Assign " + c.ShortID(),
			Data: Action{Kind: ActionAssign, CaseID: c.ID}.Encode(),
		}})
	}
	if len(rows) == 0 {
		return []Outbound{reply(u, msgNoPendingCases)}, nil
	}
	out := reply(u, "🕓 Pending cases:\n"+b.String()+"\nTap Assign, or /assign <number> <counselor>.")
	out.Buttons = rows
	return []Outbound{out}, nil
}

func (r *Router) caseSummary(ctx context.Context, u *models.User) ([]Outbound, error) {
	all, err := r.cases.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[models.CaseStatus]int)
	for _, c := range all {
		counts[c.Status]++
	}
	text := fmt.Sprintf("📊 Cases: %d total\npending %d | assigned %d | active %d | closed %d\n\nUse /pending or /all for details.",
		len(all),
		counts[models.StatusPending],
		counts[models.StatusAssigned],
		counts[models.StatusActive],
		counts[models.StatusClosed],
	)
	return []Outbound{reply(u, text)}, nil
}

func (r *Router) cmdAll(ctx context.Context, u *models.User) ([]Outbound, error) {
	if err := requireSupervisor(u); err != nil {
		return nil, err
	}
	outs, err := r.caseSummary(ctx, u)
	if err != nil {
		return nil, err
	}
	open, err := r.openCases(ctx)
	if err != nil {
		return nil, err
	}
	if len(open) == 0 {
		return outs, nil
	}

	names := make(map[int64]string)
	var b strings.Builder
	b.WriteString("Open cases:\n")
	for i, c := range open {
		if i == maxAllListed {
			b.WriteString("…\n")
			break
		}
		who := "unassigned"
		if c.ResponderID != 0 {
			who = r.displayName(ctx, names, c.ResponderID)
		}
		fmt.Fprintf(&b, "%d. %s [%s] %s: %s\n", i+1, c.ShortID(), c.Status, who, logger.Truncate(c.Problem, 40))
	}
	return append(outs, reply(u, b.String())), nil
}

func (r *Router) displayName(ctx context.Context, cache map[int64]string, id int64) string {
	if name, ok := cache[id]; ok {
		return name
	}
	name := fmt.Sprintf("user %d", id)
	if u, err := r.users.GetUser(ctx, id); err == nil {
		name = u.Name()
	}
	cache[id] = name
	return name
}

func roleRank(role models.Role) int {
	switch role {
	case models.RoleSupervisor:
		return 2
	case models.RoleResponder:
		return 1
	default:
		return 0
	}
}

func registerName(role models.Role) string {
	if role == models.RoleSupervisor {
		return "supervisor"
	}
	return "counselor"
}

func (r *Router) cmdRegister(ctx context.Context, u *models.User, args []string, role models.Role, passcode string) ([]Outbound, error) {
	if passcode == "" {
		return []Outbound{reply(u, msgRegistrationOff)}, nil
	}
	if len(args) != 1 {
		return []Outbound{reply(u, "Usage: /register_"+registerName(role)+" <passcode>")}, nil
	}
	if subtle.ConstantTimeCompare([]byte(args[0]), []byte(passcode)) != 1 {
		slog.WarnContext(ctx, "invalid registration passcode", "role", role)
		return []Outbound{reply(u, msgInvalidPasscode)}, nil
	}
	if roleRank(u.Role) >= roleRank(role) {
		return []Outbound{reply(u, fmt.Sprintf("You are already registered as %s.", u.Role))}, nil
	}
	if err := r.users.UpdateUserRole(ctx, u.ID, role); err != nil {
		return nil, err
	}
	if err := r.prompts.Clear(ctx, u.ID); err != nil {
		slog.WarnContext(ctx, "clear prompt", "error", err)
	}
	slog.InfoContext(ctx, "user promoted", "from", u.Role, "to", role)
	u.Role = role

	out := reply(u, fmt.Sprintf("✅ You are now registered as %s.\n\n%s", role, helpFor(role)))
	out.Keyboard = menuFor(role)
	return []Outbound{out}, nil
}

func (r *Router) cmdDashboard(ctx context.Context, u *models.User) ([]Outbound, error) {
	if err := requireSupervisor(u); err != nil {
		return nil, err
	}
	if r.opts.Tokens == nil {
		return []Outbound{reply(u, msgDashboardDisabled)}, nil
	}
	token, err := r.opts.Tokens.IssueToken(ctx, u.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: issue dashboard token: %w", models.ErrStore, err)
	}
	text := "🔑 Dashboard token:\n" + token + "\n\nSend it as \"Authorization: Bearer <token>\""
	if r.opts.DashboardURL != "" {
		text += " to " + strings.TrimRight(r.opts.DashboardURL, "/") + "/api/admin"
	}
	return []Outbound{reply(u, text+".")}, nil
}
