package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"counselbot/internal/models"
	"counselbot/internal/service/lifecycle"
	"counselbot/internal/service/resolver"
	"counselbot/internal/session"
	"counselbot/internal/storage"
	"counselbot/internal/storage/storagetest"
)

const (
	requesterA = int64(1)
	requesterB = int64(2)
	responder  = int64(10)
	supervisor = int64(100)
)

type fakeTokens struct{}

func (fakeTokens) IssueToken(context.Context, int64) (string, error) { return "tok-123", nil }

type harness struct {
	router    *Router
	store     *storage.Store
	cases     *lifecycle.Manager
	selection *session.MemoryRegistry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := storagetest.Open(t)
	storagetest.CreateUser(t, store, responder, models.RoleResponder)
	storagetest.CreateUser(t, store, supervisor, models.RoleSupervisor)

	cases := lifecycle.NewManager(store)
	sel := session.NewMemory()
	r := New(store, cases, resolver.New(store, sel), session.NewMemory(), Options{
		ResponderPasscode:  "c-pass",
		SupervisorPasscode: "s-pass",
		Tokens:             fakeTokens{},
	})
	return &harness{router: r, store: store, cases: cases, selection: sel}
}

func (h *harness) send(sender int64, text string) []Outbound {
	return h.router.Handle(context.Background(), Event{SenderID: sender, Text: text})
}

func (h *harness) act(sender int64, a Action) []Outbound {
	return h.router.Handle(context.Background(), Event{SenderID: sender, Action: &a})
}

func (h *harness) openCase(t *testing.T, requester int64, problem string) *models.Case {
	t.Helper()
	h.send(requester, "/problem "+problem)
	c, err := h.cases.OpenCase(context.Background(), requester)
	if err != nil || c == nil {
		t.Fatalf("open case for %d: %v %v", requester, c, err)
	}
	return c
}

func to(outs []Outbound, recipient int64) []Outbound {
	var got []Outbound
	for _, o := range outs {
		if o.RecipientID == recipient {
			got = append(got, o)
		}
	}
	return got
}

func expectText(t *testing.T, outs []Outbound, recipient int64, want string) Outbound {
	t.Helper()
	for _, o := range to(outs, recipient) {
		if strings.Contains(o.Text, want) {
			return o
		}
	}
	t.Fatalf("no message to %d containing %q in %+v", recipient, want, outs)
	return Outbound{}
}

func TestProblemCreatesCaseAndAlertsSupervisors(t *testing.T) {
	h := newHarness(t)
	storagetest.CreateUser(t, h.store, 101, models.RoleSupervisor)

	outs := h.send(requesterA, "/problem I can't sleep")
	c, err := h.cases.OpenCase(context.Background(), requesterA)
	if err != nil || c == nil {
		t.Fatalf("case not created: %v", err)
	}
	if c.Status != models.StatusPending || c.Problem != "I can't sleep" {
		t.Fatalf("unexpected case %+v", c)
	}

	expectText(t, outs, requesterA, c.ShortID())
	for _, sup := range []int64{supervisor, 101} {
		alert := expectText(t, outs, sup, "I can't sleep")
		if alert.Kind != KindNotify || len(alert.Buttons) != 1 {
			t.Fatalf("alert to %d malformed: %+v", sup, alert)
		}
		if got := alert.Buttons[0][0].Data; got != "assign:"+c.ID {
			t.Fatalf("assign button data = %q", got)
		}
	}
	if len(to(outs, responder)) != 0 {
		t.Fatalf("responders should not be alerted")
	}

	u, err := h.store.GetUser(context.Background(), requesterA)
	if err != nil || u.Role != models.RoleRequester {
		t.Fatalf("sender should be registered as requester: %+v %v", u, err)
	}
}

func TestDuplicateOpenCaseRejected(t *testing.T) {
	h := newHarness(t)
	first := h.openCase(t, requesterA, "first")

	outs := h.send(requesterA, "/problem second")
	expectText(t, outs, requesterA, msgDuplicateCase)
	if len(to(outs, supervisor)) != 0 {
		t.Fatalf("no alert expected for rejected case")
	}
	all, _ := h.cases.ListByRequester(context.Background(), requesterA)
	if len(all) != 1 || all[0].ID != first.ID {
		t.Fatalf("expected only the first case, got %d", len(all))
	}
}

func TestProblemPrompt(t *testing.T) {
	h := newHarness(t)

	expectText(t, h.send(requesterA, buttonNewProblem), requesterA, msgDescribeProblem)
	outs := h.send(requesterA, "work is overwhelming")
	c, _ := h.cases.OpenCase(context.Background(), requesterA)
	if c == nil || c.Problem != "work is overwhelming" {
		t.Fatalf("prompted problem not stored: %+v", c)
	}
	expectText(t, outs, supervisor, "work is overwhelming")

	// prompt consumed: the next text is ordinary conversation
	expectText(t, h.send(requesterA, "anyone there?"), requesterA, msgWaitingForCounselor)
	if got, _ := h.cases.GetCase(context.Background(), c.ID); len(got.Messages) != 0 {
		t.Fatalf("message to a pending case was recorded: %+v", got.Messages)
	}
}

// failingStore breaks the primary case writes on demand.
type failingStore struct {
	*storage.Store
	failCreate bool
	failAppend bool
}

var errDiskFull = fmt.Errorf("%w: write: %w", models.ErrStore, errors.New("disk full"))

func (s *failingStore) CreateCase(ctx context.Context, c *models.Case) (string, error) {
	if s.failCreate {
		return "", errDiskFull
	}
	return s.Store.CreateCase(ctx, c)
}

func (s *failingStore) AppendMessage(ctx context.Context, msg *models.Message, responderID int64) error {
	if s.failAppend {
		return errDiskFull
	}
	return s.Store.AppendMessage(ctx, msg, responderID)
}

func TestStoreFailureShowsGenericError(t *testing.T) {
	h := newHarness(t)
	fs := &failingStore{Store: h.store}
	h.cases = lifecycle.NewManager(fs)
	h.router.cases = h.cases
	ctx := context.Background()

	fs.failCreate = true
	outs := h.send(requesterA, "/problem cannot sleep")
	expectText(t, outs, requesterA, msgGenericError)
	if len(to(outs, supervisor)) != 0 {
		t.Fatalf("supervisors alerted for a case that was not stored")
	}
	if c, _ := h.cases.OpenCase(ctx, requesterA); c != nil {
		t.Fatalf("case stored despite failure: %+v", c)
	}

	fs.failCreate = false
	c := h.openCase(t, requesterA, "cannot sleep")
	h.send(supervisor, "/assign 1 10")
	h.send(responder, "/switch 1")

	fs.failAppend = true
	outs = h.send(requesterA, "are you there?")
	expectText(t, outs, requesterA, msgGenericError)
	if len(to(outs, responder)) != 0 {
		t.Fatalf("message forwarded although it was not recorded")
	}
	outs = h.send(responder, "yes, I am")
	expectText(t, outs, responder, msgGenericError)
	if len(to(outs, requesterA)) != 0 {
		t.Fatalf("reply forwarded although it was not recorded")
	}

	got, _ := h.cases.GetCase(ctx, c.ID)
	if len(got.Messages) != 0 || got.Status != models.StatusAssigned {
		t.Fatalf("failed writes changed the case: status=%s messages=%d", got.Status, len(got.Messages))
	}
	if sel, ok, _ := h.selection.Get(ctx, responder); !ok || sel != c.ID {
		t.Fatalf("store failure must not drop the selection")
	}
}

func TestReassignBeforeReplyIsNotDelivered(t *testing.T) {
	h := newHarness(t)
	storagetest.CreateUser(t, h.store, 11, models.RoleResponder)
	c := h.openCase(t, requesterA, "panic attacks")
	h.send(supervisor, "/assign 1 10")
	h.send(responder, "/switch 1")
	ctx := context.Background()

	// the responder's view is validated, then the case moves before the append
	view, _, err := h.router.resolver.Current(ctx, responder)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if _, err := h.cases.AssignCase(ctx, c.ID, 11, supervisor); err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if _, err := h.cases.RecordMessage(ctx, view, models.RoleResponder, responder, "late"); !errors.Is(err, models.ErrNoSelection) {
		t.Fatalf("expected ErrNoSelection, got %v", err)
	}

	outs := h.send(requesterA, "hello?")
	expectText(t, outs, 11, "hello?")
	if len(to(outs, responder)) != 0 {
		t.Fatalf("message went to the previous responder")
	}
	got, _ := h.cases.GetCase(ctx, c.ID)
	if len(got.Messages) != 1 || got.Messages[0].Text != "hello?" {
		t.Fatalf("unexpected messages %+v", got.Messages)
	}
}

func TestRequesterWithoutCase(t *testing.T) {
	h := newHarness(t)
	out := expectText(t, h.send(requesterA, "hello"), requesterA, msgNoOpenCase)
	if len(out.Keyboard) == 0 {
		t.Fatalf("menu keyboard expected")
	}
}

func TestAssignAndConverse(t *testing.T) {
	h := newHarness(t)
	c := h.openCase(t, requesterA, "exam stress")

	outs := h.send(supervisor, "/assign 1 @user10")
	expectText(t, outs, supervisor, "assigned to User 10")
	note := expectText(t, outs, responder, "Case #1")
	if note.Buttons[0][0].Data != "select:"+c.ID {
		t.Fatalf("select button = %q", note.Buttons[0][0].Data)
	}
	expectText(t, outs, requesterA, msgAssignedRequester)

	fwd := expectText(t, h.send(requesterA, "hello?"), responder, "hello?")
	if fwd.Kind != KindForward || !strings.Contains(fwd.Text, "#case1") || fwd.OnFailure == nil {
		t.Fatalf("forward malformed: %+v", fwd)
	}
	if got, _ := h.cases.GetCase(context.Background(), c.ID); got.Status != models.StatusActive {
		t.Fatalf("first message should activate case, status %s", got.Status)
	}

	expectText(t, h.send(responder, "hi"), responder, msgNoSelection)
	expectText(t, h.send(responder, "/switch 1"), responder, "Switched to Case #1")

	outs = h.send(responder, "hi there")
	fwd = expectText(t, outs, requesterA, "hi there")
	if strings.Contains(fwd.Text, "User 10") {
		t.Fatalf("responder identity leaked: %q", fwd.Text)
	}
	expectText(t, outs, responder, "✓ Case #1 #case1")

	got, _ := h.cases.GetCase(context.Background(), c.ID)
	if len(got.Messages) != 2 || got.Messages[1].SenderRole != models.RoleResponder {
		t.Fatalf("messages not recorded: %+v", got.Messages)
	}
}

func TestAssignThroughButtons(t *testing.T) {
	h := newHarness(t)
	c := h.openCase(t, requesterA, "lonely")

	picker := expectText(t, h.act(supervisor, Action{Kind: ActionAssign, CaseID: c.ID}), supervisor, "Choose a counselor")
	if len(picker.Buttons) != 1 {
		t.Fatalf("expected one responder button, got %+v", picker.Buttons)
	}
	pick, err := ParseAction(picker.Buttons[0][0].Data)
	if err != nil || pick.UserID != responder {
		t.Fatalf("pick action = %+v, %v", pick, err)
	}

	expectText(t, h.act(supervisor, pick), responder, "lonely")
	got, _ := h.cases.GetCase(context.Background(), c.ID)
	if got.Status != models.StatusAssigned || got.ResponderID != responder || got.SupervisorID != supervisor {
		t.Fatalf("case not assigned: %+v", got)
	}

	expectText(t, h.act(responder, Action{Kind: ActionSelect, CaseID: c.ID}), responder, "Switched to Case #1")
	if id, _, _ := h.selection.Get(context.Background(), responder); id != c.ID {
		t.Fatalf("selection = %q", id)
	}
}

// idPrefix returns a short prefix of id that cannot be read as an index.
func idPrefix(id string) string {
	n := 8
	for n < len(id) && strings.Trim(id[:n], "0123456789") == "" {
		n++
	}
	return id[:n]
}

func TestRoutingAmbiguity(t *testing.T) {
	h := newHarness(t)
	first := h.openCase(t, requesterA, "one")
	second := h.openCase(t, requesterB, "two")
	h.send(supervisor, "/assign "+first.ID+" 10")
	h.send(supervisor, "/assign "+second.ID+" 10")

	expectText(t, h.send(responder, "/switch 3"), responder, msgIndexOutOfRange)
	expectText(t, h.send(responder, "/switch zzzz"), responder, msgNotFound)
	expectText(t, h.send(responder, "/switch "+idPrefix(second.ID)), responder, "Switched to Case #2")

	outs := h.send(responder, "for two")
	expectText(t, outs, requesterB, "for two")
	if len(to(outs, requesterA)) != 0 {
		t.Fatalf("message leaked to the other requester")
	}

	list := expectText(t, h.send(responder, "/switch"), responder, "2. Case #2 (current)")
	if len(list.Buttons) != 2 {
		t.Fatalf("expected a button per case, got %d", len(list.Buttons))
	}
}

func TestCloseInvalidatesSelection(t *testing.T) {
	h := newHarness(t)
	c := h.openCase(t, requesterA, "grief")
	h.send(supervisor, "/assign 1 10")
	h.send(responder, "/switch 1")

	outs := h.send(supervisor, "/close 1")
	expectText(t, outs, supervisor, "closed")
	expectText(t, outs, requesterA, msgCaseClosedRequester)
	expectText(t, outs, responder, "closed by a supervisor")

	got, _ := h.cases.GetCase(context.Background(), c.ID)
	if got.Status != models.StatusClosed {
		t.Fatalf("status = %s", got.Status)
	}

	outs = h.send(responder, "are you still there?")
	expectText(t, outs, responder, msgNoSelection)
	if len(to(outs, requesterA)) != 0 {
		t.Fatalf("message delivered to a closed case")
	}
	if _, ok, _ := h.selection.Get(context.Background(), responder); ok {
		t.Fatalf("stale selection should have been cleared")
	}

	expectText(t, h.send(requesterA, "hello"), requesterA, msgNoOpenCase)
}

func TestResponderClosesOwnCase(t *testing.T) {
	h := newHarness(t)
	h.openCase(t, requesterA, "anxiety")
	h.send(supervisor, "/assign 1 10")
	h.send(responder, "/switch 1")

	outs := h.send(responder, "/close")
	expectText(t, outs, requesterA, msgCaseClosedRequester)
	if len(to(outs, responder)) != 1 {
		t.Fatalf("closer should only get the confirmation")
	}
	if _, ok, _ := h.selection.Get(context.Background(), responder); ok {
		t.Fatalf("closer selection should be dropped")
	}
}

func TestPermissions(t *testing.T) {
	h := newHarness(t)
	c := h.openCase(t, requesterA, "help")

	expectText(t, h.send(requesterA, "/pending"), requesterA, msgForbidden)
	expectText(t, h.send(requesterA, "/switch 1"), requesterA, msgForbidden)
	expectText(t, h.send(responder, "/assign 1 10"), responder, msgForbidden)
	expectText(t, h.act(responder, Action{Kind: ActionPick, CaseID: c.ID, UserID: responder}), responder, msgForbidden)
	expectText(t, h.send(responder, "/problem me too"), responder, msgForbidden)

	got, _ := h.cases.GetCase(context.Background(), c.ID)
	if got.Status != models.StatusPending {
		t.Fatalf("forbidden commands changed the case: %s", got.Status)
	}
}

func TestAssignToNonResponder(t *testing.T) {
	h := newHarness(t)
	h.openCase(t, requesterA, "help")
	storagetest.CreateUser(t, h.store, 50, models.RoleRequester)

	expectText(t, h.send(supervisor, "/assign 1 50"), supervisor, msgNotFound)
	expectText(t, h.send(supervisor, "/assign 1"), supervisor, "Usage")
}

func TestPendingAndAll(t *testing.T) {
	h := newHarness(t)
	h.openCase(t, requesterA, "one")
	h.openCase(t, requesterB, "two")
	h.send(supervisor, "/assign 1 10")

	pending := expectText(t, h.send(supervisor, "/pending"), supervisor, "2. ")
	if len(pending.Buttons) != 1 {
		t.Fatalf("only the pending case should get a button, got %d", len(pending.Buttons))
	}
	outs := h.send(supervisor, "/all")
	expectText(t, outs, supervisor, "pending 1 | assigned 1")
	expectText(t, outs, supervisor, "User 10")
}

func TestAliasAndDone(t *testing.T) {
	h := newHarness(t)
	c := h.openCase(t, requesterA, "family")
	h.send(supervisor, "/assign 1 10")

	expectText(t, h.send(responder, "/setname Anna"), responder, msgNoSelection)
	h.send(responder, "/switch 1")
	expectText(t, h.send(responder, "/setname Anna"), responder, "Case #1 [Anna]")

	expectText(t, h.send(responder, "/rename"), responder, "Send the name")
	expectText(t, h.send(responder, "Bea"), responder, "Case #1 [Bea]")

	expectText(t, h.send(responder, "/done"), responder, "Marked Case #1 [Bea] as done")
	got, _ := h.cases.GetCase(context.Background(), c.ID)
	if got.Alias != "Bea" || !got.Done || got.Status != models.StatusAssigned {
		t.Fatalf("unexpected case %+v", got)
	}

	expectText(t, h.send(responder, "/clearname 1"), responder, "Name cleared")
	got, _ = h.cases.GetCase(context.Background(), c.ID)
	if got.Alias != "" {
		t.Fatalf("alias not cleared: %q", got.Alias)
	}
}

func TestRegisterWithPasscode(t *testing.T) {
	h := newHarness(t)
	h.send(requesterA, "/start")

	expectText(t, h.send(requesterA, "/register_counselor nope"), requesterA, msgInvalidPasscode)
	out := expectText(t, h.send(requesterA, "/register_counselor c-pass"), requesterA, "registered as responder")
	if len(out.Keyboard) == 0 {
		t.Fatalf("new menu expected")
	}
	u, _ := h.store.GetUser(context.Background(), requesterA)
	if u.Role != models.RoleResponder {
		t.Fatalf("role = %s", u.Role)
	}

	expectText(t, h.send(supervisor, "/register_counselor c-pass"), supervisor, "already registered")
	u, _ = h.store.GetUser(context.Background(), supervisor)
	if u.Role != models.RoleSupervisor {
		t.Fatalf("supervisor demoted to %s", u.Role)
	}
}

func TestRegisterDisabled(t *testing.T) {
	h := newHarness(t)
	h.router.opts.SupervisorPasscode = ""
	expectText(t, h.send(requesterA, "/register_supervisor anything"), requesterA, msgRegistrationOff)
}

func TestDashboardToken(t *testing.T) {
	h := newHarness(t)
	expectText(t, h.send(supervisor, "/dashboard"), supervisor, "tok-123")
	expectText(t, h.send(responder, "/dashboard"), responder, msgForbidden)
}

func TestUnknownCommand(t *testing.T) {
	h := newHarness(t)
	expectText(t, h.send(requesterA, "/frobnicate"), requesterA, msgUnknownCommand)
}

func TestParseCommand(t *testing.T) {
	name, args, ok := parseCommand("/Switch@counsel_bot  2 ")
	if !ok || name != "switch" || len(args) != 1 || args[0] != "2" {
		t.Fatalf("parseCommand = %q %v %v", name, args, ok)
	}
	if _, _, ok := parseCommand("just text"); ok {
		t.Fatalf("plain text parsed as command")
	}
	if _, _, ok := parseCommand("/"); ok {
		t.Fatalf("bare slash parsed as command")
	}
}

func TestParseAction(t *testing.T) {
	for _, a := range []Action{
		{Kind: ActionAssign, CaseID: "abc"},
		{Kind: ActionSelect, CaseID: "abc"},
		{Kind: ActionPick, CaseID: "abc", UserID: 42},
	} {
		got, err := ParseAction(a.Encode())
		if err != nil || got != a {
			t.Fatalf("ParseAction(%q) = %+v, %v", a.Encode(), got, err)
		}
	}
	for _, bad := range []string{"", "assign", "assign:", "pick:abc", "pick:abc:x", "pick:abc:0", "drop:abc"} {
		if _, err := ParseAction(bad); err == nil {
			t.Fatalf("ParseAction(%q) should fail", bad)
		}
	}
}

type fakeSender struct {
	mu   sync.Mutex
	fail map[int64]bool
	sent []Outbound
}

func (f *fakeSender) Send(_ context.Context, out Outbound) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[out.RecipientID] {
		return errors.New("chat not found")
	}
	f.sent = append(f.sent, out)
	return nil
}

func TestDelivererSendsFailureNotice(t *testing.T) {
	sender := &fakeSender{fail: map[int64]bool{5: true}}
	d := NewDeliverer(sender, 0)

	notice := Outbound{RecipientID: 1, Text: msgDeliveryFailed}
	failed := d.Deliver(context.Background(), []Outbound{
		{RecipientID: 5, Text: "hi", Kind: KindForward, OnFailure: &notice},
		{RecipientID: 1, Text: "✓", Kind: KindReply},
	})
	if failed != 1 {
		t.Fatalf("failed = %d, want 1", failed)
	}
	if len(sender.sent) != 2 || sender.sent[0].Text != msgDeliveryFailed || sender.sent[1].Text != "✓" {
		t.Fatalf("unexpected sends: %+v", sender.sent)
	}
}

func TestPipelineDeliversRouterOutput(t *testing.T) {
	h := newHarness(t)
	sender := &fakeSender{}
	p := &Pipeline{Router: h.router, Deliverer: NewDeliverer(sender, 0)}

	p.Process(context.Background(), Event{SenderID: requesterA, Text: "/problem insomnia"})
	if len(sender.sent) != 2 {
		t.Fatalf("expected reply and supervisor alert, got %d", len(sender.sent))
	}
}

func TestAssignByIDSkipsActor(t *testing.T) {
	h := newHarness(t)
	c := h.openCase(t, requesterA, "admin flow")
	sup, _ := h.store.GetUser(context.Background(), supervisor)

	outs, err := h.router.AssignByID(context.Background(), sup, c.ID, responder)
	if err != nil {
		t.Fatalf("AssignByID: %v", err)
	}
	if len(to(outs, supervisor)) != 0 || len(outs) != 2 {
		t.Fatalf("expected notices for responder and requester only: %+v", outs)
	}

	resp, _ := h.store.GetUser(context.Background(), responder)
	if _, err := h.router.CloseByID(context.Background(), resp, c.ID); !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("responder should not close through the admin path: %v", err)
	}
	outs, err = h.router.CloseByID(context.Background(), sup, c.ID)
	if err != nil {
		t.Fatalf("CloseByID: %v", err)
	}
	expectText(t, outs, requesterA, msgCaseClosedRequester)
	expectText(t, outs, responder, "closed by a supervisor")
}

func TestAssignByIDToSelfKeepsNotice(t *testing.T) {
	h := newHarness(t)
	c := h.openCase(t, requesterA, "self assign")
	sup, _ := h.store.GetUser(context.Background(), supervisor)

	outs, err := h.router.AssignByID(context.Background(), sup, c.ID, supervisor)
	if err != nil {
		t.Fatalf("AssignByID: %v", err)
	}
	mine := to(outs, supervisor)
	if len(mine) != 1 || mine[0].Kind != KindNotify || len(mine[0].Buttons) != 1 {
		t.Fatalf("expected the assignment notice with an open button: %+v", mine)
	}
	if mine[0].Buttons[0][0].Data != "select:"+c.ID {
		t.Fatalf("open button = %q", mine[0].Buttons[0][0].Data)
	}
}
