package router

import (
	"fmt"
	"strconv"
	"strings"

	"counselbot/internal/models"
)

// Event is one inbound chat update, already stripped of transport details.
type Event struct {
	SenderID    int64
	Username    string
	DisplayName string
	// RoleHint is what the transport believes the sender is. It is only
	// logged; the stored role decides what the sender may do.
	RoleHint models.Role
	Text     string
	Action   *Action
}

type ActionKind string

const (
	ActionAssign ActionKind = "assign" // open the responder picker for a case
	ActionPick   ActionKind = "pick"   // assign a case to the chosen responder
	ActionSelect ActionKind = "select" // focus a case
)

// Action is the payload behind an inline button.
type Action struct {
	Kind   ActionKind
	CaseID string
	UserID int64
}

// Encode renders the action as button callback data (at most 64 bytes for
// 32 character case ids).
func (a Action) Encode() string {
	if a.Kind == ActionPick {
		return fmt.Sprintf("%s:%s:%d", a.Kind, a.CaseID, a.UserID)
	}
	return string(a.Kind) + ":" + a.CaseID
}

func ParseAction(data string) (Action, error) {
	parts := strings.Split(data, ":")
	switch kind := ActionKind(parts[0]); kind {
	case ActionAssign, ActionSelect:
		if len(parts) == 2 && parts[1] != "" {
			return Action{Kind: kind, CaseID: parts[1]}, nil
		}
	case ActionPick:
		if len(parts) == 3 && parts[1] != "" {
			userID, err := strconv.ParseInt(parts[2], 10, 64)
			if err == nil && userID != 0 {
				return Action{Kind: kind, CaseID: parts[1], UserID: userID}, nil
			}
		}
	}
	return Action{}, fmt.Errorf("malformed action %q", data)
}

type Kind int

const (
	KindReply   Kind = iota // answer to the sender
	KindForward             // relayed conversation text
	KindNotify              // side notification to a third party
)

func (k Kind) String() string {
	switch k {
	case KindReply:
		return "reply"
	case KindForward:
		return "forward"
	case KindNotify:
		return "notify"
	default:
		return "unknown"
	}
}

type Button struct {
	Text string
	Data string
}

// Outbound is a message the transport should send.
type Outbound struct {
	RecipientID int64
	Text        string
	Kind        Kind
	Buttons     [][]Button // inline buttons under the message
	Keyboard    [][]string // persistent reply keyboard
	// OnFailure is sent, best effort, when this message cannot be delivered.
	OnFailure *Outbound
}
