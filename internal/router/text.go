package router

import (
	"errors"

	"counselbot/internal/models"
	"counselbot/internal/service/lifecycle"
)

const (
	msgGenericError        = "⚠️ Something went wrong. Please try again in a moment."
	msgForbidden           = "❌ You don't have permission to do that."
	msgDuplicateCase       = "You already have an open case. Just send your messages here and they will reach your counselor."
	msgNoSelection         = "You have no current case selected. Use /switch to pick one."
	msgIndexOutOfRange     = "That number is not in your case list. Use /switch to see your cases."
	msgNotFound            = "Case or user not found. Check the reference and try again."
	msgCaseClosed          = "That case is already closed."
	msgDescribeProblem     = "Please describe your problem in one message. A counselor will be with you soon."
	msgUnknownCommand      = "Unknown command. Use /help to see what you can do."
	msgNoOpenCase          = "You have no open case. Tap \"🆕 New problem\" or send /problem <description> to reach a counselor."
	msgWaitingForCounselor = "Your case is waiting for a counselor. You will be notified as soon as one is assigned."
	msgDeliveryDelayed     = "Your message was saved but could not be delivered right now. Your counselor will see it in the case history."
	msgDeliveryFailed      = "⚠️ Your message was saved but could not be delivered to the requester."
	msgCaseCreated         = "✅ Your case %s has been created. A counselor will be assigned shortly, and everything you send here will be passed on anonymously."
	msgNewCaseAlert        = "🆕 New case %s\n\n%s\n\nTap Assign to choose a counselor."
	msgAssignedResponder   = "📋 New case assigned: %s\n\nProblem: %s\n\nTap below or use /switch to start replying."
	msgAssignedRequester   = "👥 A counselor has been assigned to your case. You can start chatting now."
	msgCaseClosedRequester = "🔒 Your case has been closed. Thank you for reaching out. Send /problem any time if you need help again."
	msgCaseClosedByOther   = "🔒 %s was closed by a supervisor."
	msgEnded               = "Ended chat session. Use /switch to choose a case."
	msgNoAssignedCases     = "You have no assigned cases yet."
	msgNoPendingCases      = "No pending cases. 🎉"
	msgNoResponders        = "No counselors are registered yet."
	msgDashboardDisabled   = "The dashboard is not enabled."
	msgRegistrationOff     = "Registration with a passcode is not enabled."
	msgInvalidPasscode     = "❌ Invalid passcode."
)

const (
	buttonNewProblem = "🆕 New problem"
	buttonMyCases    = "📋 My cases"
	buttonSwitch     = "🔀 Switch case"
	buttonEndChat    = "🔚 End chat"
	buttonHelp       = "❓ Help"
	buttonSetName    = "📝 Set name"
	buttonDone       = "✅ Done"
	buttonPending    = "🕓 Pending"
	buttonAllCases   = "📊 All cases"
)

// buttonCommands maps reply-keyboard labels onto slash commands.
var buttonCommands = map[string]string{
	buttonNewProblem: "problem",
	buttonMyCases:    "cases",
	buttonSwitch:     "switch",
	buttonEndChat:    "end",
	buttonHelp:       "help",
	buttonSetName:    "setname",
	buttonDone:       "done",
	buttonPending:    "pending",
	buttonAllCases:   "all",
}

func menuFor(role models.Role) [][]string {
	switch role {
	case models.RoleSupervisor:
		return [][]string{
			{buttonPending, buttonAllCases},
			{buttonSwitch, buttonMyCases},
			{buttonSetName, buttonDone},
			{buttonEndChat, buttonHelp},
		}
	case models.RoleResponder:
		return [][]string{
			{buttonSwitch, buttonMyCases},
			{buttonSetName, buttonDone},
			{buttonEndChat, buttonHelp},
		}
	default:
		return [][]string{
			{buttonNewProblem, buttonMyCases},
			{buttonHelp},
		}
	}
}

func helpFor(role models.Role) string {
	switch role {
	case models.RoleSupervisor:
		return `Supervisor commands:
/pending - pending cases with Assign buttons
/all - every case with its status
/assign <case> <counselor> - assign by number, id prefix, @username or user id
/close <case> - close any open case
/dashboard - get a token for the admin API

You can also handle cases yourself:
/switch [case], /setname [case] <name>, /clearname [case], /done [case], /end`
	case models.RoleResponder:
		return `Counselor commands:
/cases - your assigned cases
/switch [case] - choose which case your messages go to (number, id prefix or tap)
/setname [case] <name> - give a case a nickname (/rename works too)
/clearname [case] - remove the nickname
/done [case] - mark a case as done
/close [case] - close a case
/end - stop sending to the current case

Any other text goes to the requester of your current case.`
	default:
		return `Welcome! This bot connects you anonymously with a counselor.

/problem <description> - open a case (or tap 🆕 New problem)
/cases - see your cases

Once a counselor is assigned, everything you send here is passed on to them.`
	}
}

// describe turns an error into the text shown to the user.
func describe(err error) string {
	switch {
	case errors.Is(err, models.ErrStore), errors.Is(err, models.ErrTransport):
		return msgGenericError
	case errors.Is(err, models.ErrForbidden):
		return msgForbidden
	case errors.Is(err, models.ErrDuplicateOpenCase):
		return msgDuplicateCase
	case errors.Is(err, models.ErrNoSelection):
		return msgNoSelection
	case errors.Is(err, models.ErrIndexOutOfRange):
		return msgIndexOutOfRange
	case errors.Is(err, models.ErrCaseClosed):
		return msgCaseClosed
	case errors.Is(err, models.ErrNotFound):
		return msgNotFound
	case errors.Is(err, lifecycle.ErrEmptyProblem):
		return msgDescribeProblem
	default:
		return msgGenericError
	}
}

// expected reports errors caused by user input rather than the system.
func expected(err error) bool {
	return describe(err) != msgGenericError
}
