package pipeline

import (
	"fmt"
	"strings"

	actions "github.com/swiftreplies/wabroker/actions/domain"
)

// BusyReply is sent when a conversation's turn is rejected at queue
// capacity (when busy replies are enabled).
const BusyReply = "We're handling a lot of messages right now. Please try again in a moment."

// actionResponses maps request_type × terminal status to the customer-facing
// reply sent when an operator resolves an action. The operator's free-text
// response, when present, is appended.
var actionResponses = map[string]map[actions.Status]string{
	"refund_request": {
		actions.StatusApproved: "Good news! Your refund request has been approved and will be processed shortly.",
		actions.StatusDenied:   "We've reviewed your refund request and unfortunately it cannot be approved at this time.",
	},
	"policy_clarification": {
		actions.StatusApproved: "We've confirmed the policy details for you.",
		actions.StatusDenied:   "After review, the policy does not cover this case.",
	},
	"custom_quote": {
		actions.StatusApproved: "Your custom quote has been prepared and approved.",
		actions.StatusDenied:   "We're unable to offer a custom quote for this request.",
	},
	"manual_followup": {
		actions.StatusApproved: "A member of our team will follow up with you personally.",
		actions.StatusDenied:   "We've reviewed your request and no further follow-up is needed.",
	},
	"approval_request": {
		actions.StatusApproved: "Your request has been approved.",
		actions.StatusDenied:   "Your request could not be approved at this time.",
	},
	"help_needed": {
		actions.StatusApproved: "Our team has picked up your request and is on it.",
		actions.StatusDenied:   "Our team reviewed your request and could not proceed with it.",
	},
}

var genericActionResponses = map[actions.Status]string{
	actions.StatusApproved: "Your request has been reviewed and approved.",
	actions.StatusDenied:   "Your request has been reviewed and could not be approved.",
}

// ActionResponseText composes the outgoing text for a resolved action.
func ActionResponseText(requestType string, status actions.Status, operatorResponse string) string {
	base := ""
	if byType, ok := actionResponses[strings.ToLower(requestType)]; ok {
		base = byType[status]
	}
	if base == "" {
		base = genericActionResponses[status]
	}
	if base == "" {
		base = fmt.Sprintf("Your request has been %s.", status)
	}
	if operatorResponse != "" {
		return base + "\n\n" + operatorResponse
	}
	return base
}
