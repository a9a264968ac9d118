package domain

import "fmt"

// ActionType is the closed set of actions an agent can run. Keeping this a
// closed enumeration (instead of free-form strings) lets the executor switch
// exhaustively and reject unknown kinds at the boundary.
type ActionType string

const (
	ActionContentPost  ActionType = "content_post"
	ActionLeadFollowUp ActionType = "lead_follow_up"
	ActionInboxSweep   ActionType = "inbox_sweep"
	ActionDailyDigest  ActionType = "daily_digest"
	ActionDataEnrich   ActionType = "data_enrich"
)

// ActionTypes lists every valid action kind.
func ActionTypes() []ActionType {
	return []ActionType{
		ActionContentPost,
		ActionLeadFollowUp,
		ActionInboxSweep,
		ActionDailyDigest,
		ActionDataEnrich,
	}
}

func (a ActionType) Valid() bool {
	switch a {
	case ActionContentPost, ActionLeadFollowUp, ActionInboxSweep, ActionDailyDigest, ActionDataEnrich:
		return true
	}
	return false
}

// RequiresApproval reports whether the action is gated behind a human
// sign-off. Outward-facing actions (posting content, contacting leads) are
// gated; internal housekeeping is not.
func (a ActionType) RequiresApproval() bool {
	switch a {
	case ActionContentPost, ActionLeadFollowUp:
		return true
	case ActionInboxSweep, ActionDailyDigest, ActionDataEnrich:
		return false
	}
	return false
}

// ParseActionType validates a wire string into an ActionType.
func ParseActionType(s string) (ActionType, error) {
	a := ActionType(s)
	if !a.Valid() {
		return "", fmt.Errorf("%w: unknown action type %q", ErrValidation, s)
	}
	return a, nil
}
