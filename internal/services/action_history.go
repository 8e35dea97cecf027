package services

import (
	"time"

	domain "github.com/hanko-field/settlement/internal/domain"
	"github.com/hanko-field/settlement/internal/platform/textutil"
)

const actionReasonLimit = 500

// AppendAction returns a copy of order whose history has entry appended. The
// existing entries are never reordered or edited, and the caller's slice is
// not shared with the result.
func AppendAction(order domain.Order, entry domain.ActionEntry) domain.Order {
	history := make([]domain.ActionEntry, len(order.ActionHistory), len(order.ActionHistory)+1)
	copy(history, order.ActionHistory)
	order.ActionHistory = append(history, entry)
	return order
}

// LatestAction returns the most recent entry, if any.
func LatestAction(order domain.Order) (domain.ActionEntry, bool) {
	if len(order.ActionHistory) == 0 {
		return domain.ActionEntry{}, false
	}
	return order.ActionHistory[len(order.ActionHistory)-1], true
}

// ActionsByType returns entries with the given action name in history order.
func ActionsByType(order domain.Order, action string) []domain.ActionEntry {
	var matches []domain.ActionEntry
	for _, entry := range order.ActionHistory {
		if entry.Action == action {
			matches = append(matches, entry)
		}
	}
	return matches
}

// actionRecorder stamps new ledger entries with an id, time and actor.
type actionRecorder struct {
	newID func() string
}

func (r actionRecorder) entry(action string, actor domain.Actor, previous, next domain.OrderStatus, reason string, details map[string]any, at time.Time) domain.ActionEntry {
	return domain.ActionEntry{
		ID:             r.newID(),
		Action:         action,
		Timestamp:      at,
		PerformedBy:    textutil.SanitizeText(actor.Label(), 254),
		PreviousStatus: previous,
		NewStatus:      next,
		Reason:         textutil.SanitizeText(reason, actionReasonLimit),
		Details:        textutil.SanitizeDetails(details),
	}
}
