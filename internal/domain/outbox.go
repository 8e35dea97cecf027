package domain

import "time"

// IntentKind names the side effect an outbox intent requests.
type IntentKind string

const (
	IntentCreateShipment        IntentKind = "create_shipment"
	IntentSendConfirmationEmail IntentKind = "send_confirmation_email"
	IntentSendCancellationEmail IntentKind = "send_cancellation_email"
	IntentSendRefundEmail       IntentKind = "send_refund_email"
	IntentIssueRefund           IntentKind = "issue_refund"
)

// IntentStatus tracks delivery progress for an outbox intent.
type IntentStatus string

const (
	// IntentStatusPending intents are waiting for their next attempt.
	IntentStatusPending IntentStatus = "pending"
	// IntentStatusDone intents completed successfully.
	IntentStatusDone IntentStatus = "done"
	// IntentStatusDead intents exhausted their attempts.
	IntentStatusDead IntentStatus = "dead"
	// IntentStatusSkipped intents had no collaborator configured.
	IntentStatusSkipped IntentStatus = "skipped"
)

// OutboxIntent is a side effect recorded in the same transaction as the state
// change that caused it. Drained by the outbox relay.
type OutboxIntent struct {
	ID            string
	OrderID       string
	Kind          IntentKind
	Status        IntentStatus
	Reason        string
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ClaimableAs reports whether the stored intent is still the pending intent a
// dispatcher observed. Timestamps compare at microsecond precision, the
// resolution Firestore keeps.
func (i OutboxIntent) ClaimableAs(observed OutboxIntent) bool {
	return i.Status == IntentStatusPending &&
		i.Attempts == observed.Attempts &&
		i.NextAttemptAt.Truncate(time.Microsecond).Equal(observed.NextAttemptAt.Truncate(time.Microsecond))
}
