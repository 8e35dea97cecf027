package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
)

// Settlement transactions touch one order, its products, at most one coupon
// and a handful of outbox intents. Contention on a hot product is retried
// txMaxAttempts times and then surfaces as a conflict.
const (
	txMaxAttempts = 5
	txTimeout     = 15 * time.Second
)

// TxFunc is executed within a Firestore transaction. It may run more than
// once when Firestore retries on contention.
type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

// RunTransaction runs fn in a transaction on client. The transaction is
// bounded by txTimeout unless ctx expires sooner. Errors are classified under
// op.
func RunTransaction(ctx context.Context, client *firestore.Client, op string, fn TxFunc) error {
	switch {
	case client == nil:
		return WrapError(op, errors.New("firestore: client is nil"))
	case fn == nil:
		return WrapError(op, errors.New("firestore: transaction function is nil"))
	}
	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > txTimeout {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, txTimeout)
		defer cancel()
	}
	return WrapError(op, client.RunTransaction(ctx, fn, firestore.MaxAttempts(txMaxAttempts)))
}
