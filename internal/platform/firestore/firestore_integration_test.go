//go:build integration

package firestore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/hanko-field/settlement/internal/platform/firestore"
	"github.com/hanko-field/settlement/internal/platform/firestore/firestoretest"
)

type counter struct {
	Name  string `firestore:"name"`
	Count int    `firestore:"count"`
}

func TestProviderAndRepositoryIntegration(t *testing.T) {
	provider := firestoretest.NewProvider(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := provider.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	repo := pfirestore.NewBaseRepository[counter](provider, "counters", nil, nil)
	if err := repo.Set(ctx, "c1", counter{Name: "alpha", Count: 1}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := repo.Update(ctx, "c1", []firestore.Update{{Path: "count", Value: 2}}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	doc, err := repo.Get(ctx, "c1")
	if err != nil || doc.Data.Count != 2 || doc.UpdateTime.IsZero() {
		t.Fatalf("get: %v %#v", err, doc)
	}

	if _, err := repo.Get(ctx, "missing"); err == nil {
		t.Fatalf("expected not found error")
	} else {
		var repoErr *pfirestore.Error
		if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
			t.Fatalf("expected not found classification, got %v", err)
		}
	}

	err = provider.RunTransaction(ctx, "test.tx", func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := repo.DocumentRef(ctx, "c1")
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		entity, err := repo.Decode(ctx, snap)
		if err != nil {
			return err
		}
		entity.Count++
		return tx.Set(ref, entity)
	})
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}
	if doc, _ := repo.Get(ctx, "c1"); doc.Data.Count != 3 {
		t.Fatalf("expected count=3 after txn, got %d", doc.Data.Count)
	}

	aborted := errors.New("abort")
	err = provider.RunTransaction(ctx, "test.tx", func(ctx context.Context, tx *firestore.Transaction) error {
		ref, _ := repo.DocumentRef(ctx, "c1")
		if err := tx.Set(ref, counter{Name: "alpha", Count: 100}); err != nil {
			return err
		}
		return aborted
	})
	if !errors.Is(err, aborted) {
		t.Fatalf("expected abort sentinel, got %v", err)
	}
	if doc, _ := repo.Get(ctx, "c1"); doc.Data.Count != 3 {
		t.Fatalf("aborted transaction must not write, got %d", doc.Data.Count)
	}

	cancelled, cancelTxn := context.WithCancel(context.Background())
	cancelTxn()
	if err := provider.RunTransaction(cancelled, "test.tx", func(context.Context, *firestore.Transaction) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled error, got %v", err)
	}
}
