package ledgerbase

import (
	"context"
	"testing"
	"time"
)

func newTestTransactionRepo(t *testing.T) *TransactionRepository {
	t.Helper()
	return NewTransactionRepository(newTestFilesystemStore(t))
}

func TestRepositoryCreate(t *testing.T) {
	ctx := context.Background()
	repo := newTestTransactionRepo(t)

	created, err := repo.Create(ctx, &Transaction{
		Amount:      50,
		Description: "Gas",
		Type:        TypeDebit,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID == "" || !IsValidID(created.ID) {
		t.Errorf("Create should assign a UUID, got %q", created.ID)
	}
	if created.CreatedAt.IsZero() || !created.UpdatedAt.Equal(created.CreatedAt) {
		t.Errorf("Create should stamp equal timestamps, got %+v", created)
	}

	t.Run("input identity is ignored", func(t *testing.T) {
		forged, err := repo.Create(ctx, &Transaction{
			ID:     "not-a-uuid",
			Amount: 1,
			Type:   TypeCredit,
		})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if forged.ID == "not-a-uuid" {
			t.Error("Create must replace caller-supplied ids")
		}
	})

	t.Run("invalid record is rejected before any write", func(t *testing.T) {
		_, err := repo.Create(ctx, &Transaction{Amount: -1, Type: TypeDebit})
		if !IsValidation(err) {
			t.Fatalf("expected validation error, got %v", err)
		}
		count, err := repo.Count(ctx)
		if err != nil {
			t.Fatalf("Count: %v", err)
		}
		if count != 2 {
			t.Errorf("count = %d, want 2 (invalid record not written)", count)
		}
	})
}

func TestRepositoryGetByID(t *testing.T) {
	ctx := context.Background()
	repo := newTestTransactionRepo(t)

	created, err := repo.Create(ctx, &Transaction{Amount: 5, Type: TypeDebit})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := repo.GetByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got == nil || got.ID != created.ID {
		t.Errorf("got %+v, want record %s", got, created.ID)
	}

	t.Run("missing id is nil, nil", func(t *testing.T) {
		got, err := repo.GetByID(ctx, NewID())
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if got != nil {
			t.Errorf("got %+v, want nil for missing record", got)
		}
	})
}

func TestRepositoryUpdate(t *testing.T) {
	ctx := context.Background()
	repo := newTestTransactionRepo(t)

	created, err := repo.Create(ctx, &Transaction{Amount: 10, Type: TypeDebit, Description: "before"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	updated, err := repo.Update(ctx, created.ID, func(rec *Transaction) {
		rec.Description = "after"
		rec.Amount = 12
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Description != "after" || updated.Amount != 12 {
		t.Errorf("mutation not applied: %+v", updated)
	}
	if updated.UpdatedAt.Before(created.UpdatedAt) {
		t.Error("Update should stamp UpdatedAt forward")
	}
	if updated.CreatedAt.IsZero() {
		t.Error("Update must preserve CreatedAt")
	}

	t.Run("missing record is ErrNotFound", func(t *testing.T) {
		_, err := repo.Update(ctx, NewID(), func(rec *Transaction) {})
		if !IsNotFound(err) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("mutation that breaks validation is rejected", func(t *testing.T) {
		_, err := repo.Update(ctx, created.ID, func(rec *Transaction) {
			rec.Amount = -1
		})
		if !IsValidation(err) {
			t.Fatalf("expected validation error, got %v", err)
		}
		got, err := repo.GetByID(ctx, created.ID)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if got.Amount != 12 {
			t.Errorf("amount = %v, want 12 (rejected update must not persist)", got.Amount)
		}
	})
}

func TestRepositoryDelete(t *testing.T) {
	ctx := context.Background()
	repo := newTestTransactionRepo(t)

	created, err := repo.Create(ctx, &Transaction{Amount: 1, Type: TypeCredit})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := repo.Delete(ctx, created.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	t.Run("delete is idempotent", func(t *testing.T) {
		if err := repo.Delete(ctx, created.ID); err != nil {
			t.Errorf("second delete should succeed silently, got %v", err)
		}
		if err := repo.Delete(ctx, NewID()); err != nil {
			t.Errorf("deleting a never-existing id should succeed, got %v", err)
		}
	})
}

func TestRepositoryBulkCreateAndClear(t *testing.T) {
	ctx := context.Background()
	repo := newTestTransactionRepo(t)

	recs := []*Transaction{
		{Amount: 1, Type: TypeDebit},
		{Amount: 2, Type: TypeCredit},
		{Amount: 3, Type: TypeDebit},
	}
	created, err := repo.BulkCreate(ctx, recs)
	if err != nil {
		t.Fatalf("BulkCreate: %v", err)
	}
	if len(created) != 3 {
		t.Fatalf("created %d, want 3", len(created))
	}

	t.Run("stops at first failure", func(t *testing.T) {
		partial, err := repo.BulkCreate(ctx, []*Transaction{
			{Amount: 4, Type: TypeDebit},
			{Amount: -1, Type: TypeDebit},
			{Amount: 5, Type: TypeDebit},
		})
		if !IsValidation(err) {
			t.Fatalf("expected validation error, got %v", err)
		}
		if len(partial) != 1 {
			t.Errorf("partial = %d records, want 1", len(partial))
		}
	})

	removed, err := repo.Clear(ctx)
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if removed != 4 {
		t.Errorf("cleared %d, want 4", removed)
	}
	count, err := repo.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d after clear, want 0", count)
	}
}

func TestRepositoryQueries(t *testing.T) {
	ctx := context.Background()
	repo := newTestTransactionRepo(t)

	mar := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	apr := time.Date(2025, 4, 10, 12, 0, 0, 0, time.UTC)
	may := time.Date(2025, 5, 10, 12, 0, 0, 0, time.UTC)

	fixtures := []*Transaction{
		{Amount: 40, Date: mar, Category: "food", Type: TypeDebit, Description: "Weekly groceries"},
		{Amount: 900, Date: apr, Category: "rent", Type: TypeDebit, Description: "April rent"},
		{Amount: 3000, Date: may, Category: "salary", Type: TypeCredit, Description: "May salary"},
	}
	if _, err := repo.BulkCreate(ctx, fixtures); err != nil {
		t.Fatalf("BulkCreate: %v", err)
	}

	t.Run("by date range", func(t *testing.T) {
		got, err := repo.GetByDateRange(ctx,
			time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2025, 5, 31, 0, 0, 0, 0, time.UTC))
		if err != nil {
			t.Fatalf("GetByDateRange: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("got %d, want 2", len(got))
		}
		if !got[0].Date.Equal(apr) || !got[1].Date.Equal(may) {
			t.Errorf("results not date-ordered: %v, %v", got[0].Date, got[1].Date)
		}
	})

	t.Run("by category", func(t *testing.T) {
		got, err := repo.GetByCategory(ctx, "rent")
		if err != nil {
			t.Fatalf("GetByCategory: %v", err)
		}
		if len(got) != 1 || got[0].Amount != 900 {
			t.Errorf("got %v, want the rent transaction", got)
		}
	})

	t.Run("by type", func(t *testing.T) {
		got, err := repo.GetByType(ctx, TypeCredit)
		if err != nil {
			t.Fatalf("GetByType: %v", err)
		}
		if len(got) != 1 || got[0].Category != "salary" {
			t.Errorf("got %v, want the salary transaction", got)
		}
	})

	t.Run("search by description", func(t *testing.T) {
		got, err := repo.SearchByDescription(ctx, "groceries")
		if err != nil {
			t.Fatalf("SearchByDescription: %v", err)
		}
		if len(got) != 1 || got[0].Category != "food" {
			t.Errorf("got %v, want the groceries transaction", got)
		}
	})

	t.Run("get all in id order", func(t *testing.T) {
		got, err := repo.GetAll(ctx)
		if err != nil {
			t.Fatalf("GetAll: %v", err)
		}
		if len(got) != 3 {
			t.Errorf("got %d, want 3", len(got))
		}
	})
}

func TestRepositoryKindIsolation(t *testing.T) {
	ctx := context.Background()
	store := newTestFilesystemStore(t)
	txns := NewTransactionRepository(store)
	cats := NewCategoryRepository(store)

	if _, err := txns.Create(ctx, &Transaction{Amount: 1, Type: TypeDebit}); err != nil {
		t.Fatalf("Create transaction: %v", err)
	}
	if _, err := cats.Create(ctx, &Category{Name: "Food"}); err != nil {
		t.Fatalf("Create category: %v", err)
	}

	txCount, err := txns.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	catCount, err := cats.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if txCount != 1 || catCount != 1 {
		t.Errorf("counts = %d transactions, %d categories; want 1 and 1", txCount, catCount)
	}

	// A limited query must not let the other kind's documents consume
	// the limit: "type" exists on both kinds.
	t.Run("limit applies after kind filtering", func(t *testing.T) {
		for _, name := range []string{"Rent", "Gas", "Food"} {
			if _, err := cats.Create(ctx, &Category{Name: name, Type: TypeDebit}); err != nil {
				t.Fatalf("Create category: %v", err)
			}
		}
		if _, err := txns.Create(ctx, &Transaction{Amount: 2, Type: TypeDebit}); err != nil {
			t.Fatalf("Create transaction: %v", err)
		}

		got, err := txns.Find(ctx, FindQuery{
			Conditions: []Condition{{Field: "type", Op: OpEq, Value: string(TypeDebit)}},
			Limit:      2,
		})
		if err != nil {
			t.Fatalf("Find: %v", err)
		}
		if len(got) != 2 {
			t.Errorf("Find returned %d transactions, want 2", len(got))
		}
	})
}

func TestCategoryRepositoryGetByName(t *testing.T) {
	ctx := context.Background()
	repo := NewCategoryRepository(newTestFilesystemStore(t))

	if _, err := repo.Create(ctx, &Category{Name: "Utilities", Type: TypeDebit}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := repo.GetByName(ctx, "Utilities")
	if err != nil {
		t.Fatalf("GetByName: %v", err)
	}
	if got == nil || got.Name != "Utilities" {
		t.Errorf("got %+v, want the Utilities category", got)
	}

	missing, err := repo.GetByName(ctx, "Hobbies")
	if err != nil {
		t.Fatalf("GetByName: %v", err)
	}
	if missing != nil {
		t.Errorf("got %+v, want nil for unknown name", missing)
	}
}

func TestRepositoryConflictResolution(t *testing.T) {
	ctx := context.Background()
	store := newTestRedisStore(t)
	repo := NewTransactionRepository(store)

	created, err := repo.Create(ctx, &Transaction{Amount: 10, Type: TypeDebit})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	docID := "transaction:" + created.ID

	loser := Document{FieldDocID: docID, FieldRev: "1-deadbeef", "amount": 99.0}
	if err := store.RegisterConflict(ctx, loser); err != nil {
		t.Fatalf("RegisterConflict: %v", err)
	}

	resolved, err := repo.ResolveConflicts(ctx, created.ID)
	if err != nil {
		t.Fatalf("ResolveConflicts: %v", err)
	}
	if resolved != 1 {
		t.Errorf("resolved = %d, want 1", resolved)
	}

	// Default policy keeps the current revision
	got, err := repo.GetByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Amount != 10 {
		t.Errorf("amount = %v, want 10 (keep current)", got.Amount)
	}

	t.Run("no conflicts resolves zero", func(t *testing.T) {
		resolved, err := repo.ResolveConflicts(ctx, created.ID)
		if err != nil {
			t.Fatalf("ResolveConflicts: %v", err)
		}
		if resolved != 0 {
			t.Errorf("resolved = %d, want 0", resolved)
		}
	})

	t.Run("local stores have no conflicts", func(t *testing.T) {
		local := NewTransactionRepository(newTestFilesystemStore(t))
		rec, err := local.Create(ctx, &Transaction{Amount: 1, Type: TypeDebit})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		resolved, err := local.ResolveConflicts(ctx, rec.ID)
		if err != nil || resolved != 0 {
			t.Errorf("resolved = %d, err = %v; want 0, nil", resolved, err)
		}
	})
}
