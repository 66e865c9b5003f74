package ledgerbase

import (
	"context"
	"testing"
	"time"
)

// seedBoth writes the same transactions into two repositories, preserving
// ids by writing documents through the store directly.
func seedBoth(t *testing.T, repos []*Repository[Transaction], recs []*Transaction) {
	t.Helper()
	ctx := context.Background()
	codec := TransactionCodec{}
	for _, repo := range repos {
		for _, rec := range recs {
			if _, err := repo.Store().Put(ctx, codec.ToDocument(rec)); err != nil {
				t.Fatalf("seed put: %v", err)
			}
		}
	}
}

func testTransactions() []*Transaction {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	return []*Transaction{
		{ID: "aaa", Amount: 10, Type: TypeDebit, Category: "food", Date: base, CreatedAt: base, UpdatedAt: base, Tags: []string{"a", "b"}},
		{ID: "bbb", Amount: 20, Type: TypeDebit, Category: "rent", Date: base, CreatedAt: base, UpdatedAt: base},
		{ID: "ccc", Amount: 500, Type: TypeCredit, Category: "salary", Date: base, CreatedAt: base, UpdatedAt: base},
	}
}

func TestValidatorIdenticalStores(t *testing.T) {
	ctx := context.Background()
	source := NewRepository[Transaction](newTestFilesystemStore(t), TransactionCodec{})
	target := NewRepository[Transaction](newTestFilesystemStore(t), TransactionCodec{})
	seedBoth(t, []*Repository[Transaction]{source, target}, testTransactions())

	report, err := NewValidator().Compare(ctx, source, target)
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if !report.IsValid {
		t.Errorf("identical stores should validate, differences: %+v", report.Differences)
	}
	if report.Source.Total != 3 || report.Target.Total != 3 {
		t.Errorf("totals = %d/%d, want 3/3", report.Source.Total, report.Target.Total)
	}
	if report.Source.TotalDebits != 30 || report.Source.TotalCredits != 500 {
		t.Errorf("debits/credits = %v/%v, want 30/500",
			report.Source.TotalDebits, report.Source.TotalCredits)
	}
	if report.Source.CountByType[TypeDebit] != 2 || report.Source.CountByType[TypeCredit] != 1 {
		t.Errorf("count by type = %v", report.Source.CountByType)
	}
}

func TestValidatorFindsEveryDifference(t *testing.T) {
	ctx := context.Background()
	source := NewRepository[Transaction](newTestFilesystemStore(t), TransactionCodec{})
	target := NewRepository[Transaction](newTestFilesystemStore(t), TransactionCodec{})

	recs := testTransactions()
	seedBoth(t, []*Repository[Transaction]{source}, recs)

	// Target diverges three ways: one record altered, one dropped, one added
	altered := *recs[0]
	altered.Amount = 11
	altered.Category = "drinks"
	extra := &Transaction{ID: "zzz", Amount: 7, Type: TypeDebit,
		CreatedAt: recs[0].CreatedAt, UpdatedAt: recs[0].UpdatedAt}
	seedBoth(t, []*Repository[Transaction]{target}, []*Transaction{&altered, recs[2], extra})

	report, err := NewValidator().Compare(ctx, source, target)
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if report.IsValid {
		t.Fatal("divergent stores must not validate")
	}

	reasons := map[string]int{}
	for _, d := range report.Differences {
		reasons[d.Reason]++
	}
	if reasons["field mismatch"] != 2 {
		t.Errorf("field mismatches = %d, want 2 (amount and category)", reasons["field mismatch"])
	}
	if reasons["record missing from target"] != 1 {
		t.Errorf("missing-from-target = %d, want 1", reasons["record missing from target"])
	}
	if reasons["record missing from source"] != 1 {
		t.Errorf("missing-from-source = %d, want 1", reasons["record missing from source"])
	}
	if reasons["record count mismatch"] != 0 {
		t.Errorf("count mismatch reported for equal-length stores: %+v", report.Differences)
	}
}

func TestValidatorSymmetry(t *testing.T) {
	ctx := context.Background()
	a := NewRepository[Transaction](newTestFilesystemStore(t), TransactionCodec{})
	b := NewRepository[Transaction](newTestFilesystemStore(t), TransactionCodec{})

	recs := testTransactions()
	seedBoth(t, []*Repository[Transaction]{a}, recs)

	altered := *recs[1]
	altered.Amount = 21
	seedBoth(t, []*Repository[Transaction]{b}, []*Transaction{recs[0], &altered})

	forward, err := NewValidator().Compare(ctx, a, b)
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	reverse, err := NewValidator().Compare(ctx, b, a)
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}

	// Both directions must reach the same verdict on a divergent pair.
	if forward.IsValid || reverse.IsValid {
		t.Errorf("verdicts = %v/%v, want both invalid", forward.IsValid, reverse.IsValid)
	}
	if len(forward.Differences) != len(reverse.Differences) {
		t.Errorf("difference counts = %d/%d, want equal",
			len(forward.Differences), len(reverse.Differences))
	}

	t.Run("consistent stores agree both ways", func(t *testing.T) {
		c := NewRepository[Transaction](newTestFilesystemStore(t), TransactionCodec{})
		d := NewRepository[Transaction](newTestFilesystemStore(t), TransactionCodec{})
		seedBoth(t, []*Repository[Transaction]{c, d}, recs)

		forward, err := NewValidator().Compare(ctx, c, d)
		if err != nil {
			t.Fatalf("Compare: %v", err)
		}
		reverse, err := NewValidator().Compare(ctx, d, c)
		if err != nil {
			t.Fatalf("Compare: %v", err)
		}
		if !forward.IsValid || !reverse.IsValid {
			t.Errorf("verdicts = %v/%v, want both valid", forward.IsValid, reverse.IsValid)
		}
	})
}

func TestValidatorTimeTolerance(t *testing.T) {
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	mk := func(skew time.Duration) *Transaction {
		return &Transaction{
			ID: "aaa", Amount: 1, Type: TypeDebit,
			Date:      base.Add(skew),
			CreatedAt: base.Add(skew),
			UpdatedAt: base.Add(skew),
		}
	}

	run := func(t *testing.T, skew time.Duration, opts ...ValidatorOption) *ValidationReport {
		t.Helper()
		source := NewRepository[Transaction](newTestFilesystemStore(t), TransactionCodec{})
		target := NewRepository[Transaction](newTestFilesystemStore(t), TransactionCodec{})
		seedBoth(t, []*Repository[Transaction]{source}, []*Transaction{mk(0)})
		seedBoth(t, []*Repository[Transaction]{target}, []*Transaction{mk(skew)})
		report, err := NewValidator(opts...).Compare(ctx, source, target)
		if err != nil {
			t.Fatalf("Compare: %v", err)
		}
		return report
	}

	t.Run("skew inside tolerance matches", func(t *testing.T) {
		if report := run(t, 800*time.Millisecond); !report.IsValid {
			t.Errorf("800ms skew should be tolerated, differences: %+v", report.Differences)
		}
	})

	t.Run("skew at the boundary matches", func(t *testing.T) {
		if report := run(t, DefaultTimeTolerance); !report.IsValid {
			t.Errorf("exactly 1s skew should be tolerated")
		}
	})

	t.Run("skew beyond tolerance differs", func(t *testing.T) {
		if report := run(t, 1500*time.Millisecond); report.IsValid {
			t.Error("1.5s skew should be reported")
		}
	})

	t.Run("negative skew is symmetric", func(t *testing.T) {
		if report := run(t, -800*time.Millisecond); !report.IsValid {
			t.Errorf("-800ms skew should be tolerated, differences: %+v", report.Differences)
		}
	})

	t.Run("custom tolerance", func(t *testing.T) {
		if report := run(t, 800*time.Millisecond, WithTimeTolerance(100*time.Millisecond)); report.IsValid {
			t.Error("skew beyond a tightened tolerance should be reported")
		}
	})
}

func TestValidatorTagOrder(t *testing.T) {
	ctx := context.Background()
	source := NewRepository[Transaction](newTestFilesystemStore(t), TransactionCodec{})
	target := NewRepository[Transaction](newTestFilesystemStore(t), TransactionCodec{})

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	a := &Transaction{ID: "aaa", Amount: 1, Type: TypeDebit, Tags: []string{"x", "y", "z"},
		CreatedAt: base, UpdatedAt: base}
	b := &Transaction{ID: "aaa", Amount: 1, Type: TypeDebit, Tags: []string{"z", "x", "y"},
		CreatedAt: base, UpdatedAt: base}
	seedBoth(t, []*Repository[Transaction]{source}, []*Transaction{a})
	seedBoth(t, []*Repository[Transaction]{target}, []*Transaction{b})

	report, err := NewValidator().Compare(ctx, source, target)
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if !report.IsValid {
		t.Errorf("tag order must not matter, differences: %+v", report.Differences)
	}

	t.Run("different tag multisets differ", func(t *testing.T) {
		if sameTagSet([]string{"x", "x", "y"}, []string{"x", "y", "y"}) {
			t.Error("multiset comparison should catch duplicate imbalance")
		}
	})
}

func TestValidateConsistency(t *testing.T) {
	ctx := context.Background()
	source := NewRepository[Transaction](newTestFilesystemStore(t), TransactionCodec{})
	target := NewRepository[Transaction](newTestFilesystemStore(t), TransactionCodec{})
	seedBoth(t, []*Repository[Transaction]{source, target}, testTransactions())

	ok, err := NewValidator().ValidateConsistency(ctx, source, target)
	if err != nil {
		t.Fatalf("ValidateConsistency: %v", err)
	}
	if !ok {
		t.Error("identical stores should be consistent")
	}
}
