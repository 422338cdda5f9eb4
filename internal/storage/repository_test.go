package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"moneta/internal/core"
)

func newTestRepository(t *testing.T, path string) *SQLiteRepository {
	t.Helper()
	repo, err := NewSQLiteRepository(path)
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func sampleRules() []core.RecurringRule {
	return []core.RecurringRule{
		{
			ID: "rent", Frequency: core.Monthly, NextDueDate: "2024-01-31", Active: true,
			Template: core.Template{Amount: core.Money{Cents: 90000}, Category: "Housing", PaymentMode: "Bank", Type: core.Expense},
		},
		{
			ID: "salary", Frequency: core.Monthly, NextDueDate: "2024-02-01", Active: false, LastRun: "2024-01-01",
			Template: core.Template{Amount: core.Money{Cents: 250000}, Category: "Work", Note: "net", Type: core.Income},
		},
		{
			ID: "broken", Frequency: "hourly", NextDueDate: "not-a-date", Active: true,
			Template: core.Template{Amount: core.Money{Cents: -1}},
		},
	}
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepository(t, filepath.Join(t.TempDir(), "test.db"))
	ctx := context.Background()

	t.Run("empty database has no rules", func(t *testing.T) {
		rules, err := repo.LoadRules(ctx)
		if err != nil {
			t.Fatalf("LoadRules failed: %v", err)
		}
		if len(rules) != 0 {
			t.Fatalf("expected no rules, got %d", len(rules))
		}
	})

	t.Run("SaveRules round trips in order, malformed rows included", func(t *testing.T) {
		want := sampleRules()
		if err := repo.SaveRules(ctx, want); err != nil {
			t.Fatalf("SaveRules failed: %v", err)
		}

		got, err := repo.LoadRules(ctx)
		if err != nil {
			t.Fatalf("LoadRules failed: %v", err)
		}
		if len(got) != len(want) {
			t.Fatalf("got %d rules, want %d", len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("rule %d = %+v, want %+v", i, got[i], want[i])
			}
		}
	})

	t.Run("SaveRules replaces the whole set", func(t *testing.T) {
		if err := repo.SaveRules(ctx, sampleRules()[:1]); err != nil {
			t.Fatalf("SaveRules failed: %v", err)
		}
		got, _ := repo.LoadRules(ctx)
		if len(got) != 1 || got[0].ID != "rent" {
			t.Fatalf("unexpected rules after replace: %+v", got)
		}
	})

	t.Run("AppendTransactions lists batch ahead of existing rows", func(t *testing.T) {
		created := time.Date(2024, 6, 3, 9, 30, 15, 123456789, time.UTC)
		first := []core.Transaction{
			{ID: "a1", Date: "2024-06-01", CreatedAt: created, Template: core.Template{Amount: core.Money{Cents: 100}, Category: "Food", Type: core.Expense}},
		}
		second := []core.Transaction{
			{ID: "b1", Date: "2024-06-02", CreatedAt: created, RuleID: "rent", Template: core.Template{Amount: core.Money{Cents: 200}, Category: "Food", PaymentMode: "Card", Type: core.Expense}},
			{ID: "b2", Date: "2024-06-03", CreatedAt: created, RuleID: "rent", Template: core.Template{Amount: core.Money{Cents: 300}, Category: "Food", Note: "x", Type: core.Expense}},
		}

		if err := repo.AppendTransactions(ctx, first); err != nil {
			t.Fatalf("AppendTransactions failed: %v", err)
		}
		if err := repo.AppendTransactions(ctx, second); err != nil {
			t.Fatalf("AppendTransactions failed: %v", err)
		}

		got, err := repo.ListTransactions(ctx, 0)
		if err != nil {
			t.Fatalf("ListTransactions failed: %v", err)
		}
		wantIDs := []string{"b1", "b2", "a1"}
		if len(got) != len(wantIDs) {
			t.Fatalf("got %d transactions, want %d", len(got), len(wantIDs))
		}
		for i, id := range wantIDs {
			if got[i].ID != id {
				t.Errorf("position %d = %s, want %s", i, got[i].ID, id)
			}
		}
		if got[0] != second[0] {
			t.Errorf("transaction not preserved: %+v, want %+v", got[0], second[0])
		}

		limited, err := repo.ListTransactions(ctx, 1)
		if err != nil || len(limited) != 1 || limited[0].ID != "b1" {
			t.Fatalf("limit 1 returned %+v (err=%v)", limited, err)
		}
	})

	t.Run("duplicate transaction id is rejected", func(t *testing.T) {
		dup := []core.Transaction{{ID: "a1", Date: "2024-06-05", CreatedAt: time.Now()}}
		if err := repo.AppendTransactions(ctx, dup); err == nil {
			t.Fatal("expected unique constraint error")
		}
	})
}

func TestSQLiteRepository_CommitIsAtomic(t *testing.T) {
	repo := newTestRepository(t, filepath.Join(t.TempDir(), "test.db"))
	ctx := context.Background()

	if err := repo.SaveRules(ctx, sampleRules()[:1]); err != nil {
		t.Fatalf("SaveRules failed: %v", err)
	}
	if err := repo.AppendTransactions(ctx, []core.Transaction{{ID: "existing", Date: "2024-01-01", CreatedAt: time.Now()}}); err != nil {
		t.Fatalf("AppendTransactions failed: %v", err)
	}
	if _, err := repo.LoadRules(ctx); err != nil {
		t.Fatalf("LoadRules failed: %v", err)
	}

	advanced := sampleRules()[:1]
	advanced[0].NextDueDate = "2024-03-31"
	advanced[0].LastRun = "2024-03-01"

	// The duplicate id makes the insert fail; the rule update must roll back with it.
	bad := []core.Transaction{
		{ID: "new", Date: "2024-01-31", CreatedAt: time.Now()},
		{ID: "existing", Date: "2024-03-01", CreatedAt: time.Now()},
	}
	if err := repo.Commit(ctx, advanced, bad); err == nil {
		t.Fatal("expected Commit to fail")
	}

	rules, _ := repo.LoadRules(ctx)
	if rules[0].NextDueDate != "2024-01-31" {
		t.Fatalf("rule advanced despite failed commit: %+v", rules[0])
	}
	txs, _ := repo.ListTransactions(ctx, 0)
	if len(txs) != 1 {
		t.Fatalf("expected 1 transaction after rollback, got %d", len(txs))
	}

	good := []core.Transaction{
		{ID: "jan", Date: "2024-01-31", CreatedAt: time.Now()},
		{ID: "mar", Date: "2024-03-01", CreatedAt: time.Now()},
	}
	if err := repo.Commit(ctx, advanced, good); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	rules, _ = repo.LoadRules(ctx)
	txs, _ = repo.ListTransactions(ctx, 0)
	if rules[0].NextDueDate != "2024-03-31" || len(txs) != 3 || txs[0].ID != "jan" {
		t.Fatalf("unexpected state after commit: rules=%+v txs=%+v", rules, txs)
	}
}

func TestSQLiteRepository_DetectsConcurrentModification(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	first := newTestRepository(t, path)
	second := newTestRepository(t, path)
	ctx := context.Background()

	if err := first.SaveRules(ctx, sampleRules()[:1]); err != nil {
		t.Fatalf("SaveRules failed: %v", err)
	}

	if _, err := first.LoadRules(ctx); err != nil {
		t.Fatalf("first LoadRules failed: %v", err)
	}
	rules, err := second.LoadRules(ctx)
	if err != nil {
		t.Fatalf("second LoadRules failed: %v", err)
	}

	rules[0].NextDueDate = "2024-03-01"
	if err := second.SaveRules(ctx, rules); err != nil {
		t.Fatalf("second SaveRules failed: %v", err)
	}

	err = first.Commit(ctx, rules, []core.Transaction{{ID: "t1", Date: "2024-01-31", CreatedAt: time.Now()}})
	if !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}

	txs, _ := first.ListTransactions(ctx, 0)
	if len(txs) != 0 {
		t.Fatalf("rejected commit must not write transactions, got %d", len(txs))
	}

	// Reloading picks up the new revision and allows saving again.
	if _, err := first.LoadRules(ctx); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if err := first.SaveRules(ctx, rules); err != nil {
		t.Fatalf("SaveRules after reload failed: %v", err)
	}
}

func TestRunMigrationsIsRepeatable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "test.db")
	repo := newTestRepository(t, path)
	repo.Close()

	if err := RunMigrations(path); err != nil {
		t.Fatalf("second RunMigrations failed: %v", err)
	}
}
