package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"moneta/internal/core"
	"moneta/internal/metrics"
	"moneta/internal/ports"
	"moneta/internal/storage"
	"moneta/internal/storage/memory"
)

// recordingReporter remembers every count it was notified with.
type recordingReporter struct {
	mu     sync.Mutex
	counts []int
	err    error
}

func (r *recordingReporter) Notify(_ context.Context, count int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts = append(r.counts, count)
	return r.err
}

// twoStepStore hides the memory store's Commit so the service falls back to
// AppendTransactions followed by SaveRules.
type twoStepStore struct {
	inner *memory.Store

	calls     []string
	loadErr   error
	appendErr error
	saveErr   error
}

func (s *twoStepStore) LoadRules(ctx context.Context) ([]core.RecurringRule, error) {
	s.calls = append(s.calls, "load")
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return s.inner.LoadRules(ctx)
}

func (s *twoStepStore) SaveRules(ctx context.Context, rules []core.RecurringRule) error {
	s.calls = append(s.calls, "save")
	if s.saveErr != nil {
		return s.saveErr
	}
	return s.inner.SaveRules(ctx, rules)
}

func (s *twoStepStore) AppendTransactions(ctx context.Context, txs []core.Transaction) error {
	s.calls = append(s.calls, "append")
	if s.appendErr != nil {
		return s.appendErr
	}
	return s.inner.AppendTransactions(ctx, txs)
}

func (s *twoStepStore) ListTransactions(ctx context.Context, limit int) ([]core.Transaction, error) {
	return s.inner.ListTransactions(ctx, limit)
}

// conflictingStore rejects every commit as a concurrent modification.
type conflictingStore struct {
	*memory.Store
}

func (s conflictingStore) Commit(context.Context, []core.RecurringRule, []core.Transaction) error {
	return fmt.Errorf("commit: %w", storage.ErrConcurrentModification)
}

func dailyRule(id, next string) core.RecurringRule {
	return core.RecurringRule{
		ID:          id,
		Frequency:   core.Daily,
		NextDueDate: next,
		Active:      true,
		Template:    foodTemplate,
	}
}

func newTestService(store ports.Store, opts ...Option) *RecurringService {
	base := []Option{
		WithMaterializer(newTestMaterializer()),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	return NewRecurringService(store, append(base, opts...)...)
}

func TestRecurringService_Refresh(t *testing.T) {
	ctx := context.Background()
	store := memory.New([]core.RecurringRule{dailyRule("r1", "2024-06-01")}, []core.Transaction{
		{ID: "old", Date: "2024-05-30", Template: foodTemplate},
	})
	reporter := &recordingReporter{}
	svc := newTestService(store, WithReporter(reporter))

	summary, err := svc.Refresh(ctx, at(2024, 6, 3))
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if summary.Generated != 3 || summary.ActiveRules != 1 || summary.ReferenceDate != "2024-06-03" {
		t.Errorf("unexpected summary %+v", summary)
	}
	if summary.RunID == "" {
		t.Error("summary should carry a run id")
	}

	txs, _ := store.ListTransactions(ctx, 0)
	want := []string{"2024-06-01", "2024-06-02", "2024-06-03", "2024-05-30"}
	if !equalStrings(dates(txs), want) {
		t.Errorf("stored dates = %v, want %v", dates(txs), want)
	}
	for _, tx := range txs[:3] {
		if tx.RuleID != "r1" || tx.CreatedAt != testCreatedAt {
			t.Errorf("unexpected materialized transaction %+v", tx)
		}
	}

	rules, _ := store.LoadRules(ctx)
	if rules[0].NextDueDate != "2024-06-04" || rules[0].LastRun != "2024-06-03" {
		t.Errorf("rule not advanced: %+v", rules[0])
	}

	t.Run("second run the same day generates nothing", func(t *testing.T) {
		summary, err := svc.Refresh(ctx, at(2024, 6, 3))
		if err != nil {
			t.Fatalf("Refresh() error = %v", err)
		}
		if summary.Generated != 0 {
			t.Errorf("Generated = %d, want 0", summary.Generated)
		}
		txs, _ := store.ListTransactions(ctx, 0)
		if len(txs) != 4 {
			t.Errorf("transaction count = %d, want 4", len(txs))
		}
	})

	if len(reporter.counts) != 1 || reporter.counts[0] != 3 {
		t.Errorf("reporter counts = %v, want [3]", reporter.counts)
	}
}

func TestRecurringService_RefreshTwoStepWrite(t *testing.T) {
	ctx := context.Background()

	t.Run("appends transactions before saving rules", func(t *testing.T) {
		store := &twoStepStore{inner: memory.New([]core.RecurringRule{dailyRule("r1", "2024-06-03")}, nil)}
		svc := newTestService(store)

		if _, err := svc.Refresh(ctx, at(2024, 6, 3)); err != nil {
			t.Fatalf("Refresh() error = %v", err)
		}
		want := []string{"load", "append", "save"}
		if !equalStrings(store.calls, want) {
			t.Errorf("calls = %v, want %v", store.calls, want)
		}
	})

	t.Run("nothing due writes nothing", func(t *testing.T) {
		store := &twoStepStore{inner: memory.New([]core.RecurringRule{dailyRule("r1", "2024-06-10")}, nil)}
		svc := newTestService(store)

		if _, err := svc.Refresh(ctx, at(2024, 6, 3)); err != nil {
			t.Fatalf("Refresh() error = %v", err)
		}
		if !equalStrings(store.calls, []string{"load"}) {
			t.Errorf("calls = %v, want [load]", store.calls)
		}
	})

	t.Run("skipped rules are reported without writes", func(t *testing.T) {
		store := &twoStepStore{inner: memory.New([]core.RecurringRule{dailyRule("bad", "06/01/2024")}, nil)}
		svc := newTestService(store)

		summary, err := svc.Refresh(ctx, at(2024, 6, 3))
		if err != nil {
			t.Fatalf("Refresh() error = %v", err)
		}
		if len(summary.Skipped) != 1 || summary.Skipped[0].RuleID != "bad" {
			t.Errorf("skipped = %+v", summary.Skipped)
		}
		if !equalStrings(store.calls, []string{"load"}) {
			t.Errorf("calls = %v, want [load]", store.calls)
		}
	})
}

func TestRecurringService_RefreshErrors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk full")

	tests := []struct {
		name  string
		store *twoStepStore
	}{
		{"load fails", &twoStepStore{loadErr: boom}},
		{"append fails", &twoStepStore{appendErr: boom}},
		{"save fails", &twoStepStore{saveErr: boom}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.store.inner = memory.New([]core.RecurringRule{dailyRule("r1", "2024-06-01")}, nil)
			reporter := &recordingReporter{}
			svc := newTestService(tt.store, WithReporter(reporter))

			_, err := svc.Refresh(ctx, at(2024, 6, 3))
			if !errors.Is(err, boom) {
				t.Fatalf("Refresh() error = %v, want wrapped %v", err, boom)
			}
			if len(reporter.counts) != 0 {
				t.Errorf("reporter called after failed refresh: %v", reporter.counts)
			}
		})
	}
}

func TestRecurringService_ReporterFailureIsNotFatal(t *testing.T) {
	store := memory.New([]core.RecurringRule{dailyRule("r1", "2024-06-03")}, nil)
	reporter := &recordingReporter{err: errors.New("broker down")}
	svc := newTestService(store, WithReporter(reporter))

	summary, err := svc.Refresh(context.Background(), at(2024, 6, 3))
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if summary.Generated != 1 {
		t.Errorf("Generated = %d, want 1", summary.Generated)
	}
}

func TestRecurringService_ConflictIsRecorded(t *testing.T) {
	store := conflictingStore{memory.New([]core.RecurringRule{dailyRule("r1", "2024-06-03")}, nil)}
	recorder := metrics.NewRecorder()
	svc := newTestService(store, WithMetrics(recorder))

	_, err := svc.Refresh(context.Background(), at(2024, 6, 3))
	if !errors.Is(err, storage.ErrConcurrentModification) {
		t.Fatalf("Refresh() error = %v, want ErrConcurrentModification", err)
	}

	families, err := recorder.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	var conflicts float64
	for _, mf := range families {
		if mf.GetName() != "moneta_recurring_refresh_runs_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "outcome" && l.GetValue() == metrics.OutcomeConflict {
					conflicts += m.GetCounter().GetValue()
				}
			}
		}
	}
	if conflicts != 1 {
		t.Errorf("conflict runs = %v, want 1", conflicts)
	}
}

func TestRecurringService_ConcurrentRefreshDoesNotDuplicate(t *testing.T) {
	store := memory.New([]core.RecurringRule{dailyRule("r1", "2024-05-25")}, nil)
	svc := newTestService(store)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Refresh(context.Background(), at(2024, 6, 3)); err != nil {
				t.Errorf("Refresh() error = %v", err)
			}
		}()
	}
	wg.Wait()

	txs, _ := store.ListTransactions(context.Background(), 0)
	if len(txs) != 10 {
		t.Errorf("transaction count = %d, want 10", len(txs))
	}
}

func TestRecurringService_RecordTransaction(t *testing.T) {
	ctx := context.Background()
	entered := core.Transaction{Date: "2024-01-31", Template: foodTemplate}

	t.Run("without repeat only stores the transaction", func(t *testing.T) {
		store := memory.New(nil, nil)
		svc := newTestService(store)

		tx, rule, err := svc.RecordTransaction(ctx, entered, nil)
		if err != nil {
			t.Fatalf("RecordTransaction() error = %v", err)
		}
		if rule != nil {
			t.Errorf("unexpected rule %+v", rule)
		}
		if tx.ID == "" || tx.CreatedAt != testCreatedAt || tx.RuleID != "" {
			t.Errorf("unexpected transaction %+v", tx)
		}
		rules, _ := store.LoadRules(ctx)
		txs, _ := store.ListTransactions(ctx, 0)
		if len(rules) != 0 || len(txs) != 1 {
			t.Errorf("rules=%d txs=%d, want 0 and 1", len(rules), len(txs))
		}
	})

	t.Run("with repeat creates a rule due one period later", func(t *testing.T) {
		store := memory.New([]core.RecurringRule{dailyRule("existing", "2024-06-01")}, nil)
		svc := newTestService(store)
		monthly := core.Monthly

		_, rule, err := svc.RecordTransaction(ctx, entered, &monthly)
		if err != nil {
			t.Fatalf("RecordTransaction() error = %v", err)
		}
		if rule.NextDueDate != "2024-03-01" || !rule.Active || rule.LastRun != "" {
			t.Errorf("unexpected rule %+v", rule)
		}
		if rule.Template != foodTemplate {
			t.Errorf("rule template = %+v, want %+v", rule.Template, foodTemplate)
		}

		rules, _ := store.LoadRules(ctx)
		if len(rules) != 2 || rules[0].ID != "existing" || rules[1].ID != rule.ID {
			t.Errorf("rules = %+v", rules)
		}
	})

	t.Run("rejects invalid input", func(t *testing.T) {
		svc := newTestService(memory.New(nil, nil))
		bad := core.Frequency("hourly")

		invalid := []struct {
			name    string
			tx      core.Transaction
			repeat  *core.Frequency
			wantErr error
		}{
			{"bad date", core.Transaction{Date: "31/01/2024", Template: foodTemplate}, nil, core.ErrInvalidDate},
			{"zero amount", core.Transaction{Date: "2024-01-31", Template: core.Template{Category: "Food", Type: core.Expense}}, nil, core.ErrInvalidAmount},
			{"unknown frequency", entered, &bad, core.ErrUnknownFrequency},
		}
		for _, tt := range invalid {
			t.Run(tt.name, func(t *testing.T) {
				_, _, err := svc.RecordTransaction(ctx, tt.tx, tt.repeat)
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("error = %v, want %v", err, tt.wantErr)
				}
			})
		}
	})
}

func TestRecurringService_Deactivate(t *testing.T) {
	ctx := context.Background()
	store := memory.New([]core.RecurringRule{
		dailyRule("r1", "2024-06-01"),
		dailyRule("r2", "2024-06-01"),
	}, nil)
	svc := newTestService(store)

	if err := svc.Deactivate(ctx, "r1"); err != nil {
		t.Fatalf("Deactivate() error = %v", err)
	}

	rules, err := svc.Rules(ctx)
	if err != nil {
		t.Fatalf("Rules() error = %v", err)
	}
	if len(rules) != 2 || rules[0].Active || !rules[1].Active {
		t.Fatalf("unexpected rules after deactivate: %+v", rules)
	}

	if err := svc.Deactivate(ctx, "r1"); err != nil {
		t.Errorf("deactivating twice should succeed, got %v", err)
	}
	if err := svc.Deactivate(ctx, "missing"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("Deactivate(missing) error = %v, want ErrRuleNotFound", err)
	}

	summary, err := svc.Refresh(ctx, at(2024, 6, 2))
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if summary.Generated != 2 {
		t.Errorf("Generated = %d, want 2 from the active rule only", summary.Generated)
	}

	txs, err := svc.Transactions(ctx, 1)
	if err != nil || len(txs) != 1 || txs[0].RuleID != "r2" {
		t.Errorf("Transactions(1) = %+v, %v", txs, err)
	}
}

func TestRecurringService_DefaultsWithoutOptions(t *testing.T) {
	svc := NewRecurringService(memory.New(nil, nil))
	if svc.logger == nil || svc.materializer.Logger == nil {
		t.Fatal("service should default its loggers")
	}
	if _, err := svc.Refresh(context.Background(), time.Now()); err != nil {
		t.Fatalf("Refresh() on empty store error = %v", err)
	}
}
