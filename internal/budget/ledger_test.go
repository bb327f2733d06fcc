package budget

import (
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestCheckAndDeduct(t *testing.T) {
	l := NewLedger(1.00)

	if err := l.Check(0.50); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if err := l.Deduct(0.50, "learner run"); err != nil {
		t.Fatalf("Deduct: %v", err)
	}
	if got := l.Balance(); math.Abs(got-0.50) > 1e-9 {
		t.Errorf("Balance = %v, want 0.50", got)
	}

	log := l.SpendLog()
	if len(log) != 1 {
		t.Fatalf("SpendLog = %d entries, want 1", len(log))
	}
	if log[0].Operation != "learner run" || math.Abs(log[0].BalanceAfter-0.50) > 1e-9 {
		t.Errorf("entry = %+v", log[0])
	}
}

func TestThreeRunsOnOneDollar(t *testing.T) {
	// Budget $1.00, three attempted $0.50 runs: the third check must fail
	// before any further cost is incurred, and balance stays >= 0.
	l := NewLedger(1.00)

	for i := 0; i < 2; i++ {
		if err := l.Reserve(0.50, "learner run"); err != nil {
			t.Fatalf("run %d: %v", i+1, err)
		}
	}
	err := l.Check(0.50)
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("third check err = %v, want ErrBudgetExceeded", err)
	}
	if l.Balance() < 0 {
		t.Errorf("balance went negative: %v", l.Balance())
	}
}

func TestBalanceChainInvariant(t *testing.T) {
	l := NewLedger(5.00)
	costs := []float64{0.25, 1.0, 0.1, 0.4, 2.0}
	for _, c := range costs {
		if err := l.Reserve(c, "op"); err != nil {
			t.Fatalf("Reserve(%v): %v", c, err)
		}
	}

	log := l.SpendLog()
	prev := 5.00
	for i, e := range log {
		if math.Abs(e.BalanceAfter-(prev-e.Cost)) > 1e-9 {
			t.Errorf("entry %d: balanceAfter = %v, want %v", i, e.BalanceAfter, prev-e.Cost)
		}
		prev = e.BalanceAfter
	}
	if math.Abs(l.Balance()-(5.00-3.75)) > 1e-9 {
		t.Errorf("final balance = %v, want 1.25", l.Balance())
	}
}

func TestConcurrentReservesNeverOverspend(t *testing.T) {
	l := NewLedger(1.00)

	const workers = 20
	var wg sync.WaitGroup
	granted := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Reserve(0.30, "concurrent op"); err == nil {
				granted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(granted)

	n := len(granted)
	if n > 3 {
		t.Errorf("granted %d reservations of $0.30 on a $1.00 budget", n)
	}
	if l.Balance() < 0 {
		t.Errorf("balance went negative: %v", l.Balance())
	}
}

func TestRefundCappedAtInitial(t *testing.T) {
	l := NewLedger(1.00)
	if err := l.Reserve(0.40, "op"); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := l.Refund(0.90, "op"); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if got := l.Balance(); math.Abs(got-1.00) > 1e-9 {
		t.Errorf("Balance = %v, want capped at 1.00", got)
	}
}

func TestNegativeCostRejected(t *testing.T) {
	l := NewLedger(1.00)
	if err := l.Check(-1); err == nil {
		t.Error("Check(-1) should fail")
	}
	if err := l.Deduct(-1, "op"); err == nil {
		t.Error("Deduct(-1) should fail")
	}
}

func TestPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")

	l, err := NewPersistentLedger(2.00, path)
	if err != nil {
		t.Fatalf("NewPersistentLedger: %v", err)
	}
	if err := l.Reserve(0.75, "persisted op"); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	// File should be valid JSON with the spend recorded.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read ledger file: %v", err)
	}
	var persisted ledgerData
	if err := json.Unmarshal(data, &persisted); err != nil {
		t.Fatalf("unmarshal ledger: %v", err)
	}
	if math.Abs(persisted.Balance-1.25) > 1e-9 {
		t.Errorf("persisted balance = %v, want 1.25", persisted.Balance)
	}

	// Reloading picks up the existing balance, not the fresh initial.
	l2, err := NewPersistentLedger(99.0, path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if math.Abs(l2.Balance()-1.25) > 1e-9 {
		t.Errorf("reloaded balance = %v, want 1.25", l2.Balance())
	}

	sum := l2.Summarize()
	if sum.Operations != 1 || math.Abs(sum.Spent-0.75) > 1e-9 {
		t.Errorf("summary = %+v", sum)
	}
}
