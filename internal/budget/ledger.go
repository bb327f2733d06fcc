// Package budget tracks monetary spend across goal dispatches. The ledger is
// the only globally serialized resource besides per-signature trace updates:
// all checks and deductions go through one mutex so a check-then-deduct pair
// is effectively atomic per logical operation.
package budget

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"goalforge/internal/logging"
)

// ErrBudgetExceeded is returned when a spend check fails. Fatal to the
// dispatch, not to the process.
var ErrBudgetExceeded = errors.New("budget exceeded")

// SpendEntry is one entry in the ordered spend log.
type SpendEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	Operation    string    `json:"operation"`
	Cost         float64   `json:"cost"`
	BalanceAfter float64   `json:"balance_after"`
}

// ledgerData is the persisted form of the ledger.
type ledgerData struct {
	Version       string       `json:"version"`
	InitialBudget float64      `json:"initial_budget"`
	Balance       float64      `json:"balance"`
	SpendLog      []SpendEntry `json:"spend_log"`
}

// Summary is a read-only snapshot for reporting.
type Summary struct {
	InitialBudget float64
	Balance       float64
	Spent         float64
	Operations    int
}

// Ledger tracks remaining spend and rejects over-budget operations.
// Invariant: balance = initial − Σcost, and balance never goes negative.
type Ledger struct {
	mu       sync.Mutex
	data     ledgerData
	filePath string // Empty for in-memory ledgers
}

// NewLedger creates an in-memory ledger with the given initial budget.
func NewLedger(initialUSD float64) *Ledger {
	return &Ledger{
		data: ledgerData{
			Version:       "1.0",
			InitialBudget: initialUSD,
			Balance:       initialUSD,
		},
	}
}

// NewPersistentLedger creates a ledger persisted to filePath. An existing
// ledger file is loaded; the initial budget applies only to fresh ledgers.
func NewPersistentLedger(initialUSD float64, filePath string) (*Ledger, error) {
	l := NewLedger(initialUSD)
	l.filePath = filePath

	data, err := os.ReadFile(filePath)
	if os.IsNotExist(err) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	if err := json.Unmarshal(data, &l.data); err != nil {
		return nil, fmt.Errorf("failed to parse ledger: %w", err)
	}

	logging.Budget("Ledger loaded: balance=$%.4f of $%.4f, %d operations",
		l.data.Balance, l.data.InitialBudget, len(l.data.SpendLog))
	return l, nil
}

// Check fails with ErrBudgetExceeded if the balance cannot cover the
// estimated cost. Must be called, and must succeed, before any cost-incurring
// operation begins.
func (l *Ledger) Check(estimatedCost float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkLocked(estimatedCost)
}

func (l *Ledger) checkLocked(estimatedCost float64) error {
	if estimatedCost < 0 {
		return fmt.Errorf("estimated cost must be non-negative, got %.4f", estimatedCost)
	}
	if l.data.Balance < estimatedCost {
		logging.Budget("Check failed: balance=$%.4f < estimate=$%.4f", l.data.Balance, estimatedCost)
		return fmt.Errorf("%w: balance $%.4f, estimated cost $%.4f", ErrBudgetExceeded, l.data.Balance, estimatedCost)
	}
	return nil
}

// Deduct atomically decrements the balance and appends a log entry.
// The deduction is clamped so the balance never goes negative; the caller is
// expected to have passed a Check first.
func (l *Ledger) Deduct(actualCost float64, operation string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deductLocked(actualCost, operation)
}

func (l *Ledger) deductLocked(actualCost float64, operation string) error {
	if actualCost < 0 {
		return fmt.Errorf("cost must be non-negative, got %.4f", actualCost)
	}
	if actualCost > l.data.Balance {
		actualCost = l.data.Balance
	}
	l.data.Balance -= actualCost
	l.data.SpendLog = append(l.data.SpendLog, SpendEntry{
		Timestamp:    time.Now().UTC(),
		Operation:    operation,
		Cost:         actualCost,
		BalanceAfter: l.data.Balance,
	})

	logging.BudgetDebug("Deduct: op=%s cost=$%.4f balance=$%.4f", operation, actualCost, l.data.Balance)

	if l.filePath != "" {
		if err := l.saveLocked(); err != nil {
			logging.Get(logging.CategoryBudget).Error("Failed to persist ledger: %v", err)
		}
	}
	return nil
}

// Reserve performs check-then-deduct under a single lock acquisition, so a
// concurrent dispatch can never sneak a spend between the two steps.
func (l *Ledger) Reserve(estimatedCost float64, operation string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkLocked(estimatedCost); err != nil {
		return err
	}
	return l.deductLocked(estimatedCost, operation)
}

// Refund returns an unused portion of a reservation to the balance.
// The balance is capped at the initial budget.
func (l *Ledger) Refund(amount float64, operation string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if amount < 0 {
		return fmt.Errorf("refund must be non-negative, got %.4f", amount)
	}
	l.data.Balance += amount
	if l.data.Balance > l.data.InitialBudget {
		l.data.Balance = l.data.InitialBudget
	}
	l.data.SpendLog = append(l.data.SpendLog, SpendEntry{
		Timestamp:    time.Now().UTC(),
		Operation:    operation + " (refund)",
		Cost:         -amount,
		BalanceAfter: l.data.Balance,
	})

	logging.BudgetDebug("Refund: op=%s amount=$%.4f balance=$%.4f", operation, amount, l.data.Balance)

	if l.filePath != "" {
		if err := l.saveLocked(); err != nil {
			logging.Get(logging.CategoryBudget).Error("Failed to persist ledger: %v", err)
		}
	}
	return nil
}

// Balance returns the current balance.
func (l *Ledger) Balance() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.data.Balance
}

// SpendLog returns a copy of the ordered spend log.
func (l *Ledger) SpendLog() []SpendEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]SpendEntry, len(l.data.SpendLog))
	copy(out, l.data.SpendLog)
	return out
}

// Summarize returns a snapshot for reporting.
func (l *Ledger) Summarize() Summary {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Summary{
		InitialBudget: l.data.InitialBudget,
		Balance:       l.data.Balance,
		Spent:         l.data.InitialBudget - l.data.Balance,
		Operations:    len(l.data.SpendLog),
	}
}

// Save writes the ledger to disk (no-op for in-memory ledgers).
func (l *Ledger) Save() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.filePath == "" {
		return nil
	}
	return l.saveLocked()
}

func (l *Ledger) saveLocked() error {
	dir := filepath.Dir(l.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(l.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(l.filePath, data, 0644)
}
