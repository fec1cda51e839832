// Package budget tracks per-agent LLM spend against daily and monthly
// UTC-calendar limits and persists the cost ledger to disk.
package budget

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// costLogFile is the ledger file name inside the session directory.
const costLogFile = "cost-log.json"

// CostEntry is one billing record. Timestamp is ISO-8601 UTC; daily and
// monthly buckets are computed by string prefix (YYYY-MM-DD / YYYY-MM).
type CostEntry struct {
	AgentID       string  `json:"agentId"`
	CostUSD       float64 `json:"costUsd"`
	ProjectNumber int     `json:"projectNumber"`
	Timestamp     string  `json:"timestamp"`
}

// Status is a derived snapshot of the tracker. Remaining values are
// clamped to zero.
type Status struct {
	DailySpend       float64 `json:"dailySpend"`
	MonthlySpend     float64 `json:"monthlySpend"`
	DailyLimit       float64 `json:"dailyLimit"`
	MonthlyLimit     float64 `json:"monthlyLimit"`
	DailyRemaining   float64 `json:"dailyRemaining"`
	MonthlyRemaining float64 `json:"monthlyRemaining"`
	IsWithinBudget   bool    `json:"isWithinBudget"`
}

// ExceededCallback is invoked synchronously from RecordCost whenever an
// insert lands while the budget predicate is violated. Callbacks run
// with the tracker lock released; they must not block on locks held by
// agent loops (see orchestrator wiring).
type ExceededCallback func(Status)

// Tracker is the shared cost ledger. All mutating calls are serialized
// by an internal mutex; readers may observe spend at any time.
type Tracker struct {
	mu           sync.Mutex
	dailyLimit   float64
	monthlyLimit float64
	dir          string
	entries      []CostEntry
	callbacks    []ExceededCallback

	now func() time.Time // test hook
}

// NewTracker creates a tracker with the given limits. dir is the
// session directory the ledger is persisted into.
func NewTracker(dailyLimit, monthlyLimit float64, dir string) *Tracker {
	return &Tracker{
		dailyLimit:   dailyLimit,
		monthlyLimit: monthlyLimit,
		dir:          dir,
		now:          time.Now,
	}
}

// OnExceeded registers a callback fired on every limit crossing.
func (t *Tracker) OnExceeded(cb ExceededCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, cb)
}

// RecordCost appends a cost entry with a fresh UTC timestamp. If the
// insert leaves the tracker over either limit, every registered
// exceeded-callback is dispatched synchronously before returning.
func (t *Tracker) RecordCost(agentID string, costUSD float64, projectNumber int) {
	t.mu.Lock()
	entry := CostEntry{
		AgentID:       agentID,
		CostUSD:       costUSD,
		ProjectNumber: projectNumber,
		Timestamp:     t.now().UTC().Format(time.RFC3339),
	}
	t.entries = append(t.entries, entry)

	status := t.statusLocked()
	var callbacks []ExceededCallback
	if !status.IsWithinBudget {
		callbacks = make([]ExceededCallback, len(t.callbacks))
		copy(callbacks, t.callbacks)
	}
	t.mu.Unlock()

	// Dispatch with the lock released so callbacks may read the tracker.
	for _, cb := range callbacks {
		cb(status)
	}
}

// IsWithinBudget reports whether both daily and monthly spend are
// strictly below their limits.
func (t *Tracker) IsWithinBudget() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusLocked().IsWithinBudget
}

// GetDailySpend returns the sum of entries recorded today (UTC).
func (t *Tracker) GetDailySpend() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spendLocked(t.now().UTC().Format("2006-01-02"))
}

// GetMonthlySpend returns the sum of entries recorded this month (UTC).
func (t *Tracker) GetMonthlySpend() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spendLocked(t.now().UTC().Format("2006-01"))
}

// GetBudgetStatus returns a derived snapshot.
func (t *Tracker) GetBudgetStatus() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusLocked()
}

// Entries returns a copy of the ledger.
func (t *Tracker) Entries() []CostEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]CostEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// PersistToFile writes the ledger to <dir>/cost-log.json atomically
// (temp file + rename).
func (t *Tracker) PersistToFile() error {
	t.mu.Lock()
	entries := make([]CostEntry, len(t.entries))
	copy(entries, t.entries)
	t.mu.Unlock()

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cost log: %w", err)
	}

	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	target := filepath.Join(t.dir, costLogFile)
	tmp, err := os.CreateTemp(t.dir, costLogFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp cost log: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write cost log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close cost log: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename cost log: %w", err)
	}
	return nil
}

// LoadFromFile replaces the in-memory ledger with the persisted one.
// A missing file is a no-op. A corrupt file logs a warning and resets
// the ledger to empty; it never returns a parse error.
func (t *Tracker) LoadFromFile() error {
	path := filepath.Join(t.dir, costLogFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read cost log: %w", err)
	}

	var entries []CostEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		slog.Warn("Cost log is corrupt, resetting ledger", "path", path, "error", err)
		entries = nil
	}

	t.mu.Lock()
	t.entries = entries
	t.mu.Unlock()
	return nil
}

func (t *Tracker) spendLocked(prefix string) float64 {
	var sum float64
	for _, e := range t.entries {
		if strings.HasPrefix(e.Timestamp, prefix) {
			sum += e.CostUSD
		}
	}
	return sum
}

func (t *Tracker) statusLocked() Status {
	now := t.now().UTC()
	daily := t.spendLocked(now.Format("2006-01-02"))
	monthly := t.spendLocked(now.Format("2006-01"))
	return Status{
		DailySpend:       daily,
		MonthlySpend:     monthly,
		DailyLimit:       t.dailyLimit,
		MonthlyLimit:     t.monthlyLimit,
		DailyRemaining:   max(t.dailyLimit-daily, 0),
		MonthlyRemaining: max(t.monthlyLimit-monthly, 0),
		IsWithinBudget:   daily < t.dailyLimit && monthly < t.monthlyLimit,
	}
}
