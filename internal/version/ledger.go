// Package version owns the on-disk record of what release is installed on
// the appliance. The record is the contract between the update path (which
// writes it) and the web dashboard (which only reads it), so the JSON field
// names are fixed.
package version

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Unknown is reported when no ledger file exists yet (fresh install,
// pre-first-update image).
const Unknown = "unknown"

// Record is the dashboard-facing version ledger.
type Record struct {
	CurrentVersion  string    `json:"current_version"`
	CurrentSHA      string    `json:"current_sha"`
	UpdateAvailable bool      `json:"update_available"`
	NewVersion      string    `json:"new_version,omitempty"`
	NewSHA          string    `json:"new_sha,omitempty"`
	LastCheck       time.Time `json:"last_check"`
	LastUpdate      time.Time `json:"last_update,omitzero"`
	PreviousVersion string    `json:"previous_version,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
}

// Ledger reads and writes the version record with atomic replace semantics:
// a dashboard read concurrent with an update never observes a torn record.
type Ledger struct {
	path string
	now  func() time.Time
}

func NewLedger(path string) *Ledger {
	return &Ledger{path: path, now: time.Now}
}

// Read returns the current record. A missing ledger file is not an error;
// the record reads as version "unknown" so callers (and the dashboard)
// degrade gracefully on fresh systems.
func (l *Ledger) Read() (Record, error) {
	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return Record{CurrentVersion: Unknown, CurrentSHA: Unknown}, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("read version ledger: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("parse version ledger: %w", err)
	}
	return rec, nil
}

// SetUpToDate records a check that found no new revision.
func (l *Ledger) SetUpToDate(ver, sha string) error {
	rec, err := l.Read()
	if err != nil {
		return err
	}
	rec.CurrentVersion = ver
	rec.CurrentSHA = sha
	rec.UpdateAvailable = false
	rec.NewVersion = ""
	rec.NewSHA = ""
	rec.LastCheck = l.now()
	rec.LastError = ""
	return l.write(rec)
}

// SetUpdateAvailable records a check that found a new target revision.
func (l *Ledger) SetUpdateAvailable(curVer, curSHA, newVer, newSHA string) error {
	rec, err := l.Read()
	if err != nil {
		return err
	}
	rec.CurrentVersion = curVer
	rec.CurrentSHA = curSHA
	rec.UpdateAvailable = true
	rec.NewVersion = newVer
	rec.NewSHA = newSHA
	rec.LastCheck = l.now()
	rec.LastError = ""
	return l.write(rec)
}

// SetApplied records a successful apply of a new release.
func (l *Ledger) SetApplied(newVer, newSHA, prevVer string) error {
	rec, err := l.Read()
	if err != nil {
		return err
	}
	rec.CurrentVersion = newVer
	rec.CurrentSHA = newSHA
	rec.UpdateAvailable = false
	rec.NewVersion = ""
	rec.NewSHA = ""
	rec.LastUpdate = l.now()
	rec.PreviousVersion = prevVer
	rec.LastError = ""
	return l.write(rec)
}

// SetFailedRolledBack records a failed pull-path apply that was rolled back
// to the still-installed revision.
func (l *Ledger) SetFailedRolledBack(curVer, curSHA, targetVer, diagnostic string) error {
	rec, err := l.Read()
	if err != nil {
		return err
	}
	rec.CurrentVersion = curVer
	rec.CurrentSHA = curSHA
	rec.UpdateAvailable = true
	rec.NewVersion = targetVer
	rec.LastError = fmt.Sprintf("update to %s failed and was rolled back: %s", targetVer, diagnostic)
	return l.write(rec)
}

// SetCheckError records a failed connectivity check without touching the
// last known good state.
func (l *Ledger) SetCheckError(diagnostic string) error {
	rec, err := l.Read()
	if err != nil {
		return err
	}
	rec.LastCheck = l.now()
	rec.LastError = fmt.Sprintf("could not check for updates: %s", diagnostic)
	return l.write(rec)
}

func (l *Ledger) write(rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal version ledger: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}

	// Write-then-rename so readers never see a partial record.
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write version ledger: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("replace version ledger: %w", err)
	}
	return nil
}
