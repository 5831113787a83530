// Package state implements StoreSync's durable per-store StateStore:
// the SKU -> {quantity, enabled, price, lastSeen, synced} mapping that
// anchors every diff (spec.md §4.1). Grounded on the teacher's
// atomic-write discipline in internal/adapters/storage, generalized
// from a Postgres-backed repository to the flat-JSON-file contract
// spec.md mandates: the file-absent-vs-corrupt distinction this system
// depends on would be blurred behind a database round-trip.
package state

import (
	"fmt"
	"path/filepath"

	"github.com/athebyme/storesync/internal/atomicfile"
	"github.com/athebyme/storesync/internal/domain/models"
	"github.com/athebyme/storesync/internal/ports"
)

// Store owns the on-disk state files for every store id. Only one
// writer per store id is permitted; the Scheduler enforces that
// invariant by construction (it never fans out sync runs).
type Store struct {
	dir    string
	mode   atomicfile.WriteMode
	logger ports.LoggerPort
}

// New creates a Store rooted at dir (conventionally "state/"). mode
// selects atomic (default) or direct writes.
func New(dir string, mode atomicfile.WriteMode, logger ports.LoggerPort) *Store {
	return &Store{dir: dir, mode: mode, logger: logger}
}

func (s *Store) primaryPath(storeID int) string {
	return filepath.Join(s.dir, fmt.Sprintf(".state-store-%d.json", storeID))
}

func (s *Store) backupPath(storeID int) string {
	return s.primaryPath(storeID) + ".bak"
}

// Exists reports whether a store has any persisted state at all. Used
// by the HybridOrchestrator to decide whether to no-op.
func (s *Store) Exists(storeID int) bool {
	return atomicfile.Exists(s.primaryPath(storeID))
}

// Load implements the correctness-critical load protocol from
// spec.md §4.1:
//   - primary absent -> empty map, no backup consulted (forces
//     force-full on the caller side, see SyncEngine).
//   - primary present but invalid -> consult backup; valid backup wins
//     (logged as a warning); both invalid -> empty map (logged as an
//     error).
func (s *Store) Load(storeID int) (models.StateMap, error) {
	primary := s.primaryPath(storeID)

	if !atomicfile.Exists(primary) {
		return models.StateMap{}, nil
	}

	var m models.StateMap
	if err := atomicfile.ReadJSON(primary, &m); err == nil && validate(m) {
		return m, nil
	}

	backup := s.backupPath(storeID)
	if atomicfile.Exists(backup) {
		var b models.StateMap
		if err := atomicfile.ReadJSON(backup, &b); err == nil && validate(b) {
			s.warnf("primary state for store %d is unparseable or invalid, recovered from backup", storeID)
			return b, nil
		}
	}

	s.errorf("primary and backup state for store %d are both unparseable or invalid, starting from empty state", storeID)
	return models.StateMap{}, nil
}

// Save persists m as the new primary state for storeID, crash-atomic.
// A prior primary is best-effort copied to the backup path first. Save
// failures are logged and non-fatal: the previous file is left intact
// and the next run simply re-diffs from it (spec.md §4.1, §7).
func (s *Store) Save(storeID int, m models.StateMap) error {
	primary := s.primaryPath(storeID)
	atomicfile.BackupBeforeWrite(primary, s.backupPath(storeID), s.warnf1)

	if err := atomicfile.WriteJSON(primary, m, s.mode, s.warnf1); err != nil {
		s.errorf("failed to save state for store %d: %v", storeID, err)
		return fmt.Errorf("save state for store %d: %w", storeID, err)
	}
	return nil
}

// Delete removes a store's primary state file (but not its backup),
// used by operator tooling to force the next sync into force-full mode
// (spec.md §8 invariant 10).
func (s *Store) Delete(storeID int) error {
	return atomicfile.Delete(s.primaryPath(storeID))
}

func validate(m models.StateMap) bool {
	if m == nil {
		return false
	}
	for _, e := range m {
		if !e.Valid() {
			return false
		}
	}
	return true
}

func (s *Store) warnf(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Warn(fmt.Sprintf(format, args...))
	}
}

func (s *Store) warnf1(msg string) {
	if s.logger != nil {
		s.logger.Warn(msg)
	}
}

func (s *Store) errorf(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Error(fmt.Sprintf(format, args...))
	}
}

// Checkpoints manages the optional per-store checkpoint file used for
// crash recovery of long initial pushes (spec.md §3, §4.7 step 11).
// Structurally identical to Store but keyed separately and without a
// backup file.
type Checkpoints struct {
	dir    string
	mode   atomicfile.WriteMode
	logger ports.LoggerPort
}

func NewCheckpoints(dir string, mode atomicfile.WriteMode, logger ports.LoggerPort) *Checkpoints {
	return &Checkpoints{dir: dir, mode: mode, logger: logger}
}

func (c *Checkpoints) path(storeID int) string {
	return filepath.Join(c.dir, fmt.Sprintf(".checkpoint-store-%d.json", storeID))
}

func (c *Checkpoints) Load(storeID int) (*models.CheckpointRecord, bool) {
	var rec models.CheckpointRecord
	if err := atomicfile.ReadJSON(c.path(storeID), &rec); err != nil {
		return nil, false
	}
	return &rec, true
}

func (c *Checkpoints) Save(rec models.CheckpointRecord) error {
	if err := atomicfile.WriteJSON(c.path(rec.StoreID), rec, c.mode, nil); err != nil {
		if c.logger != nil {
			c.logger.Warn(fmt.Sprintf("failed to save checkpoint for store %d: %v", rec.StoreID, err))
		}
		return err
	}
	return nil
}

func (c *Checkpoints) Delete(storeID int) error {
	return atomicfile.Delete(c.path(storeID))
}

// ProgressWriter persists the BackgroundWorker's progress file
// (.bg-worker-progress-<id>.json).
type ProgressWriter struct {
	dir  string
	mode atomicfile.WriteMode
}

func NewProgressWriter(dir string, mode atomicfile.WriteMode) *ProgressWriter {
	return &ProgressWriter{dir: dir, mode: mode}
}

func (p *ProgressWriter) path(storeID int) string {
	return filepath.Join(p.dir, fmt.Sprintf(".bg-worker-progress-%d.json", storeID))
}

func (p *ProgressWriter) Save(storeID int, progress models.BackgroundProgress) error {
	return atomicfile.WriteJSON(p.path(storeID), progress, p.mode, nil)
}
