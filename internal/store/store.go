// Package store implements the Task Store: the single mutex-guarded,
// whole-file-overwritten mapping of flavor to TaskRecord that is the
// scheduler's source of truth.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"

	"flavorsched/internal/logging"
	"flavorsched/internal/model"
	"flavorsched/internal/queue"
)

// ErrLockTimeout is returned when the store mutex cannot be acquired
// within the configured timeout.
var ErrLockTimeout = errors.New("store: lock acquisition timed out")

const acquireTimeout = 60 * time.Second

// AttemptRecorder receives a best-effort notification of every attempt
// result the store persists. Implemented by internal/audit; store never
// reads it back, so a failing or nil recorder cannot affect scheduling.
type AttemptRecorder interface {
	RecordAttempt(entry model.AuditEntry)
}

// Store is the persistent flavor -> TaskRecord mapping.
type Store struct {
	mu       syncTryMutex
	path     string
	tasks    map[string]*model.TaskRecord
	log      *logging.Logger
	recorder AttemptRecorder
}

// New creates a Store backed by the TOML file at path. The file is not
// read until Load is called.
func New(path string) *Store {
	return &Store{
		path:  path,
		tasks: make(map[string]*model.TaskRecord),
		log:   logging.Get(logging.CategoryStore),
	}
}

// SetRecorder installs an AttemptRecorder for the Audit Trail sidecar.
func (s *Store) SetRecorder(r AttemptRecorder) {
	s.recorder = r
}

// Load reads the task list file if it exists; a missing file is treated
// as an empty task list.
func (s *Store) Load() error {
	if err := s.mu.Acquire(acquireTimeout); err != nil {
		return err
	}
	defer s.mu.Release()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read task list: %w", err)
	}

	var onDisk map[string]model.TaskRecord
	if err := toml.Unmarshal(data, &onDisk); err != nil {
		return fmt.Errorf("parse task list: %w", err)
	}
	for flavor, rec := range onDisk {
		r := rec
		s.tasks[flavor] = &r
	}
	return nil
}

// saveLocked overwrites the task list file. Caller must hold the mutex.
func (s *Store) saveLocked() error {
	out := make(map[string]model.TaskRecord, len(s.tasks))
	for flavor, rec := range s.tasks {
		out[flavor] = *rec
	}
	data, err := toml.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal task list: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create task list directory: %w", err)
		}
	}
	return os.WriteFile(s.path, data, 0644)
}

// Snapshot returns a deep, read-only copy of the current mapping.
func (s *Store) Snapshot() (map[string]model.TaskRecord, error) {
	if err := s.mu.Acquire(acquireTimeout); err != nil {
		return nil, err
	}
	defer s.mu.Release()

	out := make(map[string]model.TaskRecord, len(s.tasks))
	for flavor, rec := range s.tasks {
		out[flavor] = rec.Clone()
	}
	return out, nil
}

// Audit performs the producer's per-tick scan: it enqueues newly
// observed or stuck-TOBERUN flavors, deduplicates the WAITING queue, and
// finalizes WITHDRAWING flavors as WITHDRAWN. It returns whether any
// record changed, in which case the file has already been persisted.
func (s *Store) Audit(q *queue.Queue) (bool, error) {
	if err := s.mu.Acquire(acquireTimeout); err != nil {
		return false, err
	}
	defer s.mu.Release()

	mutated := false
	for flavor, rec := range s.tasks {
		switch rec.EffectiveStatus() {
		case model.StatusToBeRun:
			q.Push(flavor)
			rec.Status = model.StatusWaiting
			mutated = true
		case model.StatusWaiting:
			switch q.Count(flavor) {
			case 0:
				q.Push(flavor)
			default:
				q.PruneToOne(flavor)
			}
		case model.StatusWithdrawing:
			q.RemoveAll(flavor)
			rec.Status = model.StatusWithdrawn
			mutated = true
		}
	}

	if mutated {
		if err := s.saveLocked(); err != nil {
			return false, err
		}
	}
	return mutated, nil
}

// MarkRunning transitions flavor to RUNNING just before its executor
// attempt starts; it creates the record if the producer hasn't yet, which
// only happens in tests that bypass the producer loop.
func (s *Store) MarkRunning(flavor string) error {
	if err := s.mu.Acquire(acquireTimeout); err != nil {
		return err
	}
	defer s.mu.Release()

	rec, ok := s.tasks[flavor]
	if !ok {
		rec = &model.TaskRecord{}
		s.tasks[flavor] = rec
	}
	rec.Status = model.StatusRunning
	return s.saveLocked()
}

// Update merges one attempt's fields into flavor's record. If retry is
// true and the counter named by counterName is still positive, the record
// is rebuilt into a fresh TOBERUN record per the retry-mode algorithm:
// the post-merge record (minus its own history) is appended to history,
// the named counter is decremented, and all other attempt fields reset.
// If the counter is already zero, retry mode degrades silently to plain
// mode and the merged fields (normally a terminal FINISHED status) stand.
func (s *Store) Update(attemptID, flavor string, fields model.AttemptFields, retry bool, counterName string) error {
	if err := s.mu.Acquire(acquireTimeout); err != nil {
		return err
	}
	defer s.mu.Release()

	rec, ok := s.tasks[flavor]
	if !ok {
		rec = &model.TaskRecord{}
		s.tasks[flavor] = rec
	}

	rec.Status = fields.Status
	rec.ReturnCode = fields.ReturnCode
	rec.StatusCode = fields.StatusCode
	rec.TimeStart = fields.TimeStart
	rec.TimeStop = fields.TimeStop
	rec.TimeUsed = fields.TimeUsed
	rec.TestLog = fields.TestLog

	// Recorded from the merged, pre-rebuild record: a retry below resets
	// *rec to a fresh TOBERUN placeholder, which must never reach the audit
	// trail in place of the classified outcome it's meant to capture.
	if s.recorder != nil {
		retryClass := counterName
		if retryClass == "" {
			retryClass = "none"
		}
		s.recorder.RecordAttempt(model.AuditEntry{
			AttemptID:  attemptID,
			Flavor:     flavor,
			Seq:        len(rec.History) + 1,
			TimeStart:  fields.TimeStart,
			TimeStop:   fields.TimeStop,
			ReturnCode: fields.ReturnCode,
			StatusCode: fields.StatusCode,
			RetryClass: retryClass,
			Zone:       fields.Zone,
			Sandbox:    fields.Sandbox,
			TestLog:    fields.TestLog,
		})
	}

	if retry {
		counter := s.counterValue(rec, counterName)
		if counter > 0 {
			snap := rec.Snapshot()
			history := append(append([]model.TaskRecord{}, rec.History...), snap)
			testcase := rec.RemainingRetriesTestcase
			resource := rec.RemainingRetriesResource
			switch counterName {
			case "resource":
				resource--
			case "testcase":
				testcase--
			}
			*rec = model.TaskRecord{
				Status:                   model.StatusToBeRun,
				RemainingRetriesTestcase: testcase,
				RemainingRetriesResource: resource,
				History:                  history,
			}
		}
	}

	return s.saveLocked()
}

func (s *Store) counterValue(rec *model.TaskRecord, counterName string) int {
	switch counterName {
	case "resource":
		return rec.RemainingRetriesResource
	case "testcase":
		return rec.RemainingRetriesTestcase
	default:
		return 0
	}
}

// ApplyPatch validates a PatchRecord against flavor's current status (per
// the Patch Intake transition table) and merges it in. Non-action fields
// (the retry counters) are merged regardless of the action's validity.
func (s *Store) ApplyPatch(flavor string, p model.PatchRecord) error {
	if err := s.mu.Acquire(acquireTimeout); err != nil {
		return err
	}
	defer s.mu.Release()

	rec, ok := s.tasks[flavor]
	if !ok {
		rec = &model.TaskRecord{}
		s.tasks[flavor] = rec
	}

	var transitionErr error
	switch p.Action {
	case "":
		// no status change requested
	case model.ActionSchedule:
		switch rec.EffectiveStatus() {
		case model.StatusToBeRun, model.StatusFinished, model.StatusWithdrawn:
			rec.Status = model.StatusToBeRun
		default:
			transitionErr = fmt.Errorf("SCHEDULE not allowed from status %s", rec.EffectiveStatus())
		}
	case model.ActionWithdraw:
		switch rec.EffectiveStatus() {
		case model.StatusWaiting:
			rec.Status = model.StatusWithdrawing
		default:
			transitionErr = fmt.Errorf("WITHDRAW not allowed from status %s", rec.EffectiveStatus())
		}
	default:
		transitionErr = fmt.Errorf("unknown patch action %q", p.Action)
	}

	if p.RemainingRetriesTestcase != nil {
		rec.RemainingRetriesTestcase = *p.RemainingRetriesTestcase
	}
	if p.RemainingRetriesResource != nil {
		rec.RemainingRetriesResource = *p.RemainingRetriesResource
	}

	if err := s.saveLocked(); err != nil {
		return err
	}
	return transitionErr
}
