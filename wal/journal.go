package wal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yairfalse/cellar/pkg/topology"
)

// ErrRunNotFound is returned when the journal holds no matching run.
var ErrRunNotFound = errors.New("run not found")

// RunSummary is written once a run's topology is finalized and stored.
type RunSummary struct {
	Digest        string `json:"digest"`
	Revision      int64  `json:"revision"`
	Cells         int    `json:"cells"`
	ResourceSets  int    `json:"resource_sets"`
	Registrations int    `json:"registrations"`
}

// Journal writes the entries of one synthesis run.
type Journal struct {
	wal *WAL
	run string
}

// Begin starts a new run and records the controller props it was built with.
func Begin(w *WAL, props topology.Props) (*Journal, error) {
	j := &Journal{wal: w, run: uuid.NewString()}
	if err := w.Append(EntryStarted, j.run, props); err != nil {
		return nil, fmt.Errorf("failed to begin run: %w", err)
	}
	return j, nil
}

// Run returns the run identifier.
func (j *Journal) Run() string {
	return j.run
}

// Record writes every parameter and registration held by ctl, in
// registration order.
func (j *Journal) Record(ctl *topology.RecoveryController) error {
	for _, p := range ctl.Parameters() {
		if err := j.wal.Append(EntryParameter, j.run, p); err != nil {
			return fmt.Errorf("failed to journal parameter %s: %w", p.Name, err)
		}
	}
	for _, r := range ctl.Registrations() {
		if err := j.wal.Append(EntryRegistered, j.run, r); err != nil {
			return fmt.Errorf("failed to journal registration %s: %w", r.Locator, err)
		}
	}
	return nil
}

// Rejected records a registration the controller refused.
func (j *Journal) Rejected(r topology.Registration, cause error) error {
	return j.wal.AppendError(EntryRejected, j.run, r, cause)
}

// Finalized closes the run successfully.
func (j *Journal) Finalized(summary RunSummary) error {
	return j.wal.Append(EntryFinalized, j.run, summary)
}

// Failed closes the run with an error.
func (j *Journal) Failed(cause error) error {
	return j.wal.AppendError(EntryFailed, j.run, nil, cause)
}

// Run is a synthesis run reassembled from the journal.
type Run struct {
	ID            string                  `json:"id"`
	StartedAt     time.Time               `json:"started_at"`
	Props         topology.Props          `json:"props"`
	Parameters    []topology.Parameter    `json:"parameters,omitempty"`
	Registrations []topology.Registration `json:"registrations"`
	Rejected      int                     `json:"rejected"`
	Summary       *RunSummary             `json:"summary,omitempty"`
	Error         string                  `json:"error,omitempty"`
}

// Finished reports whether the run reached a final entry.
func (r *Run) Finished() bool {
	return r.Summary != nil || r.Error != ""
}

// Controller rebuilds an unfinalized controller holding the run's
// parameters and registrations.
func (r *Run) Controller(opts ...topology.Option) (*topology.RecoveryController, error) {
	ctl := topology.New(r.Props, opts...)
	for _, p := range r.Parameters {
		ctl.AddParameter(p.Name, p.Description)
	}
	for _, reg := range r.Registrations {
		if err := ctl.Register(reg.Type, reg.Locator, reg.Cell); err != nil {
			return nil, fmt.Errorf("failed to replay registration %s: %w", reg.Locator, err)
		}
	}
	return ctl, nil
}

// ListRuns reads every run in dir, oldest first.
func ListRuns(dir string) ([]*Run, error) {
	var (
		runs  []*Run
		index = make(map[string]*Run)
	)

	err := Replay(dir, time.Time{}, func(e *Entry) error {
		if e.Run == "" {
			return nil
		}
		run, ok := index[e.Run]
		if !ok {
			run = &Run{ID: e.Run, StartedAt: e.Timestamp}
			index[e.Run] = run
			runs = append(runs, run)
		}
		return run.apply(e)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	return runs, nil
}

// LoadRun returns the run with the given ID, or the newest run when id is
// empty.
func LoadRun(dir, id string) (*Run, error) {
	runs, err := ListRuns(dir)
	if err != nil {
		return nil, err
	}
	if id == "" {
		if len(runs) == 0 {
			return nil, ErrRunNotFound
		}
		return runs[len(runs)-1], nil
	}
	for _, r := range runs {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, fmt.Errorf("run %s: %w", id, ErrRunNotFound)
}

func (r *Run) apply(e *Entry) error {
	switch e.Type {
	case EntryStarted:
		r.StartedAt = e.Timestamp
		return decode(e, &r.Props)
	case EntryParameter:
		var p topology.Parameter
		if err := decode(e, &p); err != nil {
			return err
		}
		r.Parameters = append(r.Parameters, p)
	case EntryRegistered:
		var reg topology.Registration
		if err := decode(e, &reg); err != nil {
			return err
		}
		r.Registrations = append(r.Registrations, reg)
	case EntryRejected:
		r.Rejected++
	case EntryFinalized:
		r.Summary = &RunSummary{}
		return decode(e, r.Summary)
	case EntryFailed:
		r.Error = e.Error
	}
	return nil
}

func decode(e *Entry, v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("entry %d: failed to decode %s: %w", e.Sequence, e.Type, err)
	}
	return nil
}
