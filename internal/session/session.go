// Package session holds the live filter state for one analyst view of one
// dataset. A session owns its active filter set and cached result; the
// underlying table and neighbor index are immutable and may be shared
// read-only across sessions of the same dataset.
package session

import (
	"fmt"
	"sync"

	"github.com/wishgale/cytokit/internal/feature"
	"github.com/wishgale/cytokit/internal/filter"
	"github.com/wishgale/cytokit/internal/neighbor"
	"github.com/wishgale/cytokit/internal/sampling"
)

// Result is the (possibly sampled) set of cell identifiers matching the
// active filter set at the time it was computed.
type Result struct {
	IDs        []int64  `json:"ids"`
	Rows       []uint32 `json:"-"`
	Sampled    bool     `json:"sampled"`
	Rate       float64  `json:"rate"`
	MatchCount int      `json:"match_count"`
	Total      int      `json:"total"`
	Signature  uint64   `json:"-"`
}

// Config describes a session to open.
type Config struct {
	DatasetID string
	Table     *feature.Table
	Index     *neighbor.Index
	Sampling  sampling.Config
}

// Session serializes filter mutation and result computation for one view.
type Session struct {
	datasetID string
	table     *feature.Table
	index     *neighbor.Index
	sampling  sampling.Config

	mu      sync.Mutex
	filters *filter.Set
	cached  *Result
	closed  bool
}

// Open validates the configuration and creates a session with an empty
// active filter set. Validation failures surface here, before any
// interactive use begins.
func Open(cfg Config) (*Session, error) {
	if cfg.Table == nil {
		return nil, fmt.Errorf("session requires a loaded feature table")
	}
	if cfg.Index == nil {
		return nil, fmt.Errorf("session requires a built neighbor index")
	}
	if err := cfg.Sampling.Validate(); err != nil {
		return nil, err
	}
	return &Session{
		datasetID: cfg.DatasetID,
		table:     cfg.Table,
		index:     cfg.Index,
		sampling:  cfg.Sampling,
		filters:   filter.NewSet(),
	}, nil
}

// DatasetID returns the dataset this session views.
func (s *Session) DatasetID() string { return s.datasetID }

// Table returns the session's feature table for read-only lookups.
func (s *Session) Table() *feature.Table { return s.table }

// Index returns the session's neighbor index.
func (s *Session) Index() *neighbor.Index { return s.index }

// ApplyFilter adds or replaces the named filter. The predicate's column is
// checked against the table immediately so a bad filter fails at the point
// of misuse and leaves the active set, and any cached result, untouched.
func (s *Session) ApplyFilter(name string, p filter.Predicate) error {
	if p.Kind() != filter.KindNeighborCount && !s.table.HasColumn(p.Column()) {
		return &feature.UnknownColumnError{Column: p.Column()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("session %s is closed", s.datasetID)
	}
	s.filters.Apply(name, p)
	s.cached = nil
	return nil
}

// RemoveFilter deletes the named filter. Removing an absent name is a no-op.
func (s *Session) RemoveFilter(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.filters.Remove(name) {
		s.cached = nil
	}
}

// Filters returns a snapshot of the active filter set.
func (s *Session) Filters() *filter.Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filters.Clone()
}

// CurrentResult returns the result for the active filter set, recomputing
// lazily after mutations. Computation is serialized under the session mutex,
// so no two recomputations for this session overlap and bursts of rapid
// filter edits coalesce into one recomputation on the next poll. Evaluation
// failure leaves the previously cached result valid.
func (s *Session) CurrentResult() (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("session %s is closed", s.datasetID)
	}
	if s.cached != nil {
		return s.cached, nil
	}

	match, err := filter.Evaluate(s.table, s.index, s.filters)
	if err != nil {
		return nil, err
	}

	sig := s.filters.Signature()
	seed := sampling.Seed(s.datasetID, sig)
	rows, sampled, rate, err := sampling.Reduce(match, s.sampling, seed)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, len(rows))
	for i, row := range rows {
		ids[i] = s.table.IDAt(row)
	}

	s.cached = &Result{
		IDs:        ids,
		Rows:       rows,
		Sampled:    sampled,
		Rate:       rate,
		MatchCount: int(match.GetCardinality()),
		Total:      s.table.RowCount(),
		Signature:  sig,
	}
	return s.cached, nil
}

// Close ends the session. The table and index stay valid for other sessions.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cached = nil
}
