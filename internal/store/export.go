package store

import (
	"database/sql"
	"fmt"
	"time"
)

type scanner interface {
	Scan(dest ...any) error
}

func collect[T any](rows *sql.Rows, scan func(scanner) (T, error)) ([]T, error) {
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Record is one journal row as written by an export.
type Record struct {
	Kind string    `json:"kind"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// Journal kinds, in export order.
const (
	KindAssignment = "assignment"
	KindTaskEvent  = "task_event"
	KindBarrier    = "barrier"
	KindCoherence  = "coherence"
	KindBehavior   = "behavior"
	KindTransfer   = "transfer"
)

var journalTables = []struct {
	kind  string
	table string
}{
	{KindAssignment, "assignments"},
	{KindTaskEvent, "task_events"},
	{KindBarrier, "barrier_outcomes"},
	{KindCoherence, "coherence_snapshots"},
	{KindBehavior, "behaviors"},
	{KindTransfer, "resource_transfers"},
}

// Export streams every journal row created at or after since to fn, one
// table at a time in chronological order. It stops at the first error fn
// returns.
func (s *Store) Export(since time.Time, fn func(Record) error) error {
	if err := exportTable(s, KindAssignment, "assignments", assignmentColumns, since, scanAssignment, fn); err != nil {
		return err
	}
	if err := exportTable(s, KindTaskEvent, "task_events", taskEventColumns, since, scanTaskEvent, fn); err != nil {
		return err
	}
	if err := exportTable(s, KindBarrier, "barrier_outcomes", barrierColumns, since, scanBarrierOutcome, fn); err != nil {
		return err
	}
	if err := exportTable(s, KindCoherence, "coherence_snapshots", snapshotColumns, since, scanCoherenceSnapshot, fn); err != nil {
		return err
	}
	if err := exportTable(s, KindBehavior, "behaviors", behaviorColumns, since, scanBehavior, fn); err != nil {
		return err
	}
	return exportTable(s, KindTransfer, "resource_transfers", transferColumns, since, scanTransfer, fn)
}

type timestamped interface {
	Assignment | TaskEvent | BarrierOutcome | CoherenceSnapshot | Behavior | Transfer
}

func createdAt(v any) time.Time {
	switch r := v.(type) {
	case Assignment:
		return r.CreatedAt
	case TaskEvent:
		return r.CreatedAt
	case BarrierOutcome:
		return r.CreatedAt
	case CoherenceSnapshot:
		return r.CreatedAt
	case Behavior:
		return r.CreatedAt
	case Transfer:
		return r.CreatedAt
	}
	return time.Time{}
}

func exportTable[T timestamped](s *Store, kind, table, columns string, since time.Time, scan func(scanner) (T, error), fn func(Record) error) error {
	rows, err := s.db.Query(`SELECT `+columns+` FROM `+table+` WHERE created_at >= ? ORDER BY created_at`, since.UTC())
	if err != nil {
		return fmt.Errorf("export %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return err
		}
		if err := fn(Record{Kind: kind, At: createdAt(v), Data: v}); err != nil {
			return err
		}
	}
	return rows.Err()
}

// PruneBefore deletes journal rows older than cutoff and returns how many
// were removed. The agent roster is left alone.
func (s *Store) PruneBefore(cutoff time.Time) (int64, error) {
	var total int64
	for _, t := range journalTables {
		res, err := s.db.Exec(`DELETE FROM `+t.table+` WHERE created_at < ?`, cutoff.UTC())
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", t.table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// Counts returns the number of rows per journal kind.
func (s *Store) Counts() (map[string]int64, error) {
	out := make(map[string]int64, len(journalTables))
	for _, t := range journalTables {
		var n int64
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM ` + t.table).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", t.table, err)
		}
		out[t.kind] = n
	}
	return out, nil
}
