package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Transfer records a change of holder on a resource.
type Transfer struct {
	ID        int64     `json:"id"`
	Resource  string    `json:"resource"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) SaveTransfer(t *Transfer) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	result, err := s.db.Exec(`
		INSERT INTO resource_transfers (resource, from_agent, to_agent, reason, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		t.Resource, t.From, t.To, t.Reason, t.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save transfer: %w", err)
	}
	t.ID, _ = result.LastInsertId()
	return nil
}

// ListTransfers returns the recent transfers of a resource, newest first.
func (s *Store) ListTransfers(resource string, limit int) ([]Transfer, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT `+transferColumns+`
		FROM resource_transfers
		WHERE resource = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, resource, limit)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()
	return collect(rows, scanTransfer)
}

const transferColumns = `id, resource, from_agent, to_agent, reason, created_at`

func scanTransfer(sc scanner) (Transfer, error) {
	var t Transfer
	var from, to sql.NullString
	if err := sc.Scan(&t.ID, &t.Resource, &from, &to, &t.Reason, &t.CreatedAt); err != nil {
		return t, fmt.Errorf("scan transfer: %w", err)
	}
	t.From = from.String
	t.To = to.String
	return t, nil
}
