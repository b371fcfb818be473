package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flitsinc/go-hostagent/internal/a2a"
	"github.com/flitsinc/go-hostagent/internal/idgen"
)

type RemoteAgentRecord struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	URL          string        `json:"url"`
	Card         a2a.AgentCard `json:"card"`
	IsActive     bool          `json:"is_active"`
	RegisteredAt time.Time     `json:"registered_at"`
	LastSeen     *time.Time    `json:"last_seen,omitempty"`
}

// RegisterRemoteAgent upserts a remote agent by name. Re-registering updates
// the URL and card, reactivates the record, and refreshes last_seen.
func (s *Store) RegisterRemoteAgent(ctx context.Context, card a2a.AgentCard) (RemoteAgentRecord, error) {
	if card.Name == "" {
		return RemoteAgentRecord{}, fmt.Errorf("agent name is required")
	}
	if card.URL == "" {
		return RemoteAgentRecord{}, fmt.Errorf("agent url is required")
	}
	cardJSON, err := encodeJSON(card)
	if err != nil {
		return RemoteAgentRecord{}, fmt.Errorf("encode card: %w", err)
	}
	now := s.now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO remote_agents (id, name, url, card, is_active, registered_at, last_seen)
		VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			url = excluded.url,
			card = excluded.card,
			is_active = 1,
			last_seen = excluded.last_seen
	`, idgen.New(), card.Name, card.URL, cardJSON,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return RemoteAgentRecord{}, fmt.Errorf("register remote agent: %w", err)
	}
	return s.GetRemoteAgent(ctx, card.Name)
}

func (s *Store) GetRemoteAgent(ctx context.Context, name string) (RemoteAgentRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, url, card, is_active, registered_at, last_seen
		FROM remote_agents WHERE name = ?
	`, name)
	rec, err := scanRemoteAgent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RemoteAgentRecord{}, notFound("remote agent", name)
		}
		return RemoteAgentRecord{}, fmt.Errorf("load remote agent: %w", err)
	}
	return rec, nil
}

func (s *Store) ListRemoteAgents(ctx context.Context, activeOnly bool) ([]RemoteAgentRecord, error) {
	query := `SELECT id, name, url, card, is_active, registered_at, last_seen FROM remote_agents`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY registered_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list remote agents: %w", err)
	}
	defer rows.Close()

	var out []RemoteAgentRecord
	for rows.Next() {
		rec, err := scanRemoteAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan remote agent: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate remote agents: %w", err)
	}
	return out, nil
}

// DeactivateRemoteAgent soft-deletes a registration. History stays
// attributable to the agent name.
func (s *Store) DeactivateRemoteAgent(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE remote_agents SET is_active = 0 WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deactivate remote agent: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return notFound("remote agent", name)
	}
	return nil
}

func scanRemoteAgent(row rowScanner) (RemoteAgentRecord, error) {
	var rec RemoteAgentRecord
	var cardStr, registeredAtStr string
	var lastSeenStr sql.NullString
	var isActive int
	if err := row.Scan(&rec.ID, &rec.Name, &rec.URL, &cardStr, &isActive, &registeredAtStr, &lastSeenStr); err != nil {
		return RemoteAgentRecord{}, err
	}
	rec.IsActive = isActive != 0
	rec.RegisteredAt, _ = time.Parse(time.RFC3339Nano, registeredAtStr)
	if lastSeenStr.Valid && lastSeenStr.String != "" {
		if ts, err := time.Parse(time.RFC3339Nano, lastSeenStr.String); err == nil {
			rec.LastSeen = &ts
		}
	}
	_ = json.Unmarshal([]byte(cardStr), &rec.Card)
	return rec, nil
}
