package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/omochice/socket-chat/internal/chat"
)

// CreateGroup creates a group and returns its id. Membership of the creator
// is added separately.
func (s *Store) CreateGroup(ctx context.Context, name, creator string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO chat_groups (name, creator) VALUES (?, ?)`, name, creator)
	if err != nil {
		return 0, fmt.Errorf("failed to create group: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read group id: %w", err)
	}
	return id, nil
}

// AddMember adds username to the group. Adding an existing member succeeds.
func (s *Store) AddMember(ctx context.Context, groupID int64, username string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM chat_groups WHERE id = ?`, groupID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up group: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO group_members (group_id, username) VALUES (?, ?)`,
		groupID, username,
	)
	if isConstraint(err) {
		// The group was deleted concurrently.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to add member: %w", err)
	}
	return true, nil
}

// RemoveMember removes username from the group.
func (s *Store) RemoveMember(ctx context.Context, groupID int64, username string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM group_members WHERE group_id = ? AND username = ?`,
		groupID, username,
	)
	if err != nil {
		return false, fmt.Errorf("failed to remove member: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to remove member: %w", err)
	}
	return n > 0, nil
}

// GroupMembers lists members in join order.
func (s *Store) GroupMembers(ctx context.Context, groupID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT username FROM group_members WHERE group_id = ? ORDER BY rowid`,
		groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, name)
	}
	return members, rows.Err()
}

// DeleteGroup deletes the group when requester is its creator. Memberships
// cascade; stored group messages are kept.
func (s *Store) DeleteGroup(ctx context.Context, groupID int64, requester string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM chat_groups WHERE id = ? AND creator = ?`,
		groupID, requester,
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete group: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete group: %w", err)
	}
	return n > 0, nil
}

// Groups lists all groups by id.
func (s *Store) Groups(ctx context.Context) ([]chat.Group, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, creator FROM chat_groups ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	defer rows.Close()

	var groups []chat.Group
	for rows.Next() {
		var g chat.Group
		if err := rows.Scan(&g.ID, &g.Name, &g.Creator); err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}
