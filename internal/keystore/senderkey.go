package keystore

import (
	"database/sql"
	"errors"
	"fmt"
)

// SaveSenderKey stores a channel sender key for (channelID, userID).
func (s *Store) SaveSenderKey(channelID, userID string, key []byte) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO sender_key (channel_id, user_id, key) VALUES (?, ?, ?)",
		channelID, userID, key,
	)
	if err != nil {
		return fmt.Errorf("keystore: save sender key: %w", err)
	}
	return nil
}

// LoadSenderKey loads the sender key for (channelID, userID).
// Returns nil, nil if absent.
func (s *Store) LoadSenderKey(channelID, userID string) ([]byte, error) {
	var key []byte
	err := s.db.QueryRow(
		"SELECT key FROM sender_key WHERE channel_id = ? AND user_id = ?",
		channelID, userID,
	).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: load sender key: %w", err)
	}
	return key, nil
}

// HasSenderKey reports whether a sender key exists for (channelID, userID).
func (s *Store) HasSenderKey(channelID, userID string) (bool, error) {
	key, err := s.LoadSenderKey(channelID, userID)
	return key != nil, err
}

// ChannelsWithSenderKey returns the channels in which the given user has a
// stored sender key. Used after an identity reset to know which channels need
// redistribution.
func (s *Store) ChannelsWithSenderKey(userID string) ([]string, error) {
	rows, err := s.db.Query(
		"SELECT channel_id FROM sender_key WHERE user_id = ?", userID,
	)
	if err != nil {
		return nil, fmt.Errorf("keystore: channels with sender key: %w", err)
	}
	defer rows.Close()

	var channels []string
	for rows.Next() {
		var ch string
		if err := rows.Scan(&ch); err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// AddDistributedMember records that a member holds our current sender key for
// a channel.
func (s *Store) AddDistributedMember(channelID, userID string) error {
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO distributed_member (channel_id, user_id) VALUES (?, ?)",
		channelID, userID,
	)
	if err != nil {
		return fmt.Errorf("keystore: add distributed member: %w", err)
	}
	return nil
}

// DistributedMembers returns the set of members known to hold our current
// sender key for a channel. This is a cache, not a source of truth: losing it
// only causes a harmless re-distribution.
func (s *Store) DistributedMembers(channelID string) (map[string]bool, error) {
	rows, err := s.db.Query(
		"SELECT user_id FROM distributed_member WHERE channel_id = ?", channelID,
	)
	if err != nil {
		return nil, fmt.Errorf("keystore: distributed members: %w", err)
	}
	defer rows.Close()

	members := make(map[string]bool)
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		members[uid] = true
	}
	return members, rows.Err()
}

// ClearDistributedMembers forgets who holds our sender key for one channel.
// Called when the key changes: every member needs a fresh copy.
func (s *Store) ClearDistributedMembers(channelID string) error {
	_, err := s.db.Exec("DELETE FROM distributed_member WHERE channel_id = ?", channelID)
	if err != nil {
		return fmt.Errorf("keystore: clear distributed members: %w", err)
	}
	return nil
}

// ClearAllDistributedMembers forgets distribution state for every channel.
func (s *Store) ClearAllDistributedMembers() error {
	_, err := s.db.Exec("DELETE FROM distributed_member")
	if err != nil {
		return fmt.Errorf("keystore: clear all distributed members: %w", err)
	}
	return nil
}
