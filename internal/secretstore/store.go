package secretstore

import (
	"database/sql"
	"fmt"
	"time"
)

// nowFunc is overridden in tests for deterministic timestamps.
var nowFunc = time.Now

// Store owns the SQLite-backed env_private and IM bridge subscription
// tables for the whole daemon (shared across every group, scoped by
// group_id/actor_id columns).
type Store struct {
	db  *sql.DB
	key *[keySize]byte
}

// Open opens (creating and migrating if absent) the secret store at
// dbPath, loading or generating its encryption key at keyPath.
func Open(dbPath, keyPath string) (*Store, error) {
	db, err := openDB(dbPath)
	if err != nil {
		return nil, err
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	key, err := loadOrCreateKey(keyPath)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, key: key}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// SetEnvPrivate encrypts and upserts one actor's private environment
// variable (spec.md §4.2's actor_env_private_update op).
func (s *Store) SetEnvPrivate(groupID, actorID, key, value string) error {
	nonce, ciphertext, err := seal(s.key, value)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO env_private (group_id, actor_id, key, nonce, ciphertext, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (group_id, actor_id, key) DO UPDATE SET
			nonce = excluded.nonce, ciphertext = excluded.ciphertext, updated_at = excluded.updated_at
	`, groupID, actorID, key, nonce, ciphertext, nowFunc().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert env_private: %w", err)
	}
	return nil
}

// DeleteEnvPrivate removes one actor's private environment variable.
func (s *Store) DeleteEnvPrivate(groupID, actorID, key string) error {
	_, err := s.db.Exec(`DELETE FROM env_private WHERE group_id = ? AND actor_id = ? AND key = ?`, groupID, actorID, key)
	if err != nil {
		return fmt.Errorf("delete env_private: %w", err)
	}
	return nil
}

// EnvPrivateKeys returns the configured key names for one actor,
// without decrypting any value (spec.md §4.2: "keys are listable,
// values are never returned over IPC").
func (s *Store) EnvPrivateKeys(groupID, actorID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM env_private WHERE group_id = ? AND actor_id = ? ORDER BY key`, groupID, actorID)
	if err != nil {
		return nil, fmt.Errorf("query env_private keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan env_private key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// EnvPrivateValues decrypts every configured value for one actor, for
// internal use only (actorsup wires this into the spawned process's
// environment; it is never exposed over IPC).
func (s *Store) EnvPrivateValues(groupID, actorID string) (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, nonce, ciphertext FROM env_private WHERE group_id = ? AND actor_id = ?`, groupID, actorID)
	if err != nil {
		return nil, fmt.Errorf("query env_private values: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k string
		var nonce, ciphertext []byte
		if err := rows.Scan(&k, &nonce, &ciphertext); err != nil {
			return nil, fmt.Errorf("scan env_private value: %w", err)
		}
		plaintext, err := open(s.key, nonce, ciphertext)
		if err != nil {
			return nil, fmt.Errorf("decrypt env_private %s: %w", k, err)
		}
		out[k] = plaintext
	}
	return out, rows.Err()
}

// SetBridgeSubscription records that bridgeID forwards channelRef
// traffic into groupID (spec.md §9's IM bridge subscription state).
func (s *Store) SetBridgeSubscription(bridgeID, groupID, channelRef string) error {
	_, err := s.db.Exec(`
		INSERT INTO im_bridge_subscriptions (bridge_id, group_id, channel_ref, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (bridge_id, group_id, channel_ref) DO NOTHING
	`, bridgeID, groupID, channelRef, nowFunc().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert bridge subscription: %w", err)
	}
	return nil
}

// RemoveBridgeSubscription deletes a subscription row.
func (s *Store) RemoveBridgeSubscription(bridgeID, groupID, channelRef string) error {
	_, err := s.db.Exec(`DELETE FROM im_bridge_subscriptions WHERE bridge_id = ? AND group_id = ? AND channel_ref = ?`, bridgeID, groupID, channelRef)
	if err != nil {
		return fmt.Errorf("delete bridge subscription: %w", err)
	}
	return nil
}

// BridgeSubscription is one row of im_bridge_subscriptions.
type BridgeSubscription struct {
	BridgeID   string
	GroupID    string
	ChannelRef string
}

// SubscriptionsForGroup returns every bridge subscribed to groupID,
// consulted by internal/imbridge's fan-out to decide which bridges a
// newly appended event must be published to (spec.md §4.8: "the IM
// bridge fan-out, which filters by subscription set").
func (s *Store) SubscriptionsForGroup(groupID string) ([]BridgeSubscription, error) {
	rows, err := s.db.Query(`SELECT bridge_id, group_id, channel_ref FROM im_bridge_subscriptions WHERE group_id = ?`, groupID)
	if err != nil {
		return nil, fmt.Errorf("query group subscriptions: %w", err)
	}
	defer rows.Close()

	var out []BridgeSubscription
	for rows.Next() {
		var sub BridgeSubscription
		if err := rows.Scan(&sub.BridgeID, &sub.GroupID, &sub.ChannelRef); err != nil {
			return nil, fmt.Errorf("scan group subscription: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// BridgeSubscriptionsFor returns every subscription for bridgeID.
func (s *Store) BridgeSubscriptionsFor(bridgeID string) ([]BridgeSubscription, error) {
	rows, err := s.db.Query(`SELECT bridge_id, group_id, channel_ref FROM im_bridge_subscriptions WHERE bridge_id = ?`, bridgeID)
	if err != nil {
		return nil, fmt.Errorf("query bridge subscriptions: %w", err)
	}
	defer rows.Close()

	var out []BridgeSubscription
	for rows.Next() {
		var sub BridgeSubscription
		if err := rows.Scan(&sub.BridgeID, &sub.GroupID, &sub.ChannelRef); err != nil {
			return nil, fmt.Errorf("scan bridge subscription: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}
