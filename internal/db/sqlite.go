package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/abhishekj44/genai-test/internal/models"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SystemUser is the reserved identifier used by batch evaluation runs. It is
// hidden from user listings unless explicitly requested.
const SystemUser = "evaluation"

const timeLayout = "2006-01-02 15:04:05"

const schema = `
CREATE TABLE IF NOT EXISTS users (
    user_id TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS user_profiles (
    user_id TEXT NOT NULL,
    instance_id INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS shared_profiles (
    user_id TEXT NOT NULL,
    instance_id INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    message_history TEXT NOT NULL,
    experiment_id TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);`

// Store is the durable conversation store. It owns users, instances, their
// ordered message histories and the ownership/sharing relations. Message
// histories are persisted as one JSON blob per instance, rewritten wholesale
// on every mutation.
type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateUser(id string) error {
	exists, err := s.UserExists(id)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrDuplicateUser, id)
	}
	_, err = s.db.Exec(`INSERT INTO users (user_id) VALUES (?)`, id)
	return err
}

func (s *Store) UserExists(id string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM users WHERE user_id = ?`, id).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListUsers returns all known user ids. The reserved evaluation user is
// excluded unless includeSystemUser is set.
func (s *Store) ListUsers(includeSystemUser bool) ([]string, error) {
	rows, err := s.db.Query(`SELECT user_id FROM users`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		if id == SystemUser && !includeSystemUser {
			continue
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// CreateInstance creates an empty conversation for owner under the given
// experiment id. The display name defaults to the creation timestamp when no
// override is given.
func (s *Store) CreateInstance(owner, experimentID, nameOverride string) (*models.Instance, error) {
	exists, err := s.UserExists(owner)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, owner)
	}

	// Stored without a zone marker, so keep everything in UTC.
	now := time.Now().UTC()
	name := nameOverride
	if name == "" {
		name = now.Format(timeLayout)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO messages (name, message_history, experiment_id, created_at) VALUES (?, '[]', ?, ?)`,
		name, experimentID, now.Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting instance: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(
		`INSERT INTO user_profiles (user_id, instance_id) VALUES (?, ?)`, owner, id,
	); err != nil {
		return nil, fmt.Errorf("recording ownership: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &models.Instance{
		ID:           id,
		Name:         name,
		ExperimentID: experimentID,
		CreatedAt:    now,
		Messages:     []models.Message{},
	}, nil
}

func (s *Store) LoadInstance(id int64) (*models.Instance, error) {
	row := s.db.QueryRow(
		`SELECT id, name, message_history, experiment_id, created_at FROM messages WHERE id = ?`, id,
	)
	return scanInstance(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*models.Instance, error) {
	var (
		in      models.Instance
		history string
	)
	// created_at scans straight into time.Time; the driver parses the
	// TIMESTAMP column itself.
	err := row.Scan(&in.ID, &in.Name, &history, &in.ExperimentID, &in.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrInstanceNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(history), &in.Messages); err != nil {
		return nil, fmt.Errorf("decoding message history: %w", err)
	}
	return &in, nil
}

// InstancesForUser returns the instances the user owns for the experiment,
// followed by those shared with the user, each of the latter flagged Shared.
// No ordering is guaranteed.
func (s *Store) InstancesForUser(user, experimentID string) ([]*models.Instance, error) {
	owned, err := s.queryInstances(`
        SELECT m.id, m.name, m.message_history, m.experiment_id, m.created_at
        FROM messages AS m
            LEFT JOIN user_profiles AS up ON m.id = up.instance_id
        WHERE up.user_id = ? AND m.experiment_id = ?`, user, experimentID)
	if err != nil {
		return nil, err
	}
	shared, err := s.queryInstances(`
        SELECT m.id, m.name, m.message_history, m.experiment_id, m.created_at
        FROM messages AS m
            LEFT JOIN shared_profiles AS sp ON m.id = sp.instance_id
        WHERE sp.user_id = ? AND m.experiment_id = ?`, user, experimentID)
	if err != nil {
		return nil, err
	}
	for _, in := range shared {
		in.Shared = true
	}
	return append(owned, shared...), nil
}

func (s *Store) queryInstances(query string, args ...any) ([]*models.Instance, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	instances := make([]*models.Instance, 0)
	for rows.Next() {
		in, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, in)
	}
	return instances, rows.Err()
}

// AppendMessage appends msg to the instance's in-memory history and persists
// the full list. A message without an id is assigned one. On a storage
// failure the in-memory list is left ahead of disk; the caller reconciles.
func (s *Store) AppendMessage(in *models.Instance, msg models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	in.Messages = append(in.Messages, msg)
	return s.saveMessages(in)
}

// RemoveLastMessage drops the most recent message and persists the shortened
// list. Used by the engine's rollback path.
func (s *Store) RemoveLastMessage(in *models.Instance) error {
	if len(in.Messages) == 0 {
		return ErrEmptyHistory
	}
	in.Messages = in.Messages[:len(in.Messages)-1]
	return s.saveMessages(in)
}

// SetFeedback attaches feedback to the most recent message with the given id,
// if that message has none yet. A miss is a silent no-op.
func (s *Store) SetFeedback(in *models.Instance, messageID string, fb models.Feedback) error {
	for i := len(in.Messages) - 1; i >= 0; i-- {
		if in.Messages[i].ID != messageID {
			continue
		}
		if in.Messages[i].Feedback != nil {
			return nil
		}
		in.Messages[i].Feedback = &fb
		return s.saveMessages(in)
	}
	return nil
}

func (s *Store) saveMessages(in *models.Instance) error {
	blob, err := json.Marshal(in.Messages)
	if err != nil {
		return fmt.Errorf("encoding message history: %w", err)
	}
	res, err := s.db.Exec(`UPDATE messages SET message_history = ? WHERE id = ?`, string(blob), in.ID)
	if err != nil {
		return fmt.Errorf("persisting message history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrInstanceNotFound, in.ID)
	}
	return nil
}

// ShareInstance makes the instance visible to user. Sharing is idempotent:
// the second share of the same instance reports alreadyShared without
// inserting a duplicate row.
func (s *Store) ShareInstance(user string, instanceID int64) (alreadyShared bool, err error) {
	ids, err := s.SharedInstanceIDs(user)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id == instanceID {
			return true, nil
		}
	}
	_, err = s.db.Exec(`INSERT INTO shared_profiles (user_id, instance_id) VALUES (?, ?)`, user, instanceID)
	return false, err
}

func (s *Store) OwnedInstanceIDs(user string) ([]int64, error) {
	return s.queryIDs(`SELECT instance_id FROM user_profiles WHERE user_id = ?`, user)
}

func (s *Store) SharedInstanceIDs(user string) ([]int64, error) {
	return s.queryIDs(`SELECT instance_id FROM shared_profiles WHERE user_id = ?`, user)
}

func (s *Store) queryIDs(query string, args ...any) ([]int64, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
