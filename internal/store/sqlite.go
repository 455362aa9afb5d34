package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/courier/internal/model"
)

// ErrNotFound is returned when no message or cursor matches a lookup.
var ErrNotFound = errors.New("store: not found")

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

const messageColumns = `
	id, drive_id, file_id, version_tag, origin_id, thread_id,
	subject, body, sender, recipients,
	created_at, updated_at, transit_created_at, user_date,
	is_read, allow_distribution, delivery_status, attachments,
	preview_thumbnail`

const insertMessage = `
	INSERT OR REPLACE INTO messages (` + messageColumns + `
	) VALUES (
		?, ?, ?, ?, ?, ?,
		?, ?, ?, ?,
		?, ?, ?, ?,
		?, ?, ?, ?,
		?
	)`

// UpsertMessages merges a batch of remote items into the cache keyed
// by (drive, fileId). Existing rows keep their local id and per-viewer
// read flag; absent rows are inserted under a fresh local id. Merging
// the same batch twice leaves the cache unchanged.
func (s *SQLiteStore) UpsertMessages(ctx context.Context, msgs []model.MessageEntity) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, insertMessage)
	if err != nil {
		return fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		if m.FileID == "" {
			return fmt.Errorf("upserting message %s: missing file id", m.ID)
		}

		var existingID string
		var existingRead int
		row := tx.QueryRowxContext(ctx,
			"SELECT id, is_read FROM messages WHERE drive_id = ? AND file_id = ?",
			m.Drive.Key(), m.FileID,
		)
		switch err := row.Scan(&existingID, &existingRead); {
		case err == nil:
			m.ID = existingID
			m.IsRead = m.IsRead || existingRead != 0
		case errors.Is(err, sql.ErrNoRows):
			if m.ID == "" {
				m.ID = uuid.New().String()
			}
		default:
			return fmt.Errorf("looking up message %s/%s: %w", m.Drive.Key(), m.FileID, err)
		}

		args, err := messageArgs(m)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("upserting message %s: %w", m.FileID, err)
		}
	}

	return tx.Commit()
}

// SaveMessage writes one entity by its local id.
func (s *SQLiteStore) SaveMessage(ctx context.Context, m model.MessageEntity) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}

	args, err := messageArgs(m)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, insertMessage, args...); err != nil {
		return fmt.Errorf("saving message %s: %w", m.ID, err)
	}
	return nil
}

// RestoreSnapshot puts the row for id back to a prior snapshot. A nil
// prior means the row did not exist before the optimistic write and is
// removed again.
func (s *SQLiteStore) RestoreSnapshot(ctx context.Context, id string, prior *model.MessageEntity) error {
	if prior == nil {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id); err != nil {
			return fmt.Errorf("removing optimistic message %s: %w", id, err)
		}
		return nil
	}

	restored := *prior
	restored.ID = id
	return s.SaveMessage(ctx, restored)
}

// GetMessageByID retrieves a single message by its local id.
func (s *SQLiteStore) GetMessageByID(ctx context.Context, id string) (*model.MessageEntity, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE id = ?", id,
	)
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("getting message %s: %w", id, err)
		}
		return nil, ErrNotFound
	}

	m, err := scanMessage(rows)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMessageByFileID retrieves a single message by its content address.
func (s *SQLiteStore) GetMessageByFileID(ctx context.Context, driveKey, fileID string) (*model.MessageEntity, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE drive_id = ? AND file_id = ?",
		driveKey, fileID,
	)
	if err != nil {
		return nil, fmt.Errorf("getting message %s/%s: %w", driveKey, fileID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("getting message %s/%s: %w", driveKey, fileID, err)
		}
		return nil, ErrNotFound
	}

	m, err := scanMessage(rows)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// buildFilter translates a MessageFilter into a WHERE clause and args.
func buildFilter(f MessageFilter) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	if f.Drive != nil {
		conditions = append(conditions, "drive_id = ?")
		args = append(args, *f.Drive)
	}
	if f.ThreadID != nil {
		conditions = append(conditions, "thread_id = ?")
		args = append(args, *f.ThreadID)
	}
	if f.OriginID != nil {
		conditions = append(conditions, "origin_id = ?")
		args = append(args, *f.OriginID)
	}
	if f.Sender != nil {
		conditions = append(conditions, "sender = ?")
		args = append(args, *f.Sender)
	}
	if f.Unread != nil {
		if *f.Unread {
			conditions = append(conditions, "is_read = 0")
		} else {
			conditions = append(conditions, "is_read = 1")
		}
	}
	if f.Query != nil && *f.Query != "" {
		conditions = append(conditions, "(subject LIKE ? OR body LIKE ?)")
		q := "%" + *f.Query + "%"
		args = append(args, q, q)
	}

	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// GetMessages retrieves messages matching the provided filter options.
func (s *SQLiteStore) GetMessages(ctx context.Context, f MessageFilter) ([]model.MessageEntity, error) {
	where, args := buildFilter(f)
	query := "SELECT " + messageColumns + " FROM messages" + where

	sortBy := "created_at"
	if f.SortBy != "" {
		allowedSorts := map[string]bool{
			"created_at": true,
			"updated_at": true,
			"user_date":  true,
		}
		if allowedSorts[f.SortBy] {
			sortBy = f.SortBy
		}
	}

	direction := "ASC"
	if f.SortDesc {
		direction = "DESC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s", sortBy, direction)

	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", f.Offset)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.MessageEntity
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}

	return msgs, rows.Err()
}

// CountMessages returns the number of messages matching the filter.
func (s *SQLiteStore) CountMessages(ctx context.Context, f MessageFilter) (int, error) {
	where, args := buildFilter(f)

	var count int
	err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM messages"+where, args...)
	if err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return count, nil
}

// MarkRead flips the local per-viewer read flag for one message.
func (s *SQLiteStore) MarkRead(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE messages SET is_read = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("marking message %s as read: %w", id, err)
	}
	return nil
}

// GetCursor retrieves the inbox cursor for a drive, or nil when the
// drive has never been drained.
func (s *SQLiteStore) GetCursor(ctx context.Context, driveKey string) (*model.InboxCursor, error) {
	var (
		c         model.InboxCursor
		drained   int
		updatedAt time.Time
	)
	row := s.db.QueryRowxContext(ctx,
		"SELECT drive_id, state, drained, updated_at FROM inbox_cursors WHERE drive_id = ?",
		driveKey,
	)
	err := row.Scan(&c.Drive, &c.State, &drained, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting cursor for %s: %w", driveKey, err)
	}

	c.Drained = drained != 0
	c.UpdatedAt = updatedAt
	return &c, nil
}

// SaveCursor inserts or replaces the inbox cursor for a drive.
func (s *SQLiteStore) SaveCursor(ctx context.Context, c model.InboxCursor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO inbox_cursors (drive_id, state, drained, updated_at)
		VALUES (?, ?, ?, ?)`,
		c.Drive, c.State, boolToInt(c.Drained), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving cursor for %s: %w", c.Drive, err)
	}
	return nil
}

// messageArgs flattens an entity into the insert column order.
func messageArgs(m model.MessageEntity) ([]interface{}, error) {
	recipients, err := json.Marshal(m.Recipients)
	if err != nil {
		return nil, fmt.Errorf("marshaling recipients for message %s: %w", m.ID, err)
	}
	delivery, err := json.Marshal(m.DeliveryStatus)
	if err != nil {
		return nil, fmt.Errorf("marshaling delivery status for message %s: %w", m.ID, err)
	}
	attachments, err := json.Marshal(m.Attachments)
	if err != nil {
		return nil, fmt.Errorf("marshaling attachments for message %s: %w", m.ID, err)
	}

	var transit, userDate interface{}
	if m.TransitCreatedAt != nil {
		transit = m.TransitCreatedAt.UTC()
	}
	if m.UserDate != nil {
		userDate = m.UserDate.UTC()
	}

	return []interface{}{
		m.ID, m.Drive.Key(), m.FileID, m.VersionTag, m.OriginID, m.ThreadID,
		m.Subject, m.Body, m.Sender, string(recipients),
		m.CreatedAt.UTC(), m.UpdatedAt.UTC(), transit, userDate,
		boolToInt(m.IsRead), boolToInt(m.AllowDistribution),
		string(delivery), string(attachments),
		m.PreviewThumbnail,
	}, nil
}

// scanMessage scans a message row from a sqlx.Rows result set.
func scanMessage(rows *sqlx.Rows) (model.MessageEntity, error) {
	var (
		m           model.MessageEntity
		driveKey    string
		recipients  string
		createdAt   time.Time
		updatedAt   time.Time
		transit     sql.NullTime
		userDate    sql.NullTime
		isRead      int
		allowDist   int
		delivery    string
		attachments string
	)

	err := rows.Scan(
		&m.ID, &driveKey, &m.FileID, &m.VersionTag, &m.OriginID, &m.ThreadID,
		&m.Subject, &m.Body, &m.Sender, &recipients,
		&createdAt, &updatedAt, &transit, &userDate,
		&isRead, &allowDist, &delivery, &attachments,
		&m.PreviewThumbnail,
	)
	if err != nil {
		return model.MessageEntity{}, fmt.Errorf("scanning message row: %w", err)
	}

	m.Drive = model.ParseDriveKey(driveKey)
	m.CreatedAt = createdAt
	m.UpdatedAt = updatedAt
	if transit.Valid {
		t := transit.Time
		m.TransitCreatedAt = &t
	}
	if userDate.Valid {
		t := userDate.Time
		m.UserDate = &t
	}
	m.IsRead = isRead != 0
	m.AllowDistribution = allowDist != 0

	if recipients != "" {
		if err := json.Unmarshal([]byte(recipients), &m.Recipients); err != nil {
			return model.MessageEntity{}, fmt.Errorf("unmarshaling recipients: %w", err)
		}
	}
	if delivery != "" {
		if err := json.Unmarshal([]byte(delivery), &m.DeliveryStatus); err != nil {
			return model.MessageEntity{}, fmt.Errorf("unmarshaling delivery status: %w", err)
		}
	}
	if attachments != "" {
		if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
			return model.MessageEntity{}, fmt.Errorf("unmarshaling attachments: %w", err)
		}
	}

	return m, nil
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
