package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator checks a database against the structure the service expects.
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator.
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// ValidateTablesExist verifies that all required tables exist.
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"study_rooms":       "room directory",
		"room_messages":     "chat history",
		"schema_migrations": "migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.exists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}

	return nil
}

// ValidateTableStructure verifies column names and declared types.
func (v *SchemaValidator) ValidateTableStructure() error {
	roomColumns := map[string]string{
		"id":         "TEXT",
		"name":       "TEXT",
		"subject":    "TEXT",
		"is_active":  "INTEGER",
		"created_at": "DATETIME",
	}
	if err := v.validateColumns("study_rooms", roomColumns); err != nil {
		return fmt.Errorf("study_rooms table structure invalid: %w", err)
	}

	messageColumns := map[string]string{
		"id":        "TEXT",
		"room_id":   "TEXT",
		"user_name": "TEXT",
		"content":   "TEXT",
		"is_ai":     "INTEGER",
		"timestamp": "INTEGER",
	}
	if err := v.validateColumns("room_messages", messageColumns); err != nil {
		return fmt.Errorf("room_messages table structure invalid: %w", err)
	}

	return nil
}

// ValidateIndexes verifies that the indexes behind room lookup and history exist.
func (v *SchemaValidator) ValidateIndexes() error {
	requiredIndexes := map[string]string{
		"idx_study_rooms_active":      "active room lookups",
		"idx_room_messages_room_time": "room history retrieval",
	}

	for index, purpose := range requiredIndexes {
		exists, err := v.exists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}

	return nil
}

// ValidateConstraints verifies that the foreign key from room_messages to
// study_rooms is enforced on this connection.
func (v *SchemaValidator) ValidateConstraints() error {
	_, err := v.db.Exec(`
		INSERT INTO room_messages (id, room_id, user_name, content, is_ai, timestamp)
		VALUES ('constraint-probe', 'no-such-room', 'probe', 'probe', 0, 0)
	`)
	if err == nil {
		_, _ = v.db.Exec("DELETE FROM room_messages WHERE id = 'constraint-probe'")
		return fmt.Errorf("foreign key constraint not enforced: room_messages.room_id")
	}
	return nil
}

func (v *SchemaValidator) exists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	found := make(map[string]string)
	for rows.Next() {
		var (
			cid          int
			name         string
			dataType     string
			notNull      int
			defaultValue interface{}
			pk           int
		)
		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		found[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for column, expectedType := range expectedColumns {
		foundType, exists := found[column]
		if !exists {
			return fmt.Errorf("column %s not found", column)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", column, foundType, expectedType)
		}
	}

	return nil
}
