package sqlite

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open opens a SQLite database with the given DSN.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return db, nil
}

// Migrate applies the schema as an idempotent set of CREATE statements.
//
// Read and delivery state is stored as per-user watermarks, not per-message
// rows: a receipt row says "this user has read (or received) everything in
// this conversation up to message N". Message ids come from the rowid
// sequence, so they are strictly increasing within a conversation and the
// watermark comparison is just an integer compare.
func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY,
			office_id INTEGER UNIQUE NOT NULL,
			name VARCHAR(100) NOT NULL,
			email VARCHAR(100) UNIQUE NOT NULL,
			hashed_password VARCHAR(255) NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id INTEGER PRIMARY KEY,
			kind TEXT NOT NULL CHECK (kind IN ('direct', 'group')),
			name VARCHAR(100),
			admin_id INTEGER,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (admin_id) REFERENCES users(id)
		);`,
		`CREATE TABLE IF NOT EXISTS conversation_participants (
			conversation_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			pinned BOOLEAN DEFAULT 0,
			archived BOOLEAN DEFAULT 0,
			joined_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (conversation_id, user_id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			FOREIGN KEY (user_id) REFERENCES users(id)
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY,
			conversation_id INTEGER NOT NULL,
			sender_id INTEGER NOT NULL,
			content TEXT NOT NULL,
			voice_note TEXT DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			edited_at DATETIME DEFAULT NULL,
			is_edited BOOLEAN DEFAULT 0,
			is_deleted BOOLEAN DEFAULT 0,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			FOREIGN KEY (sender_id) REFERENCES users(id)
		);`,
		`CREATE TABLE IF NOT EXISTS receipts (
			conversation_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			kind TEXT NOT NULL CHECK (kind IN ('delivered', 'read')),
			up_to_message_id INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (conversation_id, user_id, kind),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			FOREIGN KEY (user_id) REFERENCES users(id)
		);`,
		`CREATE TABLE IF NOT EXISTS message_hides (
			message_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			PRIMARY KEY (message_id, user_id),
			FOREIGN KEY (message_id) REFERENCES messages(id),
			FOREIGN KEY (user_id) REFERENCES users(id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);`,
		`CREATE INDEX IF NOT EXISTS idx_users_office ON users(office_id);`,
		`CREATE INDEX IF NOT EXISTS idx_conv_participants_user ON conversation_participants(user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_hides_user ON message_hides(user_id);`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
