package account

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists account records in a local sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		secure_cookie TEXT,
		secure_cookie_t TEXT,
		config_id TEXT,
		session_index TEXT,
		expires_at DATETIME,
		mail_provider TEXT DEFAULT 'duckmail',
		mail_address TEXT,
		mail_password TEXT,
		mail_client_id TEXT,
		mail_refresh_token TEXT,
		mail_tenant TEXT,
		disabled INTEGER DEFAULT 0,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_expires ON accounts(expires_at);
	`
	_, err := s.db.Exec(query)
	return err
}

// Load returns all persisted records.
func (s *SQLiteStore) Load() ([]Record, error) {
	rows, err := s.db.Query(`
		SELECT id, secure_cookie, secure_cookie_t, config_id, session_index,
		       expires_at, mail_provider, mail_address, mail_password,
		       mail_client_id, mail_refresh_token, mail_tenant, disabled
		FROM accounts ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var expiresAt sql.NullTime
		var cookie, cookieT, configID, sessionIndex sql.NullString
		var mailAddr, mailPass, mailClient, mailRefresh, mailTenant sql.NullString

		err := rows.Scan(
			&r.ID, &cookie, &cookieT, &configID, &sessionIndex,
			&expiresAt, &r.MailProvider, &mailAddr, &mailPass,
			&mailClient, &mailRefresh, &mailTenant, &r.Disabled,
		)
		if err != nil {
			return nil, err
		}

		r.SecureCookie = cookie.String
		r.SecureCookieT = cookieT.String
		r.ConfigID = configID.String
		r.SessionIndex = sessionIndex.String
		if expiresAt.Valid {
			r.ExpiresAt = expiresAt.Time
		}
		r.MailAddress = mailAddr.String
		r.MailPassword = mailPass.String
		r.MailClientID = mailClient.String
		r.MailRefreshToken = mailRefresh.String
		r.MailTenant = mailTenant.String

		records = append(records, r)
	}

	return records, rows.Err()
}

// ReplaceAll swaps the whole account table for the given records in a single
// transaction, so readers never observe a partially applied update.
func (s *SQLiteStore) ReplaceAll(records []Record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM accounts"); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO accounts (id, secure_cookie, secure_cookie_t, config_id,
			session_index, expires_at, mail_provider, mail_address,
			mail_password, mail_client_id, mail_refresh_token, mail_tenant,
			disabled, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now()
	for _, r := range records {
		provider := r.MailProvider
		if provider == "" {
			provider = MailDuck
		}
		_, err := stmt.Exec(
			r.ID, r.SecureCookie, r.SecureCookieT, r.ConfigID,
			r.SessionIndex, r.ExpiresAt, provider, r.MailAddress,
			r.MailPassword, r.MailClientID, r.MailRefreshToken, r.MailTenant,
			r.Disabled, now,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
