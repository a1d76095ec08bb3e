package receipt

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	position INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	store_name TEXT NOT NULL,
	date TEXT NOT NULL,
	total_amount REAL NOT NULL,
	tax_amount REAL NOT NULL,
	tax_rate REAL NOT NULL,
	invoice_number TEXT NOT NULL,
	source_file_name TEXT NOT NULL,
	original_image TEXT NOT NULL,
	original_mime_type TEXT NOT NULL,
	suggested_debit_account TEXT NOT NULL,
	suggested_description TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	id TEXT PRIMARY KEY,
	position INTEGER NOT NULL,
	transaction_date TEXT NOT NULL,
	debit_account TEXT NOT NULL,
	credit_account TEXT NOT NULL,
	amount REAL NOT NULL,
	description TEXT NOT NULL,
	store_name TEXT NOT NULL,
	invoice_number TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS run_meta (
	singleton INTEGER PRIMARY KEY CHECK (singleton = 1),
	run_id TEXT NOT NULL,
	state TEXT NOT NULL,
	status TEXT NOT NULL,
	error TEXT NOT NULL,
	skipped TEXT NOT NULL
);
`

const (
	insertRecordQuery = `
		INSERT INTO records (
			id, store_name, date, total_amount, tax_amount, tax_rate, invoice_number,
			source_file_name, original_image, original_mime_type,
			suggested_debit_account, suggested_description
		) VALUES (
			:id, :store_name, :date, :total_amount, :tax_amount, :tax_rate, :invoice_number,
			:source_file_name, :original_image, :original_mime_type,
			:suggested_debit_account, :suggested_description
		)`

	insertEntryQuery = `
		INSERT INTO entries (
			id, position, transaction_date, debit_account, credit_account,
			amount, description, store_name, invoice_number
		) VALUES (
			:id, :position, :transaction_date, :debit_account, :credit_account,
			:amount, :description, :store_name, :invoice_number
		)`

	updateEntryQuery = `
		UPDATE entries SET
			transaction_date = :transaction_date,
			debit_account = :debit_account,
			credit_account = :credit_account,
			amount = :amount,
			description = :description,
			store_name = :store_name,
			invoice_number = :invoice_number
		WHERE id = :id`

	upsertMetaQuery = `
		INSERT INTO run_meta (singleton, run_id, state, status, error, skipped)
		VALUES (1, :run_id, :state, :status, :error, :skipped)
		ON CONFLICT(singleton) DO UPDATE SET
			run_id = excluded.run_id,
			state = excluded.state,
			status = excluded.status,
			error = excluded.error,
			skipped = excluded.skipped`
)

type positionedEntry struct {
	JournalEntry
	Position int64 `db:"position"`
}

type metaRow struct {
	RunID   string `db:"run_id"`
	State   string `db:"state"`
	Status  string `db:"status"`
	Error   string `db:"error"`
	Skipped string `db:"skipped"` // JSON array
}

// SQLiteDB implements the DB interface on a SQLite file
type SQLiteDB struct {
	db *sqlx.DB
}

// NewSQLiteDB opens path and creates the tables if needed
func NewSQLiteDB(path string) (*SQLiteDB, error) {
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &SQLiteDB{db: db}, nil
}

// SaveBatch inserts records and entries in one transaction
func (s *SQLiteDB) SaveBatch(records []Record, entries []JournalEntry) error {
	if len(records) != len(entries) {
		return fmt.Errorf("batch has %d records but %d entries", len(records), len(entries))
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for i, rec := range records {
		if entries[i].ID != rec.ID {
			return fmt.Errorf("entry %s does not match record %s", entries[i].ID, rec.ID)
		}
		res, err := tx.NamedExec(insertRecordQuery, rec)
		if err != nil {
			return fmt.Errorf("inserting record %s: %w", rec.ID, err)
		}
		pos, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("reading record position: %w", err)
		}
		if _, err := tx.NamedExec(insertEntryQuery, positionedEntry{JournalEntry: entries[i], Position: pos}); err != nil {
			return fmt.Errorf("inserting entry %s: %w", rec.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing batch: %w", err)
	}
	return nil
}

// SaveEntry overwrites the entry stored for entry.ID
func (s *SQLiteDB) SaveEntry(entry JournalEntry) error {
	res, err := s.db.NamedExec(updateEntryQuery, entry)
	if err != nil {
		return fmt.Errorf("updating entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating entry: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, entry.ID)
	}
	return nil
}

// SaveMeta stores the run state
func (s *SQLiteDB) SaveMeta(meta RunMeta) error {
	skipped := meta.Skipped
	if skipped == nil {
		skipped = []string{}
	}
	data, err := json.Marshal(skipped)
	if err != nil {
		return fmt.Errorf("marshaling skipped files: %w", err)
	}
	row := metaRow{RunID: meta.RunID, State: meta.State, Status: meta.Status, Error: meta.Error, Skipped: string(data)}
	if _, err := s.db.NamedExec(upsertMetaQuery, row); err != nil {
		return fmt.Errorf("saving run state: %w", err)
	}
	return nil
}

// LoadSession reads the stored session in insertion order
func (s *SQLiteDB) LoadSession() (*StoredSession, error) {
	stored := &StoredSession{Records: []Record{}, Entries: []JournalEntry{}}

	var row metaRow
	err := s.db.Get(&row, `SELECT run_id, state, status, error, skipped FROM run_meta WHERE singleton = 1`)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("loading run state: %w", err)
	default:
		stored.Meta = RunMeta{RunID: row.RunID, State: row.State, Status: row.Status, Error: row.Error}
		if err := json.Unmarshal([]byte(row.Skipped), &stored.Meta.Skipped); err != nil {
			return nil, fmt.Errorf("unmarshaling skipped files: %w", err)
		}
	}

	const recordsQuery = `
		SELECT id, store_name, date, total_amount, tax_amount, tax_rate, invoice_number,
			source_file_name, original_image, original_mime_type,
			suggested_debit_account, suggested_description
		FROM records ORDER BY position`
	if err := s.db.Select(&stored.Records, recordsQuery); err != nil {
		return nil, fmt.Errorf("loading records: %w", err)
	}

	const entriesQuery = `
		SELECT id, transaction_date, debit_account, credit_account,
			amount, description, store_name, invoice_number
		FROM entries ORDER BY position`
	if err := s.db.Select(&stored.Entries, entriesQuery); err != nil {
		return nil, fmt.Errorf("loading entries: %w", err)
	}
	return stored, nil
}

// ClearSession deletes every row
func (s *SQLiteDB) ClearSession() error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"records", "entries", "run_meta"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// Close closes the database connection
func (s *SQLiteDB) Close() error {
	return s.db.Close()
}
