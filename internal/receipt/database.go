package receipt

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const (
	recordsBucket   = "records"
	entriesBucket   = "entries"
	entryKeysBucket = "entry_keys"
	metaBucket      = "meta"
	currentMetaKey  = "current"
)

// RunMeta is the persisted state of the session's run
type RunMeta struct {
	RunID   string   `json:"runId"`
	State   string   `json:"state"`
	Status  string   `json:"status"`
	Error   string   `json:"error"`
	Skipped []string `json:"skipped"`
}

// StoredSession is everything needed to rebuild a session after a restart
type StoredSession struct {
	Meta    RunMeta
	Records []Record
	Entries []JournalEntry
}

// DB defines the interface for session persistence
type DB interface {
	// SaveBatch appends records and their entries. entries[i] belongs to records[i].
	SaveBatch(records []Record, entries []JournalEntry) error

	// SaveEntry overwrites an existing entry
	SaveEntry(entry JournalEntry) error

	// SaveMeta stores the run state
	SaveMeta(meta RunMeta) error

	// LoadSession returns the stored session in append order
	LoadSession() (*StoredSession, error)

	// ClearSession removes every record, entry and the run state
	ClearSession() error

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(createBuckets)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

func createBuckets(tx *bbolt.Tx) error {
	for _, name := range []string{recordsBucket, entriesBucket, entryKeysBucket, metaBucket} {
		if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
			return err
		}
	}
	return nil
}

// positionKey encodes a sequence number so keys sort in append order
func positionKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

// SaveBatch stores records and entries under shared position keys
func (b *BoltDB) SaveBatch(records []Record, entries []JournalEntry) error {
	if len(records) != len(entries) {
		return fmt.Errorf("batch has %d records but %d entries", len(records), len(entries))
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		recs := tx.Bucket([]byte(recordsBucket))
		ents := tx.Bucket([]byte(entriesBucket))
		keys := tx.Bucket([]byte(entryKeysBucket))

		for i, rec := range records {
			if entries[i].ID != rec.ID {
				return fmt.Errorf("entry %s does not match record %s", entries[i].ID, rec.ID)
			}
			seq, err := recs.NextSequence()
			if err != nil {
				return fmt.Errorf("allocating position: %w", err)
			}
			key := positionKey(seq)

			recData, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshaling record: %w", err)
			}
			entData, err := json.Marshal(entries[i])
			if err != nil {
				return fmt.Errorf("marshaling entry: %w", err)
			}
			if err := recs.Put(key, recData); err != nil {
				return err
			}
			if err := ents.Put(key, entData); err != nil {
				return err
			}
			if err := keys.Put([]byte(rec.ID), key); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveEntry overwrites the entry stored for entry.ID
func (b *BoltDB) SaveEntry(entry JournalEntry) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		key := tx.Bucket([]byte(entryKeysBucket)).Get([]byte(entry.ID))
		if key == nil {
			return fmt.Errorf("%w: %s", ErrEntryNotFound, entry.ID)
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshaling entry: %w", err)
		}
		return tx.Bucket([]byte(entriesBucket)).Put(key, data)
	})
}

// SaveMeta stores the run state
func (b *BoltDB) SaveMeta(meta RunMeta) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("marshaling run state: %w", err)
		}
		return tx.Bucket([]byte(metaBucket)).Put([]byte(currentMetaKey), data)
	})
}

// LoadSession reads the stored session in position order
func (b *BoltDB) LoadSession() (*StoredSession, error) {
	stored := &StoredSession{Records: []Record{}, Entries: []JournalEntry{}}
	err := b.db.View(func(tx *bbolt.Tx) error {
		if data := tx.Bucket([]byte(metaBucket)).Get([]byte(currentMetaKey)); data != nil {
			if err := json.Unmarshal(data, &stored.Meta); err != nil {
				return fmt.Errorf("unmarshaling run state: %w", err)
			}
		}

		err := tx.Bucket([]byte(recordsBucket)).ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshaling record: %w", err)
			}
			stored.Records = append(stored.Records, rec)
			return nil
		})
		if err != nil {
			return err
		}

		return tx.Bucket([]byte(entriesBucket)).ForEach(func(k, v []byte) error {
			var entry JournalEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("unmarshaling entry: %w", err)
			}
			stored.Entries = append(stored.Entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// ClearSession drops and recreates every bucket
func (b *BoltDB) ClearSession() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{recordsBucket, entriesBucket, entryKeysBucket, metaBucket} {
			if err := tx.DeleteBucket([]byte(name)); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
				return err
			}
		}
		return createBuckets(tx)
	})
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
