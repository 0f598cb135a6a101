// Package state persists foldsync's durable client state in a bbolt
// database: the cached session token and one baseline ledger per sync
// profile. The ledger records which files were present on both sides at
// the end of the last successful sync cycle; it is what makes deletion
// detection possible without a server-side journal.
package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/tidwall/gjson"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.foldsync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket     = []byte("app")
	tokenKey      = []byte("token")
	ledgersBucket = []byte("ledgers")
)

// ProfileID derives the ledger key for a sync profile. Two daemons syncing
// different directories or accounts against the same database must not
// share a baseline.
func ProfileID(serverURL, username, syncDir string) string {
	h := sha256.Sum256([]byte(serverURL + "|" + username + "|" + syncDir))

	return hex.EncodeToString(h[:8])
}

// ledgerDoc is the stored form of a baseline ledger.
type ledgerDoc struct {
	Files map[string]bool `json:"files"`
}

// State wraps a bbolt database for all persistent application state.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. The buckets are created on open. The path comes from
// configuration; config.DefaultStateDB supplies the ~/.foldsync default.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(ledgersBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Token returns the cached session token, or empty string.
func (s *State) Token() string {
	var token string

	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)

		v := b.Get(tokenKey)
		if v != nil {
			token = string(v)
		}

		return nil
	})

	return token
}

// SetToken persists the session token.
func (s *State) SetToken(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(tokenKey, []byte(token))
	})
}

// ClearToken removes the cached session token.
func (s *State) ClearToken() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Delete(tokenKey)
	})
}

// Ledger returns the baseline ledger for a profile. It never fails: a
// missing, truncated, or otherwise unparseable document reads as an empty
// ledger, and the engine rebuilds the baseline over the following cycles.
func (s *State) Ledger(profileID string) map[string]bool {
	files := make(map[string]bool)

	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(ledgersBucket)
		if b == nil {
			return nil
		}

		v := b.Get([]byte(profileID))
		if v == nil {
			return nil
		}

		doc := gjson.GetBytes(v, "files")
		if !doc.IsObject() {
			return nil
		}

		doc.ForEach(func(key, value gjson.Result) bool {
			if key.Str != "" && value.Bool() {
				files[key.Str] = true
			}

			return true
		})

		return nil
	})

	return files
}

// SaveLedger replaces the baseline ledger for a profile in a single
// transaction.
func (s *State) SaveLedger(profileID string, files map[string]bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		doc := ledgerDoc{Files: files}
		if doc.Files == nil {
			doc.Files = make(map[string]bool)
		}

		data, err := json.Marshal(doc)
		if err != nil {
			return err
		}

		return tx.Bucket(ledgersBucket).Put([]byte(profileID), data)
	})
}
