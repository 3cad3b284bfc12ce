// Package idcache provides an optional, encrypted, on-disk cache of
// the name→id map the IdResolver learns over a run. It persists only
// (login, id) facts — never subscriptions, which are re-created per
// run — so a warm restart can skip re-resolving channels it has
// already seen.
//
// Storage is a single sqlite file (modernc.org/sqlite, pure Go, no
// cgo) with values encrypted at rest using a key derived from an
// operator-supplied passphrase via HKDF (golang.org/x/crypto/hkdf)
// and sealed with ChaCha20-Poly1305
// (golang.org/x/crypto/chacha20poly1305), the standard AEAD/KDF
// pairing in the x/crypto ecosystem.
package idcache

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	_ "modernc.org/sqlite"
)

const hkdfInfo = "chattyplus-eventsub/idcache/v1"

// Store persists the IdResolver's name→id map across process restarts.
// All public methods are safe for concurrent use (SQLite serializes
// writes).
type Store struct {
	db   *sql.DB
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
	}
}

// Open opens (creating if necessary) an encrypted id-cache database at
// path, deriving the at-rest key from passphrase via HKDF-SHA256.
func Open(path, passphrase string) (*Store, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("idcache: passphrase must not be empty")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("idcache: open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("idcache: migrate: %w", err)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, []byte(passphrase), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		db.Close()
		return nil, fmt.Errorf("idcache: derive key: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("idcache: init aead: %w", err)
	}
	s.aead = aead

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS name_to_id (
		login      TEXT PRIMARY KEY,
		nonce      TEXT NOT NULL,
		ciphertext TEXT NOT NULL
	);
	`)
	return err
}

// Put encrypts and upserts one (login, id) fact. Mappings are treated as
// monotonic by the IdResolver (never rewritten within a run); Put
// still upserts defensively in case of a corrected lookup.
func (s *Store) Put(login, id string) error {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("idcache: generate nonce: %w", err)
	}
	ciphertext := s.aead.Seal(nil, nonce, []byte(id), []byte(login))

	_, err := s.db.Exec(
		`INSERT INTO name_to_id (login, nonce, ciphertext) VALUES (?, ?, ?)
		 ON CONFLICT (login) DO UPDATE SET nonce = excluded.nonce, ciphertext = excluded.ciphertext`,
		login, hex.EncodeToString(nonce), hex.EncodeToString(ciphertext),
	)
	if err != nil {
		return fmt.Errorf("idcache: put %s: %w", login, err)
	}
	return nil
}

// GetAll decrypts and returns every cached (login, id) pair. Entries
// that fail to decrypt (e.g. passphrase changed) are skipped rather than
// failing the whole load — the resolver simply re-resolves those logins.
func (s *Store) GetAll() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT login, nonce, ciphertext FROM name_to_id`)
	if err != nil {
		return nil, fmt.Errorf("idcache: list: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var login, nonceHex, ctHex string
		if err := rows.Scan(&login, &nonceHex, &ctHex); err != nil {
			return nil, fmt.Errorf("idcache: scan: %w", err)
		}
		nonce, err := hex.DecodeString(nonceHex)
		if err != nil {
			continue
		}
		ciphertext, err := hex.DecodeString(ctHex)
		if err != nil {
			continue
		}
		plaintext, err := s.aead.Open(nil, nonce, ciphertext, []byte(login))
		if err != nil {
			continue
		}
		out[login] = string(plaintext)
	}
	return out, rows.Err()
}

// Delete removes a cached login, used when an operator needs to force
// re-resolution (e.g. a channel renamed on the upstream platform).
func (s *Store) Delete(login string) error {
	_, err := s.db.Exec(`DELETE FROM name_to_id WHERE login = ?`, login)
	if err != nil {
		return fmt.Errorf("idcache: delete %s: %w", login, err)
	}
	return nil
}
