package db

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql/driver"
	"encoding/base64"
	"errors"
	"fmt"
)

// fieldCipher is the AEAD behind EncryptedString, built once by
// InitEncryption. Encrypted columns cannot be written or read before it is
// set.
var fieldCipher cipher.AEAD

var errNoEncryptionKey = errors.New("db: encryption key not initialized, call db.InitEncryption first")

// InitEncryption builds the AEAD used for column encryption from a 32-byte
// AES-256 key. Call once at startup, before the first database operation;
// the server and seed binaries derive the key from EXPORTD_SECRET_KEY and
// must agree on it or previously written secrets become unreadable.
func InitEncryption(key []byte) error {
	if len(key) != 32 {
		return fmt.Errorf("db: encryption key must be exactly 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("db: init encryption: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("db: init encryption: %w", err)
	}
	fieldCipher = aead
	return nil
}

// EncryptedString is stored AES-256-GCM encrypted as
// base64(nonce || ciphertext || tag) and decrypted transparently on read.
// Used for secrets at rest (webhook signing secrets). The empty string
// round-trips without touching the cipher so optional secrets stay optional.
type EncryptedString string

// Value implements driver.Valuer, encrypting on the way into the database.
// A fresh random nonce per write; GCM is broken by nonce reuse.
func (e EncryptedString) Value() (driver.Value, error) {
	if e == "" {
		return "", nil
	}
	if fieldCipher == nil {
		return nil, errNoEncryptionKey
	}

	nonce := make([]byte, fieldCipher.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("db: encrypt field: %w", err)
	}
	sealed := fieldCipher.Seal(nonce, nonce, []byte(e), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Scan implements sql.Scanner, decrypting on the way out. Drivers differ on
// whether text columns scan as string or []byte; both are accepted.
func (e *EncryptedString) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*e = ""
		return nil
	case string:
		return e.decode(v)
	case []byte:
		return e.decode(string(v))
	default:
		return fmt.Errorf("db: scan encrypted field: unsupported type %T", value)
	}
}

func (e *EncryptedString) decode(raw string) error {
	if raw == "" {
		*e = ""
		return nil
	}
	if fieldCipher == nil {
		return errNoEncryptionKey
	}

	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return fmt.Errorf("db: scan encrypted field: %w", err)
	}
	ns := fieldCipher.NonceSize()
	if len(data) < ns {
		return errors.New("db: scan encrypted field: value shorter than nonce")
	}
	plain, err := fieldCipher.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return fmt.Errorf("db: scan encrypted field: %w", err)
	}
	*e = EncryptedString(plain)
	return nil
}
