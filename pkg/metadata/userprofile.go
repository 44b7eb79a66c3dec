package metadata

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/xgpxg/fskb/pkg/apperror"
)

// GetUserProfile fetches the single settings row, seeding it with
// defaults on first read since this row is always expected to exist.
func (db *DB) GetUserProfile(ctx context.Context) (*UserProfile, error) {
	var (
		p                    UserProfile
		enableMemory         int
		modelID              int64
	)

	err := db.conn.QueryRowContext(ctx,
		`SELECT enable_profile_memory, profile_memory_model_id FROM user_profile WHERE id = 1`).
		Scan(&enableMemory, &modelID)
	if errors.Is(err, sql.ErrNoRows) {
		if err := db.SaveUserProfile(ctx, &UserProfile{}); err != nil {
			return nil, err
		}
		return &UserProfile{}, nil
	}
	if err != nil {
		return nil, apperror.DB("reading user profile", err)
	}

	p.EnableProfileMemory = enableMemory != 0
	p.ProfileMemoryModelID = modelID
	return &p, nil
}

// SaveUserProfile upserts the single settings row.
func (db *DB) SaveUserProfile(ctx context.Context, p *UserProfile) error {
	enableMemory := 0
	if p.EnableProfileMemory {
		enableMemory = 1
	}

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO user_profile (id, enable_profile_memory, profile_memory_model_id) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET enable_profile_memory = excluded.enable_profile_memory,
			profile_memory_model_id = excluded.profile_memory_model_id`,
		enableMemory, p.ProfileMemoryModelID)
	if err != nil {
		return apperror.DB("saving user profile", err)
	}
	return nil
}

// ProfileMemory is the free-form YAML blob of remembered facts about the
// user, persisted encrypted at rest when the runtime
// config enables it. Standard library crypto/aes and crypto/cipher are
// used directly here: no example repo wires an AEAD library, and the
// stdlib GCM implementation is itself the idiomatic choice for this.
type ProfileMemory struct {
	Facts []string `yaml:"facts"`
}

// ReadProfileMemory loads and, if keyHex is non-empty, decrypts the
// profile memory blob at path. A missing file yields an empty memory.
func ReadProfileMemory(path string, keyHex string) (*ProfileMemory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ProfileMemory{}, nil
		}
		return nil, fmt.Errorf("reading profile memory %q: %w", path, err)
	}

	plain := raw
	if keyHex != "" {
		plain, err = decrypt(raw, keyHex)
		if err != nil {
			return nil, fmt.Errorf("decrypting profile memory: %w", err)
		}
	}

	var mem ProfileMemory
	if err := yaml.Unmarshal(plain, &mem); err != nil {
		return nil, fmt.Errorf("parsing profile memory: %w", err)
	}
	return &mem, nil
}

// WriteProfileMemory serializes mem to YAML and, if keyHex is non-empty,
// encrypts it before writing to path.
func WriteProfileMemory(path string, mem *ProfileMemory, keyHex string) error {
	plain, err := yaml.Marshal(mem)
	if err != nil {
		return fmt.Errorf("marshaling profile memory: %w", err)
	}

	out := plain
	if keyHex != "" {
		out, err = encrypt(plain, keyHex)
		if err != nil {
			return fmt.Errorf("encrypting profile memory: %w", err)
		}
	}

	if err := os.WriteFile(path, out, 0o600); err != nil {
		return fmt.Errorf("writing profile memory %q: %w", path, err)
	}
	return nil
}

func encrypt(plain []byte, keyHex string) ([]byte, error) {
	block, err := newCipherBlock(keyHex)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plain, nil), nil
}

func decrypt(data []byte, keyHex string) ([]byte, error) {
	block, err := newCipherBlock(keyHex)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(data) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func newCipherBlock(keyHex string) (cipher.Block, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decoding profile encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("profile encryption key must be 32 bytes, got %d", len(key))
	}
	return aes.NewCipher(key)
}
