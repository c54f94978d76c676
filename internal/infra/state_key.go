package infra

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	stateKeyFileName = "state.key"
	stateKeySize     = 32 // SQLCipher raw key, 256 bits
)

var (
	errStateKeyMissing = errors.New("state key missing")
	errStateKeyCorrupt = errors.New("state key corrupt")
)

// stateKeyFile holds the SQLCipher key of state.db, hex-encoded next to the
// database with 0600 permissions. The key and the database live and die together.
type stateKeyFile struct {
	path string
}

func newStateKeyFile(dataDir string) stateKeyFile {
	return stateKeyFile{path: filepath.Join(dataDir, stateKeyFileName)}
}

// load returns errStateKeyMissing or errStateKeyCorrupt when the file cannot serve as a key.
func (k stateKeyFile) load() ([]byte, error) {
	data, err := os.ReadFile(k.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errStateKeyMissing
	}
	if err != nil {
		return nil, fmt.Errorf("read state key: %w", err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || len(key) != stateKeySize {
		return nil, errStateKeyCorrupt
	}
	return key, nil
}

// save writes key via a temp file and rename, so a crash never leaves half a key.
func (k stateKeyFile) save(key []byte) error {
	if len(key) != stateKeySize {
		return fmt.Errorf("invalid key size: got %d, want %d", len(key), stateKeySize)
	}
	dir := filepath.Dir(k.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-key-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(hex.EncodeToString(key) + "\n"); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		return err
	}
	return os.Rename(tmpPath, k.path)
}

func generateStateKey() ([]byte, error) {
	key := make([]byte, stateKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate state key: %w", err)
	}
	return key, nil
}
