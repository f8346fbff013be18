package keys

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// keyBytes is the raw key length; the file stores it base64-encoded.
const keyBytes = 32

// LoadOrCreateKeyFile returns the 32-byte encryption key stored at
// path, generating it on first boot. Creation is guarded by an
// exclusive flock on path+".lock" so concurrent first boots agree on
// one key, and the file is written with 0600 permissions.
func LoadOrCreateKeyFile(path string, logger *slog.Logger) ([]byte, error) {
	if key, err := readKeyFile(path, logger); err == nil {
		return key, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create key directory: %w", err)
		}
	}

	lockFile, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	defer func() { _ = lockFile.Close() }()

	if err := flockLock(lockFile.Fd()); err != nil {
		return nil, fmt.Errorf("failed to acquire key file lock: %w", err)
	}
	defer flockUnlock(lockFile.Fd()) //nolint:errcheck

	// Another process may have created the key while we waited.
	if key, err := readKeyFile(path, logger); err == nil {
		return key, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	key := make([]byte, keyBytes)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(key) + "\n"
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, fmt.Errorf("failed to place key file: %w", err)
	}

	logger.Info("generated encryption key file", "path", path)
	return key, nil
}

func readKeyFile(path string, logger *slog.Logger) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Warn when the key file is readable by group or other. Skip on
	// Windows where Unix permission bits are not meaningful.
	if runtime.GOOS != "windows" {
		if info, statErr := os.Stat(path); statErr == nil {
			if mode := info.Mode().Perm(); mode&0o077 != 0 {
				logger.Warn("encryption key file has too-open permissions, should be 0600",
					"path", path, "current_mode", fmt.Sprintf("%04o", mode))
			}
		}
	}

	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode key file %s: %w", path, err)
	}
	if len(key) != keyBytes {
		return nil, fmt.Errorf("key file %s holds %d bytes, want %d", path, len(key), keyBytes)
	}
	return key, nil
}
