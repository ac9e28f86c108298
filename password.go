package e2ee

import (
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

const saltLength = 16

// loadSalt reads the salt file, creating it with fresh random bytes on first use. The file is
// written read-only so a stray write can't lock the user out of the database.
func loadSalt(saltPath string) ([]byte, error) {
	salt := make([]byte, saltLength)
	f, err := os.Open(saltPath) // #nosec G304
	if err == nil {
		defer f.Close()
		if _, err := io.ReadFull(f, salt); err != nil {
			return nil, fmt.Errorf("e2ee: error reading salt: %w", err)
		}
		return salt, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if _, err := crypto_rand.Read(salt); err != nil {
		return nil, err
	}
	f, err = os.OpenFile(saltPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_SYNC, 0o400) // #nosec G304
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(salt); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("e2ee: error writing salt: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return salt, nil
}

func newKey(password, root, saltName string) ([]byte, error) {
	salt, err := loadSalt(filepath.Join(root, saltName))
	if err != nil {
		return nil, err
	}
	return argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, 32), nil
}
