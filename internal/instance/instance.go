// Package instance manages the identity of an epochdist agent process.
// The id is a ULID generated on first start and stored in the data
// directory, so it stays stable across restarts. Delivery targets see it on
// every webhook and can tell which agent sent a package.
package instance

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/snehjoshi/epochdist/internal/ids"
)

const idFile = "instance_id"

// ID is a ULID string that uniquely identifies an agent process.
type ID string

func (id ID) String() string { return string(id) }

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool { return id == "" }

// Load returns the id stored in dataDir/instance_id, generating and writing
// one if the file does not exist. A non-empty override other than "auto"
// takes precedence and is not persisted.
func Load(dataDir, override string) (ID, error) {
	if override != "" && override != "auto" {
		if err := ids.Validate(override); err != nil {
			return "", fmt.Errorf("instance: invalid id override %q: %w", override, err)
		}
		return ID(override), nil
	}
	if dataDir == "" {
		return "", errors.New("instance: dataDir must not be empty")
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return "", fmt.Errorf("instance: create data dir: %w", err)
	}

	path := filepath.Join(dataDir, idFile)
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if err := ids.Validate(id); err != nil {
			return "", fmt.Errorf("instance: persisted id %q is invalid: %w", id, err)
		}
		return ID(id), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("instance: read id file: %w", err)
	}

	id, err := Ephemeral(override)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o640); err != nil {
		return "", fmt.Errorf("instance: persist id: %w", err)
	}
	return id, nil
}

// Ephemeral returns override when set, otherwise a fresh id that is not
// persisted. The memory backend uses it.
func Ephemeral(override string) (ID, error) {
	if override != "" && override != "auto" {
		if err := ids.Validate(override); err != nil {
			return "", fmt.Errorf("instance: invalid id override %q: %w", override, err)
		}
		return ID(override), nil
	}
	id, err := ids.New()
	if err != nil {
		return "", fmt.Errorf("instance: generate id: %w", err)
	}
	return ID(id), nil
}
