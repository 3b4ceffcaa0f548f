//go:build !darwin

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
)

// Without a system keychain, secrets live in a 0600 JSON file next to the
// data directory, keyed by service and then account.
type secretStore map[string]map[string]string

func secretsFilePath() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", ".local", "share"), appName, "secrets.json")
}

func loadSecrets() (secretStore, error) {
	s := secretStore{}
	if err := readJSONFile(secretsFilePath(), &s); err != nil {
		return nil, err
	}
	return s, nil
}

func keychainGet(service, account string) ([]byte, error) {
	secrets, err := loadSecrets()
	if err != nil {
		return nil, fmt.Errorf("reading secrets: %w", err)
	}
	val, ok := secrets[service][account]
	if !ok {
		return nil, fmt.Errorf("no secret for %s/%s", service, account)
	}
	return []byte(val), nil
}

// keychainSet refuses to overwrite a secrets file it cannot parse.
func keychainSet(service, account, value string) error {
	secrets, err := loadSecrets()
	switch {
	case errors.Is(err, fs.ErrNotExist):
		secrets = secretStore{}
	case err != nil:
		return fmt.Errorf("reading secrets: %w", err)
	}
	if secrets[service] == nil {
		secrets[service] = map[string]string{}
	}
	secrets[service][account] = value
	return writeJSONFile(secretsFilePath(), secrets)
}
