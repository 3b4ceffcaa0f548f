//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const defaultsDomain = "com.studymate.app"

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return appName
	}
	return filepath.Join(home, "Library", "Application Support", appName)
}

func apiKeyHint() string {
	return " or macOS Keychain (service: studymate, account: <provider>_api_key)"
}

// userDefaults stores keys in the app's UserDefaults domain through the
// defaults(1) tool.
type userDefaults struct {
	domain string
}

func newPlatformBackend() ConfigBackend {
	return userDefaults{domain: defaultsDomain}
}

func (d userDefaults) run(verb, key string, extra ...string) (string, error) {
	args := append([]string{verb, d.domain, key}, extra...)
	out, err := exec.Command("defaults", args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// read reports ok=false when the key is not set; defaults exits 1 then.
func (d userDefaults) read(key string) (string, bool, error) {
	out, err := d.run("read", key)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", false, nil
		}
		return "", false, fmt.Errorf("defaults read %s: %w: %s", key, err, out)
	}
	return out, true, nil
}

func (d userDefaults) GetString(key string) (string, bool, error) {
	return d.read(key)
}

func (d userDefaults) GetInt(key string) (int, bool, error) {
	s, ok, err := d.read(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := coerceInt(key, s)
	return i, true, err
}

func (d userDefaults) write(key string, extra ...string) error {
	if out, err := d.run("write", key, extra...); err != nil {
		return fmt.Errorf("defaults write %s: %w: %s", key, err, out)
	}
	return nil
}

func (d userDefaults) SetString(key, val string) error {
	return d.write(key, "-string", val)
}

func (d userDefaults) SetInt(key string, val int) error {
	return d.write(key, "-int", strconv.Itoa(val))
}

func (d userDefaults) Delete(key string) error {
	if _, err := d.run("delete", key); err != nil {
		return fmt.Errorf("defaults delete %s: %w", key, err)
	}
	return nil
}
