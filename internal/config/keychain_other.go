//go:build !darwin

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// secretsFile is a 0600 JSON object keyed by "service/account", used where
// no OS keychain is available.
type secretsFile string

func defaultSecretsFile() secretsFile {
	return secretsFile(filepath.Join(defaultDataDir(), "secrets.json"))
}

func (f secretsFile) read() (map[string]string, error) {
	data, err := os.ReadFile(string(f))
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	m := map[string]string{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", f, err)
	}
	return m, nil
}

func (f secretsFile) get(service, account string) (string, error) {
	m, err := f.read()
	if err != nil {
		return "", err
	}
	v, ok := m[service+"/"+account]
	if !ok {
		return "", fmt.Errorf("secret %s/%s not set", service, account)
	}
	return v, nil
}

// set stores value, or removes the entry when value is empty. The file is
// replaced atomically.
func (f secretsFile) set(service, account, value string) error {
	m, err := f.read()
	if err != nil {
		return err
	}
	if value == "" {
		delete(m, service+"/"+account)
	} else {
		m[service+"/"+account] = value
	}

	if err := os.MkdirAll(filepath.Dir(string(f)), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := string(f) + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return fmt.Errorf("writing secrets: %w", err)
	}
	return os.Rename(tmp, string(f))
}

func keychainGet(service, account string) ([]byte, error) {
	v, err := defaultSecretsFile().get(service, account)
	return []byte(v), err
}

func keychainSet(service, account, value string) error {
	return defaultSecretsFile().set(service, account, value)
}
