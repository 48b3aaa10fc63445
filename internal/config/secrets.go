package config

import "strings"

// secretService names recall's entries in the platform secret store.
const secretService = "recall"

// secretStore abstracts the platform secret store for testing.
type secretStore interface {
	Get(account string) (string, error)
	Set(account, value string) error
}

// platformSecrets uses the macOS Keychain, or a 0600 JSON file under
// $XDG_DATA_HOME/recall elsewhere.
type platformSecrets struct{}

func (platformSecrets) Get(account string) (string, error) {
	out, err := keychainGet(secretService, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (platformSecrets) Set(account, value string) error {
	return keychainSet(secretService, account, value)
}
