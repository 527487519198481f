// Package config loads the briefkasten account configuration document.
// It mirrors the load/save idiom internal/account/store.go uses for
// accounts.yml: a typed struct, os.ReadFile, yaml.Unmarshal.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/eslider/briefkasten/internal/model"
)

// ErrAccountNotFound is returned by Config.Account for an unknown id.
var ErrAccountNotFound = errors.New("config: account not found")

// envVar is the environment variable consulted before the default path.
const envVar = "BRIEFKASTEN_CONFIG"

const defaultRelPath = ".config/briefkasten/config.edn"

// Config is the parsed configuration document (spec.md §6).
type Config struct {
	Accounts map[string]rawAccount `yaml:"accounts"`
}

// rawAccount mirrors the on-disk shape; Account() promotes it to
// model.Account with the map key copied in as ID.
type rawAccount struct {
	Email    string            `yaml:"email"`
	IMAP     model.IMAPConfig  `yaml:"imap"`
	SMTP     *model.SMTPConfig `yaml:"smtp,omitempty"`
	DataPath string            `yaml:"data_path"`
}

// Path resolves the configuration file location: $BRIEFKASTEN_CONFIG if
// set, else ~/.config/briefkasten/config.edn.
func Path() (string, error) {
	if p := os.Getenv(envVar); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, defaultRelPath), nil
}

// Load reads and parses the configuration document at Path().
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile reads and parses a configuration document at an explicit path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	for id, acct := range cfg.Accounts {
		if acct.Email == "" {
			return nil, fmt.Errorf("config: account %q missing required field email", id)
		}
		if acct.DataPath == "" {
			return nil, fmt.Errorf("config: account %q missing required field data_path", id)
		}
	}
	return &cfg, nil
}

// Account returns the named account, promoted to model.Account.
func (c *Config) Account(id string) (model.Account, error) {
	raw, ok := c.Accounts[id]
	if !ok {
		return model.Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return model.Account{
		ID:       id,
		Email:    raw.Email,
		IMAP:     raw.IMAP,
		SMTP:     raw.SMTP,
		DataPath: raw.DataPath,
	}, nil
}

// AccountIDs returns every configured account id.
func (c *Config) AccountIDs() []string {
	ids := make([]string, 0, len(c.Accounts))
	for id := range c.Accounts {
		ids = append(ids, id)
	}
	return ids
}
