// Package secrets stores per-bot channel credentials as plain files on
// disk. Each bot gets one directory under the vault root:
//
//	<root>/<hostname>/<NAME>
//
// Directories are created 0700 and files 0600. The per-bot directory is
// bind mounted read-only into the bot container at /run/secrets, so the
// file name is the name the worker reads the secret under.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// ErrInvalidHostname means the hostname does not match hostnamePattern.
	ErrInvalidHostname = errors.New("invalid hostname")
	// ErrInvalidSecretName means the secret name does not match secretNamePattern.
	ErrInvalidSecretName = errors.New("invalid secret name")
	// ErrNotFound means the requested secret file does not exist.
	ErrNotFound = errors.New("secret not found")
)

var (
	hostnamePattern   = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,63}$`)
	secretNamePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]{0,63}$`)
)

// ValidHostname reports whether s is usable as a bot hostname: lowercase
// alphanumerics and hyphens, starting with an alphanumeric, at most 64
// characters.
func ValidHostname(s string) bool {
	return hostnamePattern.MatchString(s)
}

// ValidSecretName reports whether s is usable as a secret file name:
// uppercase alphanumerics and underscores, starting with a letter, at
// most 64 characters.
func ValidSecretName(s string) bool {
	return secretNamePattern.MatchString(s)
}

// Vault manages the secrets directory tree. Name validation doubles as
// path safety: every accepted hostname and secret name is a single clean
// path element, so joins can never escape the root.
type Vault struct {
	root string
}

// New returns a vault rooted at dir, creating the root with 0700
// permissions if it does not exist.
func New(dir string) (*Vault, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create secrets root: %w", err)
	}
	return &Vault{root: dir}, nil
}

// Root returns the vault root directory.
func (v *Vault) Root() string {
	return v.root
}

// BotDir returns the secrets directory for hostname. The directory is
// not created; it is the bind mount source handed to the container
// runtime.
func (v *Vault) BotDir(hostname string) (string, error) {
	if !ValidHostname(hostname) {
		return "", fmt.Errorf("%w: %q", ErrInvalidHostname, hostname)
	}
	return filepath.Join(v.root, hostname), nil
}

// Write stores value under <root>/<hostname>/<name>, creating the bot
// directory on first use. An existing secret is overwritten.
func (v *Vault) Write(hostname, name, value string) error {
	dir, err := v.BotDir(hostname)
	if err != nil {
		return err
	}
	if !ValidSecretName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidSecretName, name)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create secrets dir for %s: %w", hostname, err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(value), 0600); err != nil {
		return fmt.Errorf("failed to write secret %s for %s: %w", name, hostname, err)
	}
	return nil
}

// Read returns the stored value of a secret.
func (v *Vault) Read(hostname, name string) (string, error) {
	dir, err := v.BotDir(hostname)
	if err != nil {
		return "", err
	}
	if !ValidSecretName(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSecretName, name)
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s/%s", ErrNotFound, hostname, name)
		}
		return "", fmt.Errorf("failed to read secret %s for %s: %w", name, hostname, err)
	}
	return string(data), nil
}

// List returns the secret names stored for hostname in lexical order.
// A bot with no secrets directory has no secrets; that is not an error.
func (v *Vault) List(hostname string) ([]string, error) {
	dir, err := v.BotDir(hostname)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list secrets for %s: %w", hostname, err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// DeleteAll removes the bot's entire secrets directory. Deleting a
// directory that does not exist is a no-op.
func (v *Vault) DeleteAll(hostname string) error {
	dir, err := v.BotDir(hostname)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete secrets for %s: %w", hostname, err)
	}
	return nil
}

// Hostnames returns every bot hostname that currently has a secrets
// directory, in lexical order. Entries that do not look like hostnames
// are skipped rather than reported; the vault root may contain unrelated
// files (lost+found, editor droppings) that are not ours to manage.
func (v *Vault) Hostnames() ([]string, error) {
	entries, err := os.ReadDir(v.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan secrets root: %w", err)
	}
	var hostnames []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := strings.TrimSpace(e.Name())
		if ValidHostname(name) {
			hostnames = append(hostnames, name)
		}
	}
	return hostnames, nil
}
