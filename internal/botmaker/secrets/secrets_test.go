package secrets_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/openclaw/botmaker/internal/botmaker/secrets"
)

func newTestVault(t *testing.T) *secrets.Vault {
	t.Helper()
	v, err := secrets.New(filepath.Join(t.TempDir(), "secrets"))
	if err != nil {
		t.Fatalf("failed to create vault: %v", err)
	}
	return v
}

func TestWriteAndRead(t *testing.T) {
	v := newTestVault(t)

	if err := v.Write("my-bot", "TELEGRAM_TOKEN", "123:abc"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := v.Read("my-bot", "TELEGRAM_TOKEN")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != "123:abc" {
		t.Errorf("value = %q, want %q", got, "123:abc")
	}

	// Overwrite replaces the value.
	if err := v.Write("my-bot", "TELEGRAM_TOKEN", "456:def"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err = v.Read("my-bot", "TELEGRAM_TOKEN")
	if err != nil {
		t.Fatalf("Read after overwrite: %v", err)
	}
	if got != "456:def" {
		t.Errorf("value = %q, want %q", got, "456:def")
	}
}

func TestFilePermissions(t *testing.T) {
	v := newTestVault(t)

	if err := v.Write("my-bot", "DISCORD_TOKEN", "tok"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	dir, err := v.BotDir("my-bot")
	if err != nil {
		t.Fatalf("BotDir: %v", err)
	}
	dirInfo, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("stat dir: %v", err)
	}
	if perm := dirInfo.Mode().Perm(); perm != 0700 {
		t.Errorf("dir perm = %o, want 0700", perm)
	}
	fileInfo, err := os.Stat(filepath.Join(dir, "DISCORD_TOKEN"))
	if err != nil {
		t.Fatalf("stat file: %v", err)
	}
	if perm := fileInfo.Mode().Perm(); perm != 0600 {
		t.Errorf("file perm = %o, want 0600", perm)
	}
}

func TestValidation(t *testing.T) {
	v := newTestVault(t)

	badHostnames := []string{"", "-leading", "UPPER", "has space", "dot.dot", "../escape", "a/b"}
	for _, h := range badHostnames {
		if err := v.Write(h, "TOKEN", "x"); !errors.Is(err, secrets.ErrInvalidHostname) {
			t.Errorf("hostname %q: expected ErrInvalidHostname, got %v", h, err)
		}
	}

	badNames := []string{"", "lower", "1STARTS_WITH_DIGIT", "HAS-DASH", "HAS.DOT", "../ESCAPE"}
	for _, n := range badNames {
		if err := v.Write("my-bot", n, "x"); !errors.Is(err, secrets.ErrInvalidSecretName) {
			t.Errorf("name %q: expected ErrInvalidSecretName, got %v", n, err)
		}
	}

	if !secrets.ValidHostname("bot-42") {
		t.Error("bot-42 should be a valid hostname")
	}
	if !secrets.ValidSecretName("TELEGRAM_TOKEN") {
		t.Error("TELEGRAM_TOKEN should be a valid secret name")
	}
}

func TestRead_NotFound(t *testing.T) {
	v := newTestVault(t)

	if _, err := v.Read("my-bot", "MISSING"); !errors.Is(err, secrets.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestList(t *testing.T) {
	v := newTestVault(t)

	// No directory yet: empty list, no error.
	names, err := v.List("my-bot")
	if err != nil {
		t.Fatalf("List empty: %v", err)
	}
	if len(names) != 0 {
		t.Errorf("expected no secrets, got %v", names)
	}

	for _, n := range []string{"TELEGRAM_TOKEN", "DISCORD_TOKEN", "SLACK_TOKEN"} {
		if err := v.Write("my-bot", n, "v"); err != nil {
			t.Fatalf("Write %s: %v", n, err)
		}
	}
	names, err = v.List("my-bot")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"DISCORD_TOKEN", "SLACK_TOKEN", "TELEGRAM_TOKEN"}
	if len(names) != len(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestDeleteAll(t *testing.T) {
	v := newTestVault(t)

	if err := v.Write("my-bot", "TELEGRAM_TOKEN", "x"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := v.DeleteAll("my-bot"); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	dir, _ := v.BotDir("my-bot")
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("directory should be gone, stat err = %v", err)
	}

	// Deleting again is a no-op.
	if err := v.DeleteAll("my-bot"); err != nil {
		t.Fatalf("second DeleteAll: %v", err)
	}
}

func TestHostnames(t *testing.T) {
	v := newTestVault(t)

	for _, h := range []string{"alpha", "beta"} {
		if err := v.Write(h, "TOKEN", "x"); err != nil {
			t.Fatalf("Write %s: %v", h, err)
		}
	}
	// Stray entries in the root are not bot vaults.
	if err := os.WriteFile(filepath.Join(v.Root(), "README"), []byte("x"), 0600); err != nil {
		t.Fatalf("plant stray file: %v", err)
	}
	if err := os.Mkdir(filepath.Join(v.Root(), "Not-A-Hostname"), 0700); err != nil {
		t.Fatalf("plant stray dir: %v", err)
	}

	hostnames, err := v.Hostnames()
	if err != nil {
		t.Fatalf("Hostnames: %v", err)
	}
	if len(hostnames) != 2 || hostnames[0] != "alpha" || hostnames[1] != "beta" {
		t.Errorf("hostnames = %v, want [alpha beta]", hostnames)
	}
}
