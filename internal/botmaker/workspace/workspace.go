// Package workspace materializes per-bot directories under
// <dataDir>/bots/<hostname>:
//
//	openclaw.json              worker manifest, overwritten on every render
//	workspace/SOUL.md          persona, seeded only if missing
//	workspace/IDENTITY.md      persona, seeded only if missing
//	agents/main/agent/         worker scratch
//	agents/main/sessions/      worker scratch
//	sandbox/                   bind mounted as the worker's sandbox
//
// The manifest is control-plane property; the persona files and scratch
// directories belong to the worker, which runs under its own uid. The
// renderer therefore overwrites the manifest unconditionally but never
// rewrites an existing persona file, and opens the mutable directories
// so the worker uid can write into them.
package workspace

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/openclaw/botmaker/internal/botmaker/secrets"
)

//go:embed defaults/SOUL.md defaults/IDENTITY.md
var defaultsFS embed.FS

// ProviderRef names one provider/model pair from the create request.
type ProviderRef struct {
	ProviderID string
	Model      string
}

// ChannelMount names one channel and the secret file its token is
// mounted under.
type ChannelMount struct {
	ChannelType string
	SecretName  string
}

// Persona is the operator-supplied identity seed.
type Persona struct {
	Name         string
	SoulMarkdown string
}

// Features are the operator-selected worker switches.
type Features struct {
	Commands       bool
	TTS            bool
	TTSVoice       string
	Sandbox        bool
	SandboxTimeout int
	SessionScope   string
}

// RenderParams is everything a render needs. ProxyURL and ProxyBearer
// are empty when no keyring is configured; the manifest then points the
// worker straight at the vendors.
type RenderParams struct {
	BotID        string
	Hostname     string
	Name         string
	Emoji        string
	Providers    []ProviderRef
	Primary      ProviderRef
	Channels     []ChannelMount
	Persona      Persona
	Features     Features
	GatewayPort  int
	GatewayToken string
	ProxyURL     string
	ProxyBearer  string
}

// Renderer manages the bots directory tree.
type Renderer struct {
	root string
}

// NewRenderer returns a renderer rooted at dir (the <dataDir>/bots
// directory), creating it if needed.
func NewRenderer(dir string) (*Renderer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	return &Renderer{root: dir}, nil
}

// Root returns the workspace root directory.
func (r *Renderer) Root() string {
	return r.root
}

// BotDir returns the workspace directory for hostname. Accepted
// hostnames are single clean path elements, so the join cannot escape
// the root.
func (r *Renderer) BotDir(hostname string) (string, error) {
	if !secrets.ValidHostname(hostname) {
		return "", fmt.Errorf("%w: %q", secrets.ErrInvalidHostname, hostname)
	}
	return filepath.Join(r.root, hostname), nil
}

// SandboxDir returns the sandbox subdirectory, the driver's bind source
// for the worker's sandbox mount.
func (r *Renderer) SandboxDir(hostname string) (string, error) {
	dir, err := r.BotDir(hostname)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "sandbox"), nil
}

// Render materializes the bot directory. Safe to call again for an
// existing bot: the manifest is rewritten, persona files and worker
// scratch survive untouched.
func (r *Renderer) Render(p RenderParams) error {
	dir, err := r.BotDir(p.Hostname)
	if err != nil {
		return err
	}

	for _, sub := range []string{
		"workspace",
		filepath.Join("agents", "main", "agent"),
		filepath.Join("agents", "main", "sessions"),
		"sandbox",
	} {
		full := filepath.Join(dir, sub)
		if err := os.MkdirAll(full, 0755); err != nil {
			return fmt.Errorf("failed to create %s for %s: %w", sub, p.Hostname, err)
		}
		// The worker uid inside the container must be able to write here.
		if err := os.Chmod(full, 0777); err != nil {
			return fmt.Errorf("failed to open up %s for %s: %w", sub, p.Hostname, err)
		}
	}

	if err := r.writeManifest(dir, p); err != nil {
		return err
	}
	if err := r.seedPersona(dir, p); err != nil {
		return err
	}
	return nil
}

func (r *Renderer) writeManifest(dir string, p RenderParams) error {
	m := BuildManifest(p)
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest for %s: %w", p.Hostname, err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest for %s: %w", p.Hostname, err)
	}
	return nil
}

// seedPersona writes SOUL.md and IDENTITY.md only when absent. An
// operator-supplied soul is written verbatim; otherwise the embedded
// default is rendered with the persona name and emoji.
func (r *Renderer) seedPersona(dir string, p RenderParams) error {
	personaName := p.Persona.Name
	if personaName == "" {
		personaName = p.Name
	}

	soul := p.Persona.SoulMarkdown
	if soul == "" {
		rendered, err := renderDefault("defaults/SOUL.md", personaName, p.Emoji)
		if err != nil {
			return err
		}
		soul = rendered
	}
	if err := writeIfAbsent(filepath.Join(dir, "workspace", "SOUL.md"), soul); err != nil {
		return fmt.Errorf("failed to seed SOUL.md for %s: %w", p.Hostname, err)
	}

	identity, err := renderDefault("defaults/IDENTITY.md", personaName, p.Emoji)
	if err != nil {
		return err
	}
	if err := writeIfAbsent(filepath.Join(dir, "workspace", "IDENTITY.md"), identity); err != nil {
		return fmt.Errorf("failed to seed IDENTITY.md for %s: %w", p.Hostname, err)
	}
	return nil
}

func renderDefault(path, name, emoji string) (string, error) {
	raw, err := defaultsFS.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("default persona %s: %w", path, err)
	}
	// Option "missingkey=error" makes a template referencing a field
	// that does not exist fail loudly instead of inserting "<no value>".
	tmpl, err := template.New(path).Option("missingkey=error").Parse(string(raw))
	if err != nil {
		return "", fmt.Errorf("default persona %s: parse: %w", path, err)
	}
	var buf bytes.Buffer
	vars := struct {
		Name  string
		Emoji string
	}{Name: name, Emoji: emoji}
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("default persona %s: render: %w", path, err)
	}
	return buf.String(), nil
}

func writeIfAbsent(path, content string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	return os.WriteFile(path, []byte(content), 0666)
}

// Delete removes the bot's workspace tree. Safe on missing.
func (r *Renderer) Delete(hostname string) error {
	dir, err := r.BotDir(hostname)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete workspace for %s: %w", hostname, err)
	}
	return nil
}

// Hostnames returns every hostname that currently has a workspace
// directory, in lexical order. Entries that do not look like hostnames
// are skipped; the root may contain files that are not ours to manage.
func (r *Renderer) Hostnames() ([]string, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan workspace root: %w", err)
	}
	var hostnames []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := strings.TrimSpace(e.Name())
		if secrets.ValidHostname(name) {
			hostnames = append(hostnames, name)
		}
	}
	return hostnames, nil
}
