// Package agents loads the static agent registry: the mapping from an agent
// name to its display name, emoji, and preferred model tag. The registry is
// read-mostly; outbox delivery consults it to format messages from named
// agents, and it hot-reloads when the file changes on disk.
package agents

import (
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// BotAgent is the name of the bot's own conversational agent. Its messages
// are delivered verbatim, without the identity prefix.
const BotAgent = "herald"

// Agent is one registry entry.
type Agent struct {
	Name        string `yaml:"name"`
	DisplayName string `yaml:"display_name"`
	Emoji       string `yaml:"emoji"`
	ModelTag    string `yaml:"model_tag"`
}

// Registry holds the agent table loaded from <agents-root>/agents.yaml.
type Registry struct {
	mu     sync.RWMutex
	path   string
	agents map[string]Agent
}

type registryFile struct {
	Agents []Agent `yaml:"agents"`
}

// Load reads the registry file. A missing file yields an empty registry;
// unknown agents still get a generic formatted prefix on delivery.
func Load(rootDir string) (*Registry, error) {
	r := &Registry{
		path:   filepath.Join(rootDir, "agents.yaml"),
		agents: make(map[string]Agent),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the file, replacing the in-memory table atomically.
func (r *Registry) Reload() error {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read agent registry: %w", err)
	}
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse agent registry: %w", err)
	}

	agents := make(map[string]Agent, len(file.Agents))
	for _, a := range file.Agents {
		if a.Name == "" {
			continue
		}
		agents[a.Name] = a
	}

	r.mu.Lock()
	r.agents = agents
	r.mu.Unlock()
	return nil
}

// Path returns the watched registry file path.
func (r *Registry) Path() string { return r.path }

// Get returns the entry for name.
func (r *Registry) Get(name string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	return a, ok
}

// List returns all entries, for the API surface.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	return out
}

// Format produces the delivery text for an outbox message. Messages from
// the bot's own agent pass through verbatim; any other agent gets its emoji
// and bolded display name prefixed. parseMode selects HTML or Markdown
// bolding to match the transport parse mode of the row.
func (r *Registry) Format(agentName, body, parseMode string) string {
	if agentName == "" || agentName == BotAgent {
		return body
	}

	display := agentName
	emoji := ""
	if a, ok := r.Get(agentName); ok {
		if a.DisplayName != "" {
			display = a.DisplayName
		}
		emoji = a.Emoji
	}

	var header string
	switch strings.ToLower(parseMode) {
	case "html":
		header = fmt.Sprintf("<b>%s</b>", html.EscapeString(display))
	default:
		header = fmt.Sprintf("**%s**", display)
	}
	if emoji != "" {
		header = emoji + " " + header
	}
	return header + "\n\n" + body
}
