// Package persona loads persona definitions from YAML files and keeps an
// in-memory registry of them, hot-reloaded when the directory changes.
package persona

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"personad/pkg/protocol"
)

// Definition is one persona YAML file: the persona itself plus its
// triggers and event subscriptions.
type Definition struct {
	protocol.Persona `yaml:",inline"`

	Triggers      []TriggerDef      `yaml:"triggers,omitempty"`
	Subscriptions []SubscriptionDef `yaml:"subscriptions,omitempty"`
}

// TriggerDef is the YAML shape of a trigger.
type TriggerDef struct {
	ID              string `yaml:"id,omitempty"`
	Kind            string `yaml:"kind"`
	Cron            string `yaml:"cron,omitempty"`
	IntervalSeconds int    `yaml:"interval_seconds,omitempty"`
	EventType       string `yaml:"event_type,omitempty"`
	Disabled        bool   `yaml:"disabled,omitempty"`
}

// SubscriptionDef is the YAML shape of an event subscription.
type SubscriptionDef struct {
	ID           string `yaml:"id,omitempty"`
	EventType    string `yaml:"event_type"`
	SourceFilter string `yaml:"source_filter,omitempty"`
	Disabled     bool   `yaml:"disabled,omitempty"`
}

// Parse decodes and validates one persona definition.
func Parse(data []byte) (Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("decode persona: %w", err)
	}
	if def.ID == "" {
		return Definition{}, fmt.Errorf("persona is missing an id")
	}
	if def.Name == "" {
		def.Name = def.ID
	}
	for i := range def.Triggers {
		td := &def.Triggers[i]
		if td.Kind == "" {
			return Definition{}, fmt.Errorf("persona %s: trigger %d is missing a kind", def.ID, i)
		}
		if td.ID == "" {
			td.ID = fmt.Sprintf("%s-%s-%d", def.ID, td.Kind, i)
		}
	}
	for i := range def.Subscriptions {
		sd := &def.Subscriptions[i]
		if sd.EventType == "" {
			return Definition{}, fmt.Errorf("persona %s: subscription %d is missing an event_type", def.ID, i)
		}
		if sd.ID == "" {
			sd.ID = fmt.Sprintf("%s-sub-%d", def.ID, i)
		}
	}
	return def, nil
}

// TriggerRow converts a TriggerDef into its durable trigger row.
func (d Definition) TriggerRow(td TriggerDef) protocol.Trigger {
	cfg := protocol.TriggerConfig{
		Cron:            td.Cron,
		IntervalSeconds: td.IntervalSeconds,
		EventType:       td.EventType,
	}
	// The config struct only holds valid JSON-encodable fields.
	raw, _ := jsonMarshal(cfg)
	return protocol.Trigger{
		ID:        td.ID,
		PersonaID: d.ID,
		Kind:      td.Kind,
		Config:    raw,
		Enabled:   !td.Disabled && d.Enabled,
	}
}

// SubscriptionRow converts a SubscriptionDef into its durable row.
func (d Definition) SubscriptionRow(sd SubscriptionDef) protocol.Subscription {
	return protocol.Subscription{
		ID:           sd.ID,
		PersonaID:    d.ID,
		EventType:    sd.EventType,
		SourceFilter: sd.SourceFilter,
		Enabled:      !sd.Disabled && d.Enabled,
	}
}

// jsonMarshal renders a trigger config as its JSON row representation.
func jsonMarshal(cfg protocol.TriggerConfig) (string, error) {
	b, err := json.Marshal(cfg)
	if err != nil {
		return "{}", err
	}
	return string(b), nil
}

// LoadDir parses every *.yaml and *.yml file in dir, sorted by filename.
// A file that fails to parse is skipped and reported in errs; one bad
// persona never blocks loading the rest.
func LoadDir(dir string) (defs []Definition, errs []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, []error{fmt.Errorf("read persona dir %s: %w", dir, err)}
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("read %s: %w", path, err))
			continue
		}
		def, err := Parse(data)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		defs = append(defs, def)
	}
	return defs, errs
}

// Registry holds the current persona set behind a mutex.
type Registry struct {
	dir string

	mu   sync.Mutex
	defs map[string]Definition
}

// NewRegistry creates an empty registry reading from dir.
func NewRegistry(dir string) *Registry {
	return &Registry{dir: dir, defs: make(map[string]Definition)}
}

// Reload re-reads the directory and swaps the persona set. Returns parse
// errors for individual files; the registry still updates with the rest.
func (r *Registry) Reload() []error {
	defs, errs := LoadDir(r.dir)
	next := make(map[string]Definition, len(defs))
	for _, d := range defs {
		next[d.ID] = d
	}

	r.mu.Lock()
	r.defs = next
	r.mu.Unlock()
	return errs
}

// Get returns the definition for id, if present.
func (r *Registry) Get(id string) (Definition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.defs[id]
	return d, ok
}

// All returns the current definitions sorted by ID.
func (r *Registry) All() []Definition {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
