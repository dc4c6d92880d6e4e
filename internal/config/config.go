// Package config loads and watches the routerctl configuration file.
//
// The file is YAML (or JSON); YAML is normalized and re-marshalled so a single
// strict JSON decoder with DisallowUnknownFields validates both formats.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	yaml "go.yaml.in/yaml/v3"

	"routerctl/internal/rules"
)

// defaultGroupOrder sorts unconfigured groups last.
const defaultGroupOrder = 999

type Config struct {
	Router  RouterConfig           `json:"router"`
	Rules   RulesConfig            `json:"rules"`
	Groups  map[string]GroupConfig `json:"groups,omitempty"`
	Storage *StorageConfig         `json:"storage,omitempty"`
	Logging LoggingConfig          `json:"logging"`
	Web     WebConfig              `json:"web"`
	Jobs    JobsConfig             `json:"jobs,omitempty"`
	Notify  *NotifyConfig          `json:"notify,omitempty"`

	Speedtest *SpeedtestConfig `json:"speedtest,omitempty"`
}

type RouterConfig struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	// Password may be left empty in the file and supplied via the
	// ROUTER_PASSWORD environment variable instead.
	Password string `json:"password,omitempty"`

	Timeout    string `json:"timeout,omitempty"` // Go duration string
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// RuleEntry is the rich per-rule form carrying presentation overrides.
type RuleEntry struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	Group       string `json:"group,omitempty"`
	HideToggle  bool   `json:"hide_toggle,omitempty"`
}

// RulesConfig is the allow-list of managed rules. The flat lists are the
// legacy format; both formats may be mixed and are merged in order, legacy
// entries first.
type RulesConfig struct {
	Firewall []string `json:"firewall,omitempty"`
	Queues   []string `json:"queues,omitempty"`

	FirewallRules []RuleEntry `json:"firewall_rules,omitempty"`
	QueueRules    []RuleEntry `json:"queue_rules,omitempty"`
}

type GroupConfig struct {
	Name     string `json:"name"`
	Order    int    `json:"order,omitempty"` // 0 means unset, sorts as 999
	Expanded bool   `json:"expanded,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

type LoggingConfig struct {
	Level   string     `json:"level,omitempty"`
	Console bool       `json:"console,omitempty"`
	File    FileConfig `json:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

type WebConfig struct {
	Addr      string    `json:"addr,omitempty"` // default ":8080"
	JWTSecret string    `json:"jwt_secret"`
	Users     []WebUser `json:"users,omitempty"`
}

type WebUser struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"` // bcrypt
}

// JobsConfig controls the periodic background jobs. Durations are Go duration
// strings; empty disables the job.
type JobsConfig struct {
	ResyncInterval string `json:"resync_interval,omitempty"`
	SweepInterval  string `json:"sweep_interval,omitempty"`
}

type NotifyConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"`
	ChatID     int64  `json:"chat_id,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type SpeedtestConfig struct {
	Enabled     bool   `json:"enabled"`
	HistoryFile string `json:"history_file,omitempty"`
}

// Parse decodes and validates raw config bytes. path is only used to pick the
// YAML/JSON format by extension.
func Parse(path string, data []byte) (*Config, error) {
	jb, err := coerceToJSON(path, data)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// Reject trailing tokens (e.g. concatenated documents).
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Router.URL) == "" {
		return fmt.Errorf("router.url is required")
	}
	for i, u := range c.Web.Users {
		if strings.TrimSpace(u.Username) == "" || strings.TrimSpace(u.PasswordHash) == "" {
			return fmt.Errorf("web.users[%d]: username and password_hash are required", i)
		}
	}
	return nil
}

// coerceToJSON converts YAML input to JSON bytes so the strict JSON decoder
// serves both formats. JSON files pass through untouched.
func coerceToJSON(path string, data []byte) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	j, err := json.Marshal(normalizeYAML(v))
	if err != nil {
		return nil, fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, nil
}

// normalizeYAML ensures all map keys are strings so the result can be
// JSON-marshalled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = normalizeYAML(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}

// NormalizeID makes a configured identifier comparable with device IDs, which
// always carry the leading "*" marker.
func NormalizeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || strings.HasPrefix(id, "*") {
		return id
	}
	return "*" + id
}

// FirewallSpecs merges the legacy flat list and the rich entries into loader
// specs, legacy first, duplicates dropped keeping the first occurrence.
func (c *RulesConfig) FirewallSpecs() []rules.Spec {
	return mergeSpecs(c.Firewall, c.FirewallRules)
}

// QueueSpecs is FirewallSpecs for the queue allow-list.
func (c *RulesConfig) QueueSpecs() []rules.Spec {
	return mergeSpecs(c.Queues, c.QueueRules)
}

func mergeSpecs(legacy []string, rich []RuleEntry) []rules.Spec {
	seen := map[string]bool{}
	out := make([]rules.Spec, 0, len(legacy)+len(rich))
	add := func(sp rules.Spec) {
		sp.ID = NormalizeID(sp.ID)
		if sp.ID == "" || seen[sp.ID] {
			return
		}
		seen[sp.ID] = true
		out = append(out, sp)
	}
	for _, id := range legacy {
		add(rules.Spec{ID: id})
	}
	for _, e := range rich {
		add(rules.Spec{ID: e.ID, Description: e.Description, Group: e.Group, HideToggle: e.HideToggle})
	}
	return out
}

// GroupEntry is a group key paired with its resolved config, used for sorted
// presentation.
type GroupEntry struct {
	Key    string
	Config GroupConfig
}

// SortedGroups returns all configured groups ordered by (order, key), with a
// catch-all "default" group appended when the config does not define one.
func (c *Config) SortedGroups() []GroupEntry {
	out := make([]GroupEntry, 0, len(c.Groups)+1)
	hasDefault := false
	for key, g := range c.Groups {
		if key == "default" {
			hasDefault = true
		}
		if g.Order == 0 {
			g.Order = defaultGroupOrder
		}
		out = append(out, GroupEntry{Key: key, Config: g})
	}
	if !hasDefault {
		out = append(out, GroupEntry{
			Key:    "default",
			Config: GroupConfig{Name: "Other rules", Order: defaultGroupOrder},
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Config.Order != out[j].Config.Order {
			return out[i].Config.Order < out[j].Config.Order
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// RouterPassword resolves the router password, preferring the environment
// over the config file so the secret can stay out of it.
func (c *Config) RouterPassword() string {
	if p := os.Getenv("ROUTER_PASSWORD"); p != "" {
		return p
	}
	return c.Router.Password
}
