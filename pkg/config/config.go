/*
Copyright 2025 The Glassdome Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads and validates the single YAML document that
// configures a Glassdome process: platform credentials, agent cadences, the
// controller period, and the persistence paths.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/glassdome/glassdome/pkg/platform/aws"
	"github.com/glassdome/glassdome/pkg/platform/azure"
	"github.com/glassdome/glassdome/pkg/platform/proxmox"
	"github.com/glassdome/glassdome/pkg/platform/vsphere"
)

// EnvConfigPath is consulted when no --config flag is given.
const EnvConfigPath = "GLASSDOME_CONFIG"

// Defaults applied by Load.
const (
	DefaultStatePath  = "glassdome-state.json"
	DefaultMissionDir = "missions"
)

// tierIntervals are the default poll cadences per tier.
var tierIntervals = map[int]time.Duration{
	1: time.Second,
	2: 5 * time.Second,
	3: 30 * time.Second,
}

// Duration wraps time.Duration with YAML string parsing ("30s", "5m").
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// AgentConfig declares one platform agent.
type AgentConfig struct {
	Name     string   `yaml:"name"`
	Platform string   `yaml:"platform"`
	Instance string   `yaml:"instance,omitempty"`
	Tier     int      `yaml:"tier"`
	Interval Duration `yaml:"interval,omitempty"`
}

// PollInterval returns the configured interval, defaulted by tier.
func (a AgentConfig) PollInterval() time.Duration {
	if a.Interval > 0 {
		return a.Interval.Std()
	}
	return tierIntervals[a.Tier]
}

// ControllerConfig tunes the lab controller.
type ControllerConfig struct {
	Period Duration `yaml:"period,omitempty"`
}

// ReaperConfig tunes the mission engine side.
type ReaperConfig struct {
	// Workers lists the OS families to run local workers for
	// (linux/windows/macos). Empty means linux and windows.
	Workers []string `yaml:"workers,omitempty"`

	// Catalog overrides the built-in playbook catalog. Keys are
	// "<category>_<os>", values are playbook names.
	Catalog map[string][]string `yaml:"catalog,omitempty"`

	// SSH credentials the OS workers use to reach target VMs.
	SSHUser     string `yaml:"ssh_user,omitempty"`
	SSHPassword string `yaml:"ssh_password,omitempty"`
}

// PlatformsConfig carries per-instance adapter credentials, keyed by
// instance tag. A platform with a single unnamed instance uses key "".
type PlatformsConfig struct {
	VSphere map[string]vsphere.Config `yaml:"vsphere,omitempty"`
	Proxmox map[string]proxmox.Config `yaml:"proxmox,omitempty"`
	AWS     map[string]aws.Config     `yaml:"aws,omitempty"`
	Azure   map[string]azure.Config   `yaml:"azure,omitempty"`
}

// Names returns the configured "platform" or "platform/instance" keys.
func (p PlatformsConfig) Names() []string {
	var out []string
	add := func(platformName string, keys []string) {
		for _, k := range keys {
			if k == "" {
				out = append(out, platformName)
				continue
			}
			out = append(out, platformName+"/"+k)
		}
	}
	add("vsphere", mapKeys(p.VSphere))
	add("proxmox", mapKeys(p.Proxmox))
	add("aws", mapKeys(p.AWS))
	add("azure", mapKeys(p.Azure))
	return out
}

func mapKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// Config is the whole document.
type Config struct {
	StatePath  string           `yaml:"state_path,omitempty"`
	MissionDir string           `yaml:"mission_dir,omitempty"`
	Platforms  PlatformsConfig  `yaml:"platforms,omitempty"`
	Agents     []AgentConfig    `yaml:"agents,omitempty"`
	Controller ControllerConfig `yaml:"controller,omitempty"`
	Reaper     ReaperConfig     `yaml:"reaper,omitempty"`
}

// ResolvePath picks the config file path: the explicit flag value if set,
// otherwise the environment variable, otherwise empty (defaults only).
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(EnvConfigPath)
}

// Load reads, parses, defaults, and validates the document at path. An
// empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read config %s", path)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, errors.Wrapf(err, "failed to parse config %s", path)
		}
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.StatePath == "" {
		c.StatePath = DefaultStatePath
	}
	if c.MissionDir == "" {
		c.MissionDir = DefaultMissionDir
	}
	if len(c.Reaper.Workers) == 0 {
		c.Reaper.Workers = []string{"linux", "windows"}
	}
	if c.Reaper.SSHUser == "" {
		c.Reaper.SSHUser = "glassdome"
	}
}

func (c *Config) validate() error {
	configured := map[string]bool{}
	for _, name := range c.Platforms.Names() {
		configured[name] = true
	}
	seen := map[string]bool{}
	for i, a := range c.Agents {
		if a.Name == "" {
			return errors.Errorf("agents[%d]: name is required", i)
		}
		if seen[a.Name] {
			return errors.Errorf("agents[%d]: duplicate agent name %q", i, a.Name)
		}
		seen[a.Name] = true
		if a.Tier < 1 || a.Tier > 3 {
			return errors.Errorf("agent %s: tier must be 1, 2, or 3", a.Name)
		}
		key := a.Platform
		if a.Instance != "" {
			key = a.Platform + "/" + a.Instance
		}
		if !configured[key] {
			return errors.Errorf("agent %s: platform %q has no credentials configured", a.Name, key)
		}
	}
	for _, osName := range c.Reaper.Workers {
		switch osName {
		case "linux", "windows", "macos":
		default:
			return errors.Errorf("reaper worker os %q is not one of linux/windows/macos", osName)
		}
	}
	if p := c.Controller.Period.Std(); p < 0 {
		return fmt.Errorf("controller period must not be negative")
	}
	return nil
}
