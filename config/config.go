package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	yaml "gopkg.in/yaml.v2"
)

// AccessLevel is one of the three access grants a repository configures
// separately for the anonymous and the authenticated principal.
type AccessLevel string

const (
	AccessNone  AccessLevel = "none"
	AccessRead  AccessLevel = "read"
	AccessWrite AccessLevel = "write"
)

func (a AccessLevel) valid() bool {
	return a == AccessNone || a == AccessRead || a == AccessWrite
}

// AutoPropEntry is one parsed entry of the typemap/auto-props table: a
// path-matching regex and whether it marks the matched files binary or
// text for translation purposes.
type AutoPropEntry struct {
	Binary bool           // false => text
	RePath *regexp.Regexp // compiled from the raw fnmatch-style pattern
}

// Config is a single repository's INI-like configuration, unmarshalled
// from YAML the same way a p4-to-git import config is; the fields
// model per-repository access and auth settings rather than p4-to-git
// import options.
type Config struct {
	AnonAccess  AccessLevel `yaml:"anon_access"`
	AuthAccess  AccessLevel `yaml:"auth_access"`
	PasswordDB  string      `yaml:"password_db"`
	Realm       string      `yaml:"realm"`
	DefaultEOL  string      `yaml:"default_eol"`  // "", "native", "LF", "CRLF", "CR"
	UseCommitTimes bool     `yaml:"use_commit_times"`
	AutoProps   []string    `yaml:"auto_props"` // raw "binary|text <pattern>" lines
	ReAutoProps []AutoPropEntry
}

// Unmarshal parses a config file's raw YAML bytes, filling in defaults
// for anything left unset and validating the regex-bearing fields.
func Unmarshal(raw []byte) (*Config, error) {
	cfg := &Config{
		AnonAccess:  AccessRead,
		AuthAccess:  AccessWrite,
		Realm:       "gosvnd",
		ReAutoProps: make([]AutoPropEntry, 0),
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %v. make sure to use 'single quotes' around strings with special characters (like match patterns)", err.Error())
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFile loads and parses a config file from disk.
func LoadConfigFile(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load %v: %v", filename, err.Error())
	}
	cfg, err := LoadConfigString(content)
	if err != nil {
		return nil, fmt.Errorf("failed to load %v: %v", filename, err.Error())
	}
	return cfg, nil
}

// LoadConfigString parses a config file already read into memory.
func LoadConfigString(content []byte) (*Config, error) {
	return Unmarshal(content)
}

func (c *Config) validate() error {
	if !c.AnonAccess.valid() {
		return fmt.Errorf("anon_access must be one of none/read/write, got %q", c.AnonAccess)
	}
	if !c.AuthAccess.valid() {
		return fmt.Errorf("auth_access must be one of none/read/write, got %q", c.AuthAccess)
	}
	if len(c.AutoProps) > 0 {
		for _, line := range c.AutoProps {
			parts := strings.Fields(line)
			if len(parts) != 2 {
				return fmt.Errorf("failed to split '%s' on a space", line)
			}
			kind := parts[0]
			pattern := parts[1]
			if !strings.Contains(kind, "binary") && !strings.Contains(kind, "text") {
				return fmt.Errorf("auto_props entries must contain either 'binary' or 'text' in the first field: %s", line)
			}
			pattern = strings.Trim(pattern, `"`)
			pattern = strings.ReplaceAll(pattern, "...", ".*")
			pattern += "$"
			rePath, err := regexp.Compile(pattern)
			if err != nil {
				return fmt.Errorf("failed to parse '%s' as a regex", pattern)
			}
			c.ReAutoProps = append(c.ReAutoProps, AutoPropEntry{Binary: strings.Contains(kind, "binary"), RePath: rePath})
		}
	}
	return nil
}
