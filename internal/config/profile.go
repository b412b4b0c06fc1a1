package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile is a YAML bridge profile. Set fields override the environment.
type Profile struct {
	Name        string   `yaml:"name"`
	URLPatterns []string `yaml:"url_patterns"`
	ScriptFiles []string `yaml:"script_files"`
	Marker      string   `yaml:"marker,omitempty"`
	DelayMS     *int     `yaml:"delay_ms,omitempty"`
}

// LoadProfile reads and validates a bridge profile file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bridge profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("bridge profile: %w", err)
	}
	for i, pat := range p.URLPatterns {
		if pat == "" {
			return nil, fmt.Errorf("bridge profile: url_patterns[%d] is empty", i)
		}
	}
	for i, f := range p.ScriptFiles {
		if f == "" {
			return nil, fmt.Errorf("bridge profile: script_files[%d] is empty", i)
		}
	}
	if p.DelayMS != nil && *p.DelayMS < 0 {
		return nil, fmt.Errorf("bridge profile: delay_ms must not be negative")
	}
	return &p, nil
}

// Apply overrides cfg with the profile's set fields.
func (p *Profile) Apply(cfg *Config) {
	if len(p.URLPatterns) > 0 {
		cfg.URLPatterns = append([]string(nil), p.URLPatterns...)
	}
	if len(p.ScriptFiles) > 0 {
		cfg.ScriptFiles = append([]string(nil), p.ScriptFiles...)
	}
	if p.Marker != "" {
		cfg.Marker = p.Marker
	}
	if p.DelayMS != nil {
		cfg.InjectDelayMS = *p.DelayMS
	}
}
