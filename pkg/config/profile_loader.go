package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// AdmissionProfile is a named admission policy loaded from YAML. Profiles let
// one binary serve both strict production deployments and the permissive
// conformance-harness setup without code changes.
type AdmissionProfile struct {
	Name               string  `yaml:"name" json:"name"`
	RequireSignatures  bool    `yaml:"require_signatures" json:"require_signatures"`
	RequireAttestation bool    `yaml:"require_attestation" json:"require_attestation"`
	TestSurface        bool    `yaml:"test_surface" json:"test_surface"`
	RateLimitRPS       float64 `yaml:"rate_limit_rps,omitempty" json:"rate_limit_rps,omitempty"`
	RateLimitBurst     int     `yaml:"rate_limit_burst,omitempty" json:"rate_limit_burst,omitempty"`
}

// LoadProfile loads profile_<name>.yaml from the profiles directory.
func LoadProfile(profilesDir, name string) (*AdmissionProfile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}

	var profile AdmissionProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", name, err)
	}
	if profile.Name == "" {
		profile.Name = name
	}
	return &profile, nil
}

// LoadAllProfiles loads every profile_*.yaml in the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*AdmissionProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*AdmissionProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var profile AdmissionProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if profile.Name == "" {
			base := filepath.Base(path)
			profile.Name = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		profiles[profile.Name] = &profile
	}
	return profiles, nil
}

// Apply overlays the profile onto cfg. Environment variables already loaded
// into cfg win only where the profile leaves a zero value.
func (p *AdmissionProfile) Apply(cfg *Config) {
	cfg.RequireSignatures = p.RequireSignatures
	cfg.RequireAttestation = p.RequireAttestation
	cfg.TestSurface = p.TestSurface
	if p.RateLimitRPS > 0 {
		cfg.RateLimitRPS = p.RateLimitRPS
	}
	if p.RateLimitBurst > 0 {
		cfg.RateLimitBurst = p.RateLimitBurst
	}
}

// Strict is the built-in production profile: everything signed and attested.
func Strict() *AdmissionProfile {
	return &AdmissionProfile{
		Name:               "strict",
		RequireSignatures:  true,
		RequireAttestation: true,
	}
}

// Conformance is the built-in harness profile: verify what is present,
// require nothing, expose the test surface.
func Conformance() *AdmissionProfile {
	return &AdmissionProfile{
		Name:        "conformance",
		TestSurface: true,
	}
}
