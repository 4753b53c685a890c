package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Profile is the persistent device identity. It is created on first run
// and reused so the peer ID stays stable across restarts.
type Profile struct {
	DeviceID    string `yaml:"device_id"`
	DisplayName string `yaml:"display_name"`
	Emergency   bool   `yaml:"emergency"`
}

// LoadProfile reads the profile at path, creating a fresh one with a
// random device ID if the file does not exist yet.
func LoadProfile(path string) (Profile, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		p := Profile{
			DeviceID:    uuid.NewString(),
			DisplayName: defaultDisplayName(),
		}
		if err := p.Save(path); err != nil {
			return Profile{}, err
		}
		return p, nil
	}
	if err != nil {
		return Profile{}, fmt.Errorf("profile: read %s: %w", path, err)
	}

	var p Profile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Profile{}, fmt.Errorf("profile: parse %s: %w", path, err)
	}
	if p.DeviceID == "" {
		p.DeviceID = uuid.NewString()
		if err := p.Save(path); err != nil {
			return Profile{}, err
		}
	}
	if p.DisplayName == "" {
		p.DisplayName = defaultDisplayName()
	}
	return p, nil
}

func (p Profile) Save(path string) error {
	raw, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("profile: encode: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("profile: write %s: %w", path, err)
	}
	return nil
}

func defaultDisplayName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "beacon-device"
	}
	return host
}
