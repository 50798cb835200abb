package tagger

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var hyperparameterKeys = func() map[string]bool {
	m := make(map[string]bool, len(hpFields))
	for _, f := range hpFields {
		m[f.key] = true
	}
	return m
}()

// LoadProfile reads a YAML file of hyperparameters. Dashed keys are
// accepted; unknown keys are an error.
func LoadProfile(path string) (Hyperparameters, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Hyperparameters{}, fmt.Errorf("reading profile: %w", err)
	}
	hp, err := ParseProfile(data)
	if err != nil {
		return Hyperparameters{}, fmt.Errorf("profile %s: %w", path, err)
	}
	return hp, nil
}

// ParseProfile decodes profile YAML. An empty document yields no settings.
func ParseProfile(data []byte) (Hyperparameters, error) {
	var hp Hyperparameters
	if len(bytes.TrimSpace(data)) == 0 {
		return hp, nil
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return hp, err
	}
	normalizeMappingKeys(&doc)
	if err := checkKeys(&doc, hyperparameterKeys); err != nil {
		return hp, err
	}
	if err := doc.Decode(&hp); err != nil {
		return hp, err
	}
	return hp, nil
}
