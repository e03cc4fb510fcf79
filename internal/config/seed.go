package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/flitsinc/brons/internal/state"
)

// Seed lists brons to create on first start, e.g.
//
//	brons:
//	  - name: Ada
//	    avatar_color: "#6366f1"
//	    system_prompt: Keep replies short.
type Seed struct {
	Brons []state.BronInput `yaml:"brons"`
}

func LoadSeed(path string) (Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("read seed: %w", err)
	}
	return ParseSeed(data)
}

func ParseSeed(data []byte) (Seed, error) {
	var seed Seed
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil {
		return Seed{}, fmt.Errorf("parse seed: %w", err)
	}
	for i, b := range seed.Brons {
		if b.Name == "" {
			return Seed{}, fmt.Errorf("seed bron %d: name is required", i)
		}
	}
	return seed, nil
}
