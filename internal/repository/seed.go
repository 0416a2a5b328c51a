package repository

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedFile is a YAML document of definitions to load at deploy time:
//
//	definitions:
//	  - code: leave-request
//	    name: Leave request
//	    activate: true
//	    steps:
//	      - {order: 1, name: Submit, type: START}
//	      - {order: 2, name: Manager, type: APPROVAL, assignee: mgr-1, sla_hours: 24}
//	      - {order: 3, name: Done, type: END}
//	    transitions:
//	      - {from: 1, to: 2, trigger: SUBMIT}
//	      - {from: 2, to: 3, trigger: APPROVE}
type SeedFile struct {
	Definitions []SeedDefinition `yaml:"definitions"`
}

type SeedDefinition struct {
	Code        string           `yaml:"code"`
	Name        string           `yaml:"name"`
	Description *string          `yaml:"description"`
	CreatedBy   string           `yaml:"created_by"`
	Activate    bool             `yaml:"activate"`
	Steps       []SeedStep       `yaml:"steps"`
	Transitions []SeedTransition `yaml:"transitions"`
}

type SeedStep struct {
	Order    int     `yaml:"order"`
	Name     string  `yaml:"name"`
	Type     string  `yaml:"type"`
	Assignee *string `yaml:"assignee"`
	SLAHours *int    `yaml:"sla_hours"`
}

type SeedTransition struct {
	From    int    `yaml:"from"`
	To      int    `yaml:"to"`
	Trigger string `yaml:"trigger"`
}

// LoadSeed decodes a seed document. Unknown keys are rejected.
func LoadSeed(r io.Reader) (*SeedFile, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var seed SeedFile
	if err := dec.Decode(&seed); err != nil {
		if err == io.EOF {
			return &seed, nil
		}
		return nil, fmt.Errorf("failed to decode seed: %w", err)
	}
	for i, d := range seed.Definitions {
		if d.Code == "" {
			return nil, fmt.Errorf("seed definition %d has no code", i)
		}
	}
	return &seed, nil
}

// LoadSeedFile reads and decodes the seed at path.
func LoadSeedFile(path string) (*SeedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open seed file: %w", err)
	}
	defer f.Close()
	return LoadSeed(f)
}
