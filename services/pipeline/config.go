// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// defValidate is the validator instance for pipeline definitions.
var defValidate *validator.Validate

func init() {
	defValidate = validator.New()
}

// =============================================================================
// Pipeline Definitions
// =============================================================================

// Definition is the YAML shape users write to describe a pipeline.
//
// Minimal example:
//
//	name: backend
//	source: https://github.com/acme/backend.git
//	branch: main
//	stages:
//	  - name: build
//	    type: build
//	  - name: test
//	    type: test
//	    parallel: true
type Definition struct {
	Name   string            `yaml:"name" json:"name" validate:"required,min=1,max=128"`
	Source string            `yaml:"source" json:"source" validate:"required"`
	Branch string            `yaml:"branch" json:"branch"`
	Stages []StageDefinition `yaml:"stages" json:"stages" validate:"dive"`
}

// StageDefinition is one stage entry of a Definition.
type StageDefinition struct {
	Name     string   `yaml:"name" json:"name" validate:"required"`
	Type     string   `yaml:"type" json:"type" validate:"required"`
	Parallel bool     `yaml:"parallel" json:"parallel"`
	Commands []string `yaml:"commands" json:"commands"`
	Timeout  string   `yaml:"timeout" json:"timeout"`
}

// Validate checks the definition beyond struct tags: stage types must be
// known and timeouts must parse. Returns a ValidationError on the first
// problem found.
func (d *Definition) Validate() error {
	if err := defValidate.Struct(d); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			return &ValidationError{
				Field:  errs[0].Namespace(),
				Reason: fmt.Sprintf("failed %q constraint", errs[0].Tag()),
			}
		}
		return &ValidationError{Field: "definition", Reason: err.Error()}
	}
	for i, s := range d.Stages {
		if _, err := ParseStageType(s.Type); err != nil {
			return err
		}
		if s.Timeout != "" {
			if _, err := time.ParseDuration(s.Timeout); err != nil {
				return &ValidationError{
					Field:  fmt.Sprintf("stages[%d].timeout", i),
					Reason: "must be a duration like 10m or 1h",
				}
			}
		}
	}
	return nil
}

// Pipeline materializes a new pending pipeline from the definition.
// An empty stage list gets DefaultStages; an empty branch defaults to main.
func (d *Definition) Pipeline() (*Pipeline, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	branch := d.Branch
	if branch == "" {
		branch = "main"
	}

	stages := DefaultStages()
	if len(d.Stages) > 0 {
		stages = make([]Stage, 0, len(d.Stages))
		for _, s := range d.Stages {
			st, err := ParseStageType(s.Type)
			if err != nil {
				return nil, err
			}
			var timeout time.Duration
			if s.Timeout != "" {
				timeout, _ = time.ParseDuration(s.Timeout)
			}
			stages = append(stages, Stage{
				Name:     s.Name,
				Type:     st,
				Parallel: s.Parallel,
				Commands: s.Commands,
				Timeout:  timeout,
			})
		}
	}

	return &Pipeline{
		ID:        uuid.NewString(),
		Name:      d.Name,
		Source:    d.Source,
		Branch:    branch,
		Stages:    stages,
		Status:    StatusPending,
		CreatedAt: time.Now(),
		Metrics:   make(map[string]any),
	}, nil
}

// ParseDefinition decodes a YAML definition without validating it.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, &ValidationError{Field: "definition", Reason: "invalid YAML: " + err.Error()}
	}
	return &def, nil
}

// LoadDefinition reads and decodes a YAML definition file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition %s: %w", path, err)
	}
	return ParseDefinition(data)
}
