// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/conveyor-ci/conveyor/pkg/extensions"
)

// keyFile is the on-disk shape of CONVEYOR_API_KEYS_FILE:
//
//	keys:
//	  - id: ci-bot
//	    name: CI Bot
//	    secret: s3cret
//	    scopes: [pipelines:read, pipelines:write]
type keyFile struct {
	Keys []struct {
		ID     string   `yaml:"id"`
		Name   string   `yaml:"name"`
		Secret string   `yaml:"secret"`
		Scopes []string `yaml:"scopes"`
	} `yaml:"keys"`
}

func loadKeyProvider(path string) (*extensions.StaticKeyProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	var file keyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse key file %s: %w", path, err)
	}
	if len(file.Keys) == 0 {
		return nil, fmt.Errorf("key file %s defines no keys", path)
	}

	keys := make([]extensions.StaticKey, 0, len(file.Keys))
	for i, k := range file.Keys {
		if k.ID == "" || k.Secret == "" {
			return nil, fmt.Errorf("key file %s: entry %d needs id and secret", path, i)
		}
		keys = append(keys, extensions.StaticKey{
			ID:     k.ID,
			Name:   k.Name,
			Secret: k.Secret,
			Scopes: k.Scopes,
		})
	}
	return extensions.NewStaticKeyProvider(keys), nil
}
