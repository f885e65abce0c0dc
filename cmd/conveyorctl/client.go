// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// apiClient is a thin JSON client for the Conveyor control API. Every
// command goes through exchange so auth and error decoding live in one
// place.
type apiClient struct {
	server string
	apiKey string
	http   *http.Client
}

func newAPIClient(server, apiKey string) *apiClient {
	return &apiClient{
		server: strings.TrimRight(server, "/"),
		apiKey: apiKey,
		http:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) get(path string, out any) error {
	return c.exchange(http.MethodGet, path, nil, out)
}

func (c *apiClient) post(path string, in, out any) error {
	return c.exchange(http.MethodPost, path, in, out)
}

func (c *apiClient) delete(path string, out any) error {
	return c.exchange(http.MethodDelete, path, nil, out)
}

func (c *apiClient) exchange(method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, c.server+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var envelope struct {
			Error  string `json:"error"`
			Detail string `json:"detail"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil && envelope.Error != "" {
			if envelope.Detail != "" {
				return fmt.Errorf("%s (%s)", envelope.Error, envelope.Detail)
			}
			return fmt.Errorf("%s", envelope.Error)
		}
		return fmt.Errorf("server returned %d for %s %s", resp.StatusCode, method, path)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
