// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package placement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// CloudTier posts jobs to a remote worker over HTTP.
//
// # Description
//
// The worker exposes GET {endpoint}/healthz and POST {endpoint}/v1/execute.
// The execute body is the Job as JSON; the response is
// {"success": bool, "blocked": bool}. Requests are rate limited so a scale-up burst cannot
// flood the remote side.
//
// # Thread Safety
//
// Safe for concurrent use.
type CloudTier struct {
	endpoint string
	token    string
	client   *http.Client
	limiter  *rate.Limiter
	probe    probeCache
	probeTTL time.Duration
}

// CloudConfig configures a CloudTier.
type CloudConfig struct {
	Endpoint string `yaml:"endpoint"`
	Token    string `yaml:"token"`

	// RequestsPerSecond and Burst bound execute calls. Default: 2 and 4.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`

	// Timeout per execute call. Default: 15m.
	Timeout time.Duration `yaml:"timeout"`
}

// NewCloudTier creates a CloudTier. client may be nil.
func NewCloudTier(cfg CloudConfig, client *http.Client) *CloudTier {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Minute
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &CloudTier{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		token:    cfg.Token,
		client:   client,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
	}
}

// Name returns "cloud".
func (t *CloudTier) Name() string { return TierCloud }

// IsAvailable probes the health endpoint, cached for 30s.
func (t *CloudTier) IsAvailable(ctx context.Context) bool {
	if t.endpoint == "" {
		return false
	}
	return t.probe.get(t.probeTTL, func() bool {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(pctx, http.MethodGet, t.endpoint+"/healthz", nil)
		if err != nil {
			return false
		}
		t.authorize(req)
		resp, err := t.client.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode == http.StatusOK
	})
}

type executeResponse struct {
	Success bool   `json:"success"`
	Blocked bool   `json:"blocked,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Execute posts the job and waits for the verdict.
func (t *CloudTier) Execute(ctx context.Context, job Job) (bool, error) {
	if t.endpoint == "" {
		return false, fmt.Errorf("%w: cloud endpoint not configured", ErrTierUnavailable)
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return false, fmt.Errorf("cloud rate limit: %w", err)
	}

	body, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("encode job: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint+"/v1/execute", bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	t.authorize(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("cloud execute: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, fmt.Errorf("read cloud response: %w", err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return false, fmt.Errorf("cloud execute: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if resp.StatusCode != http.StatusOK {
		return false, nil
	}
	var out executeResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return false, fmt.Errorf("decode cloud response: %w", err)
	}
	if !out.Success && out.Blocked {
		return false, ErrBlocked
	}
	return out.Success, nil
}

func (t *CloudTier) authorize(req *http.Request) {
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
}
