// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package proxy

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Kind is the proxy protocol.
type Kind string

const (
	KindHTTP   Kind = "http"
	KindHTTPS  Kind = "https"
	KindSOCKS5 Kind = "socks5"
)

// Kinds lists every supported kind in feature-vector order.
var Kinds = []Kind{KindHTTP, KindHTTPS, KindSOCKS5}

// ParseKind validates a kind string. Empty means http.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return KindHTTP, nil
	case KindHTTP, KindHTTPS, KindSOCKS5:
		return k, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidRecord, s)
	}
}

// Record is one proxy and its usage statistics.
//
// Credentials are never part of a Record value; they live in the pool's
// locked memory and are only materialised by Pool.URL.
type Record struct {
	ID       string `json:"id"`
	Address  string `json:"address"`
	Port     int    `json:"port"`
	Kind     Kind   `json:"kind"`
	Username string `json:"username,omitempty"`

	// HasPassword reports whether credentials include a password.
	HasPassword bool `json:"has_password"`

	Active       bool      `json:"active"`
	SuccessCount int       `json:"success_count"`
	FailureCount int       `json:"failure_count"`
	LastUsed     time.Time `json:"last_used,omitempty"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	BansDetected int       `json:"bans_detected"`
	CreatedAt    time.Time `json:"created_at"`

	// LatencySamples counts the outcomes averaged into AvgLatencyMs.
	LatencySamples int `json:"latency_samples"`
}

// TotalRequests is success plus failure count.
func (r Record) TotalRequests() int {
	return r.SuccessCount + r.FailureCount
}

// SuccessRate is success/(success+failure), 1.0 for an unused proxy.
func (r Record) SuccessRate() float64 {
	total := r.TotalRequests()
	if total == 0 {
		return 1.0
	}
	return float64(r.SuccessCount) / float64(total)
}

// Untested reports whether the proxy has no recorded outcomes.
func (r Record) Untested() bool {
	return r.TotalRequests() == 0
}

// HostPort returns "address:port".
func (r Record) HostPort() string {
	return net.JoinHostPort(r.Address, strconv.Itoa(r.Port))
}

func (r Record) validate() error {
	if strings.TrimSpace(r.Address) == "" {
		return fmt.Errorf("%w: address is required", ErrInvalidRecord)
	}
	if r.Port < 1 || r.Port > 65535 {
		return fmt.Errorf("%w: port %d outside 1-65535", ErrInvalidRecord, r.Port)
	}
	return nil
}

// buildURL renders a proxy URL with optional credentials.
func buildURL(r Record, password string) string {
	u := url.URL{Scheme: string(r.Kind), Host: r.HostPort()}
	switch {
	case r.Username != "" && password != "":
		u.User = url.UserPassword(r.Username, password)
	case r.Username != "":
		u.User = url.User(r.Username)
	}
	return u.String()
}

// Outcome is the result of using a proxy for one work item.
type Outcome struct {
	Success bool
	Latency time.Duration

	// Banned marks a detection/block response attributable to the proxy.
	Banned bool
}
