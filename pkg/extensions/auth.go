// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized is returned when a token is missing or unknown.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden is returned when an authenticated user lacks the role
	// for an action.
	ErrForbidden = errors.New("forbidden")
)

// Roles understood by RoleAuthzProvider.
const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// Actions derived from the request method.
const (
	ActionRead   = "read"
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// AuthInfo is the identity behind a validated token.
//
// Required fields (always populated):
//   - UserID: Unique identifier for the caller
//
// Optional fields (may be empty):
//   - Roles: Role memberships used for authorization
type AuthInfo struct {
	UserID string
	Roles  []string
}

// HasRole reports whether the user holds role.
func (a *AuthInfo) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider validates a bearer token.
//
// # Implementation Requirements
//
// Return ErrUnauthorized, possibly wrapped, for a missing or unknown
// token. Other errors are treated as internal failures.
type AuthProvider interface {
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// AuthzRequest describes one access check.
type AuthzRequest struct {
	User *AuthInfo

	// Action is one of the Action constants.
	Action string

	// ResourceType is the API area, e.g. "queue", "schedules", "proxies".
	ResourceType string

	// ResourceID is the path id when the route has one.
	ResourceID string
}

// AuthzProvider decides whether a request may proceed.
type AuthzProvider interface {
	// Authorize returns nil to allow, ErrForbidden to deny.
	Authorize(ctx context.Context, req AuthzRequest) error
}

// NopAuthProvider accepts every token as the local admin.
type NopAuthProvider struct{}

// Validate always succeeds.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{UserID: "local-user", Roles: []string{RoleAdmin}}, nil
}

// NopAuthzProvider allows everything.
type NopAuthzProvider struct{}

// Authorize always returns nil.
func (p *NopAuthzProvider) Authorize(_ context.Context, _ AuthzRequest) error {
	return nil
}

// TokenAuthProvider maps static bearer tokens to identities.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type TokenAuthProvider struct {
	tokens []tokenEntry
}

type tokenEntry struct {
	token []byte
	info  AuthInfo
}

// NewTokenAuthProvider creates a provider from token -> identity. Empty
// tokens are ignored.
func NewTokenAuthProvider(tokens map[string]AuthInfo) *TokenAuthProvider {
	p := &TokenAuthProvider{}
	for tok, info := range tokens {
		if tok == "" {
			continue
		}
		p.tokens = append(p.tokens, tokenEntry{token: []byte(tok), info: info})
	}
	return p
}

// Validate compares token against every configured token in constant time.
func (p *TokenAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("missing bearer token: %w", ErrUnauthorized)
	}
	var match *AuthInfo
	for i := range p.tokens {
		if subtle.ConstantTimeCompare(p.tokens[i].token, []byte(token)) == 1 {
			info := p.tokens[i].info
			match = &info
		}
	}
	if match == nil {
		return nil, fmt.Errorf("unknown bearer token: %w", ErrUnauthorized)
	}
	return match, nil
}

// Empty reports whether no tokens are configured.
func (p *TokenAuthProvider) Empty() bool {
	return len(p.tokens) == 0
}

// RoleAuthzProvider lets viewers read and admins do anything.
type RoleAuthzProvider struct{}

// Authorize applies the role rule.
func (RoleAuthzProvider) Authorize(_ context.Context, req AuthzRequest) error {
	if req.User == nil {
		return ErrForbidden
	}
	if req.User.HasRole(RoleAdmin) {
		return nil
	}
	if req.Action == ActionRead && req.User.HasRole(RoleViewer) {
		return nil
	}
	return fmt.Errorf("%s %s needs role %s: %w", req.Action, req.ResourceType, RoleAdmin, ErrForbidden)
}

var (
	_ AuthProvider  = (*NopAuthProvider)(nil)
	_ AuthProvider  = (*TokenAuthProvider)(nil)
	_ AuthzProvider = (*NopAuthzProvider)(nil)
	_ AuthzProvider = RoleAuthzProvider{}
)
