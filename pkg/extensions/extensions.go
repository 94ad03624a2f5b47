// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extensions defines the pluggable security hooks of the admin API.
//
// # Description
//
// The API authenticates every /v1 request through an AuthProvider,
// checks it against an AuthzProvider and records mutating requests with
// an AuditLogger. The defaults accept everything and record nothing, which
// suits a control plane bound to localhost. Deployments that expose the
// API configure tokens, which swaps in TokenAuthProvider and
// RoleAuthzProvider.
package extensions

// ServiceOptions bundles the hooks a Server uses.
//
// # Example
//
//	opts := extensions.DefaultOptions().
//	    WithAuth(extensions.NewTokenAuthProvider(tokens)).
//	    WithAuthz(extensions.RoleAuthzProvider{}).
//	    WithAudit(extensions.NewMemoryAuditLogger(1000, logger))
type ServiceOptions struct {
	// AuthProvider validates bearer tokens.
	AuthProvider AuthProvider

	// AuthzProvider decides whether a user may perform an action.
	AuthzProvider AuthzProvider

	// AuditLogger records mutating requests.
	AuditLogger AuditLogger
}

// DefaultOptions returns the allow-all, record-nothing hooks.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider:  &NopAuthProvider{},
		AuthzProvider: &NopAuthzProvider{},
		AuditLogger:   &NopAuditLogger{},
	}
}

// WithAuth returns a copy using provider.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

// WithAuthz returns a copy using provider.
func (opts ServiceOptions) WithAuthz(provider AuthzProvider) ServiceOptions {
	opts.AuthzProvider = provider
	return opts
}

// WithAudit returns a copy using logger.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}

// Normalized fills nil hooks with the nop implementations.
func (opts ServiceOptions) Normalized() ServiceOptions {
	def := DefaultOptions()
	if opts.AuthProvider == nil {
		opts.AuthProvider = def.AuthProvider
	}
	if opts.AuthzProvider == nil {
		opts.AuthzProvider = def.AuthzProvider
	}
	if opts.AuditLogger == nil {
		opts.AuditLogger = def.AuditLogger
	}
	return opts
}
