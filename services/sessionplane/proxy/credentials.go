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

	"github.com/awnumar/memguard"
)

// secret holds a proxy password in an encrypted enclave.
//
// # Description
//
// The plaintext only exists inside a guarded buffer while reveal runs,
// and is wiped when the buffer is destroyed.
type secret struct {
	enclave *memguard.Enclave
}

// newSecret seals password. The input string's backing array cannot be
// wiped; callers should drop it as soon as possible.
func newSecret(password string) *secret {
	if password == "" {
		return nil
	}
	return &secret{enclave: memguard.NewEnclave([]byte(password))}
}

// reveal opens the enclave and passes the plaintext to fn. plain aliases
// the guarded buffer, which is destroyed when fn returns; fn must copy it
// with strings.Clone to keep it.
func (s *secret) reveal(fn func(plain string)) error {
	if s == nil {
		fn("")
		return nil
	}
	buf, err := s.enclave.Open()
	if err != nil {
		return fmt.Errorf("open credential enclave: %w", err)
	}
	defer buf.Destroy()
	fn(buf.String())
	return nil
}
