// Copyright (c) 2018, Google LLC All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tpm

import (
	"crypto/sha1"
	"fmt"
)

// A Secret is the authorization input for an entity. It is either NoAuth or a
// known 20-byte value. The zero Secret is NoAuth.
type Secret struct {
	known bool
	value [20]byte
}

// NoAuth returns the Secret of an entity that needs no authorization.
func NoAuth() Secret { return Secret{} }

// WellKnownSecret returns the all-zero secret.
func WellKnownSecret() Secret { return Secret{known: true} }

// KnownSecret returns a Secret holding b. A nil b is the all-zero secret;
// otherwise b must be exactly 20 bytes.
func KnownSecret(b []byte) (Secret, error) {
	s := Secret{known: true}
	if b == nil {
		return s, nil
	}
	if len(b) != len(s.value) {
		return Secret{}, fmt.Errorf("%w: got %d", ErrSecretSize, len(b))
	}
	copy(s.value[:], b)
	return s, nil
}

// SecretFromPassword returns the SHA1 hash of password, the usual way of
// turning a passphrase into TPM authorization data.
func SecretFromPassword(password string) Secret {
	return Secret{known: true, value: sha1.Sum([]byte(password))}
}

// IsKnown reports whether s holds a value.
func (s Secret) IsKnown() bool { return s.known }

// String never includes the secret value.
func (s Secret) String() string {
	if !s.known {
		return "NoAuth"
	}
	return "KnownSecret(redacted)"
}

// GoString keeps the value out of %#v output too.
func (s Secret) GoString() string { return s.String() }
