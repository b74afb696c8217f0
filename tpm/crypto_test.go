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
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestOAEPRoundTrip(t *testing.T) {
	priv := testRSAKeys(t)[0]
	msg := []byte("transport secret")
	ct, err := EncryptOAEP(rand.Reader, &priv.PublicKey, msg)
	if err != nil {
		t.Fatalf("EncryptOAEP() = %v", err)
	}
	if bytes.Contains(ct, msg) {
		t.Error("ciphertext contains the plaintext")
	}
	got, err := DecryptOAEP(priv, ct)
	if err != nil {
		t.Fatalf("DecryptOAEP() = %v", err)
	}
	if diff := cmp.Diff(msg, got); diff != "" {
		t.Errorf("OAEP round trip mismatch (-want +got):\n%s", diff)
	}
	ct[len(ct)-1] ^= 1
	if _, err := DecryptOAEP(priv, ct); err == nil {
		t.Error("DecryptOAEP() accepted a modified ciphertext")
	}
}

func TestSignVerifySHA1(t *testing.T) {
	priv := testRSAKeys(t)[1]
	data := []byte("signed data")
	sig, err := SignSHA1(rand.Reader, priv, data)
	if err != nil {
		t.Fatalf("SignSHA1() = %v", err)
	}
	if err := VerifySHA1(&priv.PublicKey, data, sig); err != nil {
		t.Errorf("VerifySHA1() = %v", err)
	}
	if err := VerifySHA1(&priv.PublicKey, []byte("other data"), sig); !errors.Is(err, ErrVerification) {
		t.Errorf("VerifySHA1() over other data = %v, want ErrVerification", err)
	}
}

func TestXORAuth(t *testing.T) {
	secret := [20]byte{1, 2, 3, 4, 5}
	key := []byte("shared secret")
	nonce := Nonce{9}
	enc := xorAuth(secret, key, nonce)
	if [20]byte(enc) == secret {
		t.Fatal("xorAuth() left the secret unchanged")
	}
	if dec := xorAuth([20]byte(enc), key, nonce); [20]byte(dec) != secret {
		t.Errorf("xorAuth() is not its own inverse: got % x", dec)
	}
	if other := xorAuth(secret, key, Nonce{10}); other == enc {
		t.Error("xorAuth() ignores the nonce")
	}
}

func TestMGF1XOR(t *testing.T) {
	seed := []byte("even odd in secret")
	plain := bytes.Repeat([]byte{0x5a}, 50)
	buf := append([]byte(nil), plain...)
	mgf1XOR(buf, seed)
	if bytes.Equal(buf, plain) {
		t.Fatal("mgf1XOR() left the buffer unchanged")
	}
	short := append([]byte(nil), plain[:10]...)
	mgf1XOR(short, seed)
	if diff := cmp.Diff(buf[:10], short); diff != "" {
		t.Errorf("mask of a short buffer isn't a prefix of the long mask (-long +short):\n%s", diff)
	}
	mgf1XOR(buf, seed)
	if diff := cmp.Diff(plain, buf); diff != "" {
		t.Errorf("mgf1XOR() is not its own inverse (-want +got):\n%s", diff)
	}
	var empty []byte
	mgf1XOR(empty, seed)
}

func TestSecret(t *testing.T) {
	if NoAuth().IsKnown() || (Secret{}).IsKnown() {
		t.Error("NoAuth is known")
	}
	if !WellKnownSecret().IsKnown() || WellKnownSecret().value != ([20]byte{}) {
		t.Error("WellKnownSecret() is not the known all-zero secret")
	}
	zero, err := KnownSecret(nil)
	if err != nil || zero != WellKnownSecret() {
		t.Errorf("KnownSecret(nil) = (%v, %v)", zero, err)
	}
	if _, err := KnownSecret(make([]byte, 19)); !errors.Is(err, ErrSecretSize) {
		t.Errorf("KnownSecret() of 19 bytes = %v, want ErrSecretSize", err)
	}
	b := bytes.Repeat([]byte{0xab}, 20)
	s, err := KnownSecret(b)
	if err != nil {
		t.Fatal(err)
	}
	b[0] = 0
	if s.value[0] != 0xab {
		t.Error("KnownSecret() aliases its input")
	}
	for _, verb := range []string{"%v", "%s", "%#v", "%+v"} {
		if out := fmt.Sprintf(verb, s); bytes.Contains([]byte(out), []byte("ab")) {
			t.Errorf("%s formatting of a secret = %q", verb, out)
		}
	}
}

func TestErrors(t *testing.T) {
	me := &ModuleError{Ordinal: ordSeal, Code: ErrAuthFail}
	if me.Name() != "TPM_AUTHFAIL" {
		t.Errorf("Name() = %q", me.Name())
	}
	if !errors.Is(me, ErrAuthFail) || errors.Is(me, ErrAuth2Fail) {
		t.Error("ModuleError doesn't match its return code")
	}
	if me.IsRetryable() {
		t.Error("TPM_AUTHFAIL is retryable")
	}
	for _, rc := range []ReturnCode{ErrRetry, ErrResources, ErrNeedsSelfTest, ErrDefendLockRunning} {
		if !(&ModuleError{Code: rc}).IsRetryable() {
			t.Errorf("%s is not retryable", rc.Name())
		}
	}
	if got := ReturnCode(0x3ff).Name(); got == "" {
		t.Error("unknown return code has no name")
	}

	var err error = &AuthError{Ordinal: ordUnseal, Handle: 0x02000000, Reason: "bad HMAC"}
	if !errors.Is(err, ErrAuthenticationFailure) {
		t.Error("AuthError doesn't match ErrAuthenticationFailure")
	}
	err = fmt.Errorf("unseal: %w", &SessionStateError{Handle: 1, State: Terminated})
	var sse *SessionStateError
	if !errors.Is(err, ErrSessionState) || !errors.As(err, &sse) || sse.State != Terminated {
		t.Errorf("wrapped SessionStateError = %v", err)
	}
	boom := errors.New("boom")
	if err := (&TransportError{Op: "TPM_Seal", Err: boom}); !errors.Is(err, boom) {
		t.Error("TransportError doesn't unwrap")
	}
}
