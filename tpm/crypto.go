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
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/golang/glog"
)

// sha1Sum hashes the concatenation of parts.
func sha1Sum(parts ...[]byte) Digest {
	h := sha1.New()
	for _, p := range parts {
		h.Write(p)
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// hmacSHA1 computes HMAC-SHA1 under key over the concatenation of parts.
func hmacSHA1(key []byte, parts ...[]byte) Digest {
	hm := hmac.New(sha1.New, key)
	for _, p := range parts {
		hm.Write(p)
	}
	var d Digest
	copy(d[:], hm.Sum(nil))
	return d
}

// randomNonce reads a fresh nonce from r.
func randomNonce(r io.Reader) (Nonce, error) {
	var n Nonce
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return n, fmt.Errorf("couldn't generate a nonce: %w", err)
	}
	return n, nil
}

// EncryptOAEP encrypts msg to pub with RSAES-OAEP, SHA1, MGF1 and the label
// "TCPA", the way a TPM 1.2 expects secrets to be encrypted to its keys.
func EncryptOAEP(rand io.Reader, pub *rsa.PublicKey, msg []byte) ([]byte, error) {
	return rsa.EncryptOAEP(sha1.New(), rand, pub, msg, oaepLabel)
}

// DecryptOAEP reverses EncryptOAEP.
func DecryptOAEP(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	return rsa.DecryptOAEP(sha1.New(), nil, priv, ciphertext, oaepLabel)
}

// SignSHA1 signs SHA1(data) with RSASSA-PKCS1-v1_5.
func SignSHA1(rand io.Reader, priv *rsa.PrivateKey, data []byte) ([]byte, error) {
	d := sha1.Sum(data)
	return rsa.SignPKCS1v15(rand, priv, crypto.SHA1, d[:])
}

// VerifySHA1 checks an RSASSA-PKCS1-v1_5 signature over SHA1(data).
func VerifySHA1(pub *rsa.PublicKey, data, sig []byte) error {
	d := sha1.Sum(data)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA1, d[:], sig); err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}
	return nil
}

// mgf1XOR XORs out in place with the MGF1-SHA1 mask generated from seed.
func mgf1XOR(out []byte, seed []byte) {
	var counter [4]byte
	var done int
	for done < len(out) {
		h := sha1.New()
		h.Write(seed)
		h.Write(counter[:])
		block := h.Sum(nil)
		for i := 0; i < len(block) && done < len(out); i++ {
			out[done] ^= block[i]
			done++
		}
		binary.BigEndian.PutUint32(counter[:], binary.BigEndian.Uint32(counter[:])+1)
	}
}

// xorAuth encrypts or decrypts an authorization secret with a pad:
// XOR(secret, SHA1(key || nonce)).
func xorAuth(secret [20]byte, key []byte, nonce Nonce) EncAuth {
	pad := sha1Sum(key, nonce[:])
	if glog.V(2) {
		glog.Infof("encAuth pad uses nonce % x\n", nonce)
	}
	var out EncAuth
	for i := range out {
		out[i] = secret[i] ^ pad[i]
	}
	return out
}

// zeroBytes zeroes a byte array.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
