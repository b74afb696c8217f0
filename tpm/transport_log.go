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
	"crypto/rsa"
	"fmt"

	"github.com/google/go-tpm12/tpmutil"
)

// A LogEntry is a TransportLogIn or a TransportLogOut.
type LogEntry interface {
	logEntry()
}

func (TransportLogIn) logEntry()  {}
func (TransportLogOut) logEntry() {}

// String returns a string representation of a TransportLogIn.
func (e TransportLogIn) String() string {
	return fmt.Sprintf("TransportLogIn{Parameters: % x, PubKeyHash: % x}", e.Parameters, e.PubKeyHash)
}

// String returns a string representation of a TransportLogOut.
func (e TransportLogOut) String() string {
	return fmt.Sprintf("TransportLogOut{Ticks: %d, Parameters: % x, Locality: %d}", e.CurrentTicks.Ticks, e.Parameters, e.Locality)
}

// A TransportLog is the signed record of a released transport session.
type TransportLog struct {
	Entries      []LogEntry
	AntiReplay   Nonce
	Locality     uint32
	CurrentTicks CurrentTicks
	Signature    []byte
}

// Digest recomputes the digest chain over the entries, starting from the
// all-zero digest.
func (l *TransportLog) Digest() (Digest, error) {
	var d Digest
	for _, e := range l.Entries {
		b, err := tpmutil.Pack(e)
		if err != nil {
			return Digest{}, err
		}
		d = sha1Sum(d[:], b)
	}
	return d, nil
}

// SignedData returns the TPM_SIGN_INFO structure the TPM signed.
func (l *TransportLog) SignedData() ([]byte, error) {
	d, err := l.Digest()
	if err != nil {
		return nil, err
	}
	return tpmutil.Pack(signInfo{Tag: tagSignInfo, Fixed: fixedTransport, Replay: l.AntiReplay, Data: d[:]})
}

// Verify checks the signature over the log against the public key of the
// signing key.
func (l *TransportLog) Verify(pub *rsa.PublicKey) error {
	b, err := l.SignedData()
	if err != nil {
		return err
	}
	return VerifySHA1(pub, b, l.Signature)
}
