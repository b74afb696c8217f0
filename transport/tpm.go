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

// Package transport implements types for physically talking to TPM 1.2
// devices.
package transport

import (
	"io"
	"sync"

	"github.com/google/go-tpm12/tpmutil"
)

// TPM represents a logical connection to a TPM. Send transmits one complete
// command and returns one complete response.
type TPM interface {
	Send(input []byte) ([]byte, error)
	Close() error
}

// FromReadWriteCloser takes in a io.ReadWriteCloser and returns a TPM
// wrapping it. Sends on the returned TPM are serialized.
func FromReadWriteCloser(rwc io.ReadWriteCloser) TPM {
	return &wrappedRWC{transport: rwc}
}

type wrappedRWC struct {
	mu        sync.Mutex
	transport io.ReadWriteCloser
}

// Send implements the TPM interface.
func (t *wrappedRWC) Send(input []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return tpmutil.RunCommandRaw(t.transport, input)
}

// Close implements the TPM interface.
func (t *wrappedRWC) Close() error {
	return t.transport.Close()
}

// ToReadWriter adapts a TPM back into an io.ReadWriter: each Write sends one
// command and the following Reads return its response.
func ToReadWriter(t TPM) io.ReadWriter {
	return &emulatedRW{tpm: t}
}

type emulatedRW struct {
	tpm      TPM
	response []byte
}

func (e *emulatedRW) Write(p []byte) (int, error) {
	rsp, err := e.tpm.Send(p)
	if err != nil {
		return 0, err
	}
	e.response = rsp
	return len(p), nil
}

func (e *emulatedRW) Read(p []byte) (int, error) {
	if len(e.response) == 0 {
		return 0, io.EOF
	}
	n := copy(p, e.response)
	e.response = e.response[n:]
	return n, nil
}
