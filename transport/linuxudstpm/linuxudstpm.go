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

// Package linuxudstpm provides access to a TPM 1.2 emulator listening on a
// Unix domain socket.
package linuxudstpm

import (
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/google/go-tpm12/transport"
)

var (
	// ErrFileIsNotSocket indicates that the TPM file is not a socket.
	ErrFileIsNotSocket = errors.New("TPM file is not a socket")
	// ErrMustCallWriteThenRead indicates that the file was read before a
	// command was written to it.
	ErrMustCallWriteThenRead = errors.New("must call Write before Read")
)

// Open opens the TPM socket at the given path.
func Open(path string) (transport.TPM, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if fi.Mode()&os.ModeSocket == 0 {
		return nil, fmt.Errorf("%w: %s (%s)", ErrFileIsNotSocket, fi.Mode().String(), path)
	}
	return transport.FromReadWriteCloser(newEmulatorReadWriteCloser(path)), nil
}

type dialer func(network, path string) (net.Conn, error)

// emulatorReadWriteCloser dials a fresh connection for every command. The
// response may arrive in several reads, so the connection stays open until
// the next Write or Close.
type emulatorReadWriteCloser struct {
	path   string
	conn   net.Conn
	dialer dialer
}

func newEmulatorReadWriteCloser(path string) *emulatorReadWriteCloser {
	return &emulatorReadWriteCloser{
		path:   path,
		dialer: net.Dial,
	}
}

func (erw *emulatorReadWriteCloser) Read(p []byte) (int, error) {
	if erw.conn == nil {
		return 0, ErrMustCallWriteThenRead
	}
	return erw.conn.Read(p)
}

func (erw *emulatorReadWriteCloser) Write(p []byte) (int, error) {
	if err := erw.Close(); err != nil {
		return 0, err
	}
	conn, err := erw.dialer("unix", erw.path)
	if err != nil {
		return 0, err
	}
	erw.conn = conn
	return erw.conn.Write(p)
}

func (erw *emulatorReadWriteCloser) Close() error {
	if erw.conn == nil {
		return nil
	}
	err := erw.conn.Close()
	erw.conn = nil
	return err
}
