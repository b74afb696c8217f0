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

// Package linuxtpm provides access to a TPM 1.2 character device on Linux.
package linuxtpm

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/go-tpm12/transport"
)

var (
	// ErrFileIsNotDevice indicates that the TPM file mode was not a device.
	ErrFileIsNotDevice = errors.New("TPM file is not a device")
)

// Open opens the TPM at the given path (e.g. /dev/tpm0).
func Open(path string) (transport.TPM, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if fi.Mode()&os.ModeDevice == 0 {
		return nil, fmt.Errorf("%w: %s (%s)", ErrFileIsNotDevice, fi.Mode().String(), path)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		return nil, err
	}

	return transport.FromReadWriteCloser(f), nil
}
