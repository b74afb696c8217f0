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

// Package testhelper runs a basic TPM 1.2 exchange against a transport.
package testhelper

import (
	"errors"
	"testing"

	"github.com/google/go-tpm12/tpmutil"
	"github.com/google/go-tpm12/transport"
)

// RunTest opens a TPM and sends it a TPM_GetRandom. Opening errors matching
// skipErrs skip the test. The device may reject the command (a TPM 2.0 chip
// will), but it has to answer with a well-formed response.
func RunTest(t *testing.T, skipErrs []error, tpmOpener func() (transport.TPM, error)) {
	t.Helper()
	tpm, err := tpmOpener()
	for _, skipErr := range skipErrs {
		if errors.Is(err, skipErr) {
			t.Skipf("%v", err)
		}
	}
	if err != nil {
		t.Fatalf("Failed to open TPM: %v", err)
	}
	defer func(tpm transport.TPM) {
		if err := tpm.Close(); err != nil {
			t.Fatalf("tpm.Close() = %v", err)
		}
	}(tpm)

	cmd, err := tpmutil.PackCommand(0x00C1, 0x46, uint32(16))
	if err != nil {
		t.Fatal(err)
	}
	rsp, err := tpm.Send(cmd)
	for _, skipErr := range skipErrs {
		if errors.Is(err, skipErr) {
			t.Skipf("%v", err)
		}
	}
	if err != nil {
		t.Fatalf("Send() = %v", err)
	}
	tag, _, code, err := tpmutil.ParseResponseHeader(rsp)
	if err != nil {
		t.Fatalf("ParseResponseHeader() = %v", err)
	}
	t.Logf("GetRandom: tag %#x, return code %#x", tag, code)
}
