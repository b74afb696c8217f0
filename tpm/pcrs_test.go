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
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/google/go-tpm12/tpmutil"
)

func TestPCRMask(t *testing.T) {
	var mask PCRMask
	if err := mask.SetPCR(-1); err == nil {
		t.Fatal("Incorrectly allowed non-existent PCR -1 to be set")
	}

	if err := mask.SetPCR(24); err == nil {
		t.Fatal("Incorrectly allowed non-existent PCR 24 to be set")
	}

	if err := mask.SetPCR(0); err != nil {
		t.Fatal("Couldn't set PCR 0 in the mask:", err)
	}

	set, err := mask.IsPCRSet(0)
	if err != nil {
		t.Fatal("Couldn't check to see if PCR 0 was set:", err)
	}

	if !set {
		t.Fatal("Incorrectly said PCR wasn't set when it should have been")
	}

	if err := mask.SetPCR(18); err != nil {
		t.Fatal("Couldn't set PCR 18 in the mask:", err)
	}

	if diff := cmp.Diff(PCRMask{0x01, 0x00, 0x04}, mask); diff != "" {
		t.Errorf("mask mismatch (-want +got):\n%s", diff)
	}

	if _, err := NewPCRMask(3, 30); err == nil {
		t.Error("NewPCRMask accepted PCR 30")
	}
}

func TestPCRComposite(t *testing.T) {
	mask, err := NewPCRMask(17)
	if err != nil {
		t.Fatal(err)
	}
	pcr := make([]byte, PCRSize)
	pcr[0] = 0x11
	got, err := createPCRComposite(mask, pcr)
	if err != nil {
		t.Fatalf("createPCRComposite() = %v", err)
	}
	// TPM_PCR_SELECTION{3, mask} || u32 len || values
	b := []byte{0x00, 0x03, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00, 0x14}
	want := Digest(sha1.Sum(append(b, pcr...)))
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("createPCRComposite() mismatch (-want +got):\n%s", diff)
	}
	if _, err := createPCRComposite(mask, pcr[:5]); err == nil {
		t.Error("createPCRComposite() accepted a partial PCR value")
	}

	info, err := createPCRInfoLong(2, mask, pcr)
	if err != nil {
		t.Fatalf("createPCRInfoLong() = %v", err)
	}
	if info.LocAtRelease != 1<<2 || info.DigestAtRelease != want || info.Tag != tagPCRInfoLong {
		t.Errorf("createPCRInfoLong() = %s", info)
	}
	packed, err := tpmutil.Pack(info)
	if err != nil {
		t.Fatal(err)
	}
	var back pcrInfoLong
	if _, err := tpmutil.Unpack(packed, &back); err != nil {
		t.Fatalf("Unpack() = %v", err)
	}
	if diff := cmp.Diff(*info, back); diff != "" {
		t.Errorf("pcrInfoLong round trip mismatch (-want +got):\n%s", diff)
	}
}
