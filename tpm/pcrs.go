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
	"errors"
	"fmt"
	"strconv"

	"github.com/golang/glog"

	"github.com/google/go-tpm12/tpmutil"
)

// A PCRMask represents a set of PCR choices, one bit per PCR out of the 24
// possible PCR values.
type PCRMask [3]byte

// SetPCR sets a PCR value as selected in a given mask.
func (pm *PCRMask) SetPCR(i int) error {
	if i >= 24 || i < 0 {
		return errors.New("can't set PCR " + strconv.Itoa(i))
	}

	(*pm)[i/8] |= 1 << uint(i%8)
	return nil
}

// IsPCRSet checks to see if a given PCR is included in this mask.
func (pm PCRMask) IsPCRSet(i int) (bool, error) {
	if i >= 24 || i < 0 {
		return false, errors.New("can't check PCR " + strconv.Itoa(i))
	}

	n := byte(1 << uint(i%8))
	return pm[i/8]&n == n, nil
}

// NewPCRMask selects the given PCRs.
func NewPCRMask(pcrs ...int) (PCRMask, error) {
	var m PCRMask
	for _, i := range pcrs {
		if err := m.SetPCR(i); err != nil {
			return PCRMask{}, err
		}
	}
	return m, nil
}

// A PCRSelection is a TPM_PCR_SELECTION.
type PCRSelection struct {
	Size uint16
	Mask PCRMask
}

// String returns a string representation of a PCRSelection.
func (p PCRSelection) String() string {
	return fmt.Sprintf("PCRSelection{Size: %x, Mask: % x}", p.Size, p.Mask)
}

// NewPCRSelection wraps a mask.
func NewPCRSelection(mask PCRMask) PCRSelection {
	return PCRSelection{Size: uint16(len(mask)), Mask: mask}
}

// A PCRComposite is a TPM_PCR_COMPOSITE: a selection followed by the values
// of the selected PCRs.
type PCRComposite struct {
	Select PCRSelection
	Values []byte
}

// Digest hashes the composite the way the TPM does for quotes and sealing.
func (c PCRComposite) Digest() (Digest, error) {
	if len(c.Values)%PCRSize != 0 {
		return Digest{}, errors.New("pcrs must be a multiple of " + strconv.Itoa(PCRSize))
	}
	b, err := tpmutil.Pack(c)
	if err != nil {
		return Digest{}, err
	}
	if glog.V(2) {
		glog.Infof("composite buffer for mask % x is % x\n", c.Select.Mask, b)
	}
	return sha1Sum(b), nil
}

// createPCRComposite composes a set of PCRs by prepending a pcrSelection and a
// length, then computing the SHA1 hash and returning its output.
func createPCRComposite(mask PCRMask, pcrs []byte) (Digest, error) {
	return PCRComposite{Select: NewPCRSelection(mask), Values: pcrs}.Digest()
}

// pcrInfoLong stores detailed information about PCRs.
type pcrInfoLong struct {
	Tag              uint16
	LocAtCreation    byte
	LocAtRelease     byte
	PCRsAtCreation   PCRSelection
	PCRsAtRelease    PCRSelection
	DigestAtCreation Digest
	DigestAtRelease  Digest
}

// String returns a string representation of a pcrInfoLong.
func (pcri pcrInfoLong) String() string {
	return fmt.Sprintf("pcrInfoLong{Tag: %x, LocAtCreation: %x, LocAtRelease: %x, PCRsAtCreation: %s, PCRsAtRelease: %s, DigestAtCreation: % x, DigestAtRelease: % x}", pcri.Tag, pcri.LocAtCreation, pcri.LocAtRelease, pcri.PCRsAtCreation, pcri.PCRsAtRelease, pcri.DigestAtCreation, pcri.DigestAtRelease)
}

// createPCRInfoLong creates a pcrInfoLong structure from a mask and some PCR
// values that match this mask, along with a TPM locality.
func createPCRInfoLong(loc byte, mask PCRMask, pcrVals []byte) (*pcrInfoLong, error) {
	if loc > 4 {
		return nil, fmt.Errorf("invalid locality %d", loc)
	}
	d, err := createPCRComposite(mask, pcrVals)
	if err != nil {
		return nil, err
	}

	locVal := byte(1 << loc)
	pcri := &pcrInfoLong{
		Tag:              tagPCRInfoLong,
		LocAtCreation:    locVal,
		LocAtRelease:     locVal,
		PCRsAtCreation:   NewPCRSelection(mask),
		PCRsAtRelease:    NewPCRSelection(mask),
		DigestAtCreation: d,
		DigestAtRelease:  d,
	}

	if glog.V(2) {
		glog.Infof("Created pcrInfoLong %s\n", pcri)
	}
	return pcri, nil
}

// newPCRInfoLong reads the PCRs selected by mask and binds them, with the
// locality, into a pcrInfoLong. An empty mask gives no PCR binding.
func newPCRInfoLong(ctx *Context, loc byte, mask PCRMask) (*pcrInfoLong, error) {
	if mask == (PCRMask{}) {
		return nil, nil
	}
	pcrs, err := FetchPCRValues(ctx, mask)
	if err != nil {
		return nil, err
	}
	return createPCRInfoLong(loc, mask, pcrs)
}
