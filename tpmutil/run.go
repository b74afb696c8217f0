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

// Package tpmutil provides the binary codec and raw command plumbing shared
// by the TPM 1.2 packages.
package tpmutil

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/golang/glog"
)

// maxTPMResponse is the largest possible response from the TPM. /dev/tpm
// insists on giving the whole response back in a single read.
const maxTPMResponse = 4096

// RunCommandRaw writes inb to rw and reads back one complete response. Stream
// transports may deliver the response in several pieces, so reading continues
// until the number of bytes announced in the response header has arrived.
func RunCommandRaw(rw io.ReadWriter, inb []byte) ([]byte, error) {
	if rw == nil {
		return nil, errors.New("nil TPM handle")
	}
	if glog.V(2) {
		glog.Infof("TPM request:\n% x\n", inb)
	}
	if _, err := rw.Write(inb); err != nil {
		return nil, err
	}

	// If the TPM is a real device, it may not be ready for reading
	// immediately after writing the command.
	if f, ok := rw.(*os.File); ok {
		if err := poll(f, pollNoTimeout); err != nil {
			return nil, err
		}
	}

	outb := make([]byte, 0, maxTPMResponse)
	chunk := make([]byte, maxTPMResponse)
	want := HeaderSize
	for len(outb) < want {
		n, err := rw.Read(chunk)
		outb = append(outb, chunk[:n]...)
		if len(outb) >= HeaderSize {
			size, serr := Uint32At(outb, 2)
			if serr != nil {
				return nil, serr
			}
			want = int(size)
			if want < HeaderSize {
				return nil, malformed("response paramSize %d is smaller than the header", size)
			}
		}
		if err != nil {
			if len(outb) >= want {
				break
			}
			if errors.Is(err, io.EOF) {
				return nil, malformed("response ended after %d of %d bytes", len(outb), want)
			}
			return nil, err
		}
		if n == 0 && len(outb) < want {
			return nil, malformed("response ended after %d of %d bytes", len(outb), want)
		}
	}
	if len(outb) > want {
		return nil, fmt.Errorf("%w: received %d bytes for a %d byte response", ErrMalformedStructure, len(outb), want)
	}
	if glog.V(2) {
		glog.Infof("TPM response:\n% x\n", outb)
	}
	return outb, nil
}

// RunCommand executes cmd with given tag and arguments. Returns TPM response
// body (without response header) and response code from the header. Returned
// error may be nil if response code is not RCSuccess; caller should check
// both.
func RunCommand(rw io.ReadWriter, tag Tag, cmd Command, in ...interface{}) ([]byte, ResponseCode, error) {
	ch := commandHeader{tag, 0, cmd}
	inb, err := packWithHeader(ch, in...)
	if err != nil {
		return nil, 0, err
	}

	outb, err := RunCommandRaw(rw, inb)
	if err != nil {
		return nil, 0, err
	}

	_, _, code, err := ParseResponseHeader(outb)
	if err != nil {
		return nil, 0, err
	}
	if code != RCSuccess {
		return nil, code, nil
	}
	return outb[HeaderSize:], code, nil
}

// PackCommand encodes a complete command: the header, with its size field
// filled in, followed by in.
func PackCommand(tag Tag, cmd Command, in ...interface{}) ([]byte, error) {
	return packWithHeader(commandHeader{tag, 0, cmd}, in...)
}

// PackResponse is PackCommand for responses.
func PackResponse(tag Tag, code ResponseCode, out ...interface{}) ([]byte, error) {
	body, err := Pack(out...)
	if err != nil {
		return nil, err
	}
	hdr, err := Pack(responseHeader{tag, uint32(HeaderSize + len(body)), code})
	if err != nil {
		return nil, err
	}
	return append(hdr, body...), nil
}
