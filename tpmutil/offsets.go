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

package tpmutil

import (
	"golang.org/x/crypto/cryptobyte"
)

// The functions in this file read fixed-size fields at explicit offsets of a
// byte slice. They never read past the end of b: a field that does not fit is
// reported as ErrMalformedStructure.

func at(b []byte, off, n int) (cryptobyte.String, error) {
	if off < 0 || n < 0 || off > len(b) || len(b)-off < n {
		return nil, malformed("%d bytes at offset %d do not fit in a %d byte buffer", n, off, len(b))
	}
	return cryptobyte.String(b[off:]), nil
}

// Uint8At reads a byte at off.
func Uint8At(b []byte, off int) (uint8, error) {
	s, err := at(b, off, 1)
	if err != nil {
		return 0, err
	}
	var v uint8
	s.ReadUint8(&v)
	return v, nil
}

// BoolAt reads a TPM BOOL at off. Only 0 and 1 are valid encodings.
func BoolAt(b []byte, off int) (bool, error) {
	v, err := Uint8At(b, off)
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, malformed("invalid BOOL value %#x at offset %d", v, off)
	}
}

// Uint16At reads a big-endian uint16 at off.
func Uint16At(b []byte, off int) (uint16, error) {
	s, err := at(b, off, 2)
	if err != nil {
		return 0, err
	}
	var v uint16
	s.ReadUint16(&v)
	return v, nil
}

// Uint32At reads a big-endian uint32 at off.
func Uint32At(b []byte, off int) (uint32, error) {
	s, err := at(b, off, 4)
	if err != nil {
		return 0, err
	}
	var v uint32
	s.ReadUint32(&v)
	return v, nil
}

// Uint64At reads a big-endian uint64 at off.
func Uint64At(b []byte, off int) (uint64, error) {
	s, err := at(b, off, 8)
	if err != nil {
		return 0, err
	}
	var v uint64
	s.ReadUint64(&v)
	return v, nil
}

// BytesAt returns a copy of the n bytes at off.
func BytesAt(b []byte, off, n int) ([]byte, error) {
	s, err := at(b, off, n)
	if err != nil {
		return nil, err
	}
	var out []byte
	s.ReadBytes(&out, n)
	return append([]byte(nil), out...), nil
}

// U32BytesAt reads a 32-bit length prefix at off followed by that many bytes.
// It returns the bytes and the offset just past them.
func U32BytesAt(b []byte, off int) ([]byte, int, error) {
	n, err := Uint32At(b, off)
	if err != nil {
		return nil, off, err
	}
	if int64(n) > int64(len(b)-off-4) {
		return nil, off, malformed("length prefix %d at offset %d exceeds the buffer", n, off)
	}
	out, err := BytesAt(b, off+4, int(n))
	if err != nil {
		return nil, off, err
	}
	return out, off + 4 + int(n), nil
}

// ParseResponseHeader reads the tag, paramSize and return code at the start
// of a response and checks that paramSize matches the length of rsp.
func ParseResponseHeader(rsp []byte) (Tag, uint32, ResponseCode, error) {
	if len(rsp) < HeaderSize {
		return 0, 0, 0, malformed("response of %d bytes is shorter than a header", len(rsp))
	}
	s := cryptobyte.String(rsp)
	var tag uint16
	var size, code uint32
	if !s.ReadUint16(&tag) || !s.ReadUint32(&size) || !s.ReadUint32(&code) {
		return 0, 0, 0, malformed("unreadable response header")
	}
	if size < HeaderSize {
		return 0, 0, 0, malformed("response paramSize %d is smaller than the header", size)
	}
	if int64(size) > int64(len(rsp)) {
		return 0, 0, 0, malformed("response paramSize %d but only %d bytes were received", size, len(rsp))
	}
	if int64(size) != int64(len(rsp)) {
		return 0, 0, 0, malformed("response paramSize %d but %d bytes were received", size, len(rsp))
	}
	return Tag(tag), size, ResponseCode(code), nil
}

// ParseCommandHeader is ParseResponseHeader for requests.
func ParseCommandHeader(cmd []byte) (Tag, uint32, Command, error) {
	tag, size, code, err := ParseResponseHeader(cmd)
	return tag, size, Command(code), err
}
