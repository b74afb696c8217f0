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
	"encoding/binary"
	"io"
)

// RawBytes is for Pack and RunCommand arguments that are already encoded.
// Compared to []byte, RawBytes will not be prepended with slice length during
// encoding. When decoding, a RawBytes consumes the rest of the input.
type RawBytes []byte

// U16Bytes is a byte slice with a 16-bit header
type U16Bytes []byte

// TPMMarshal packs U16Bytes
func (b *U16Bytes) TPMMarshal(out io.Writer) error {
	size := uint16(len([]byte(*b)))
	if err := binary.Write(out, binary.BigEndian, size); err != nil {
		return err
	}
	_, err := out.Write([]byte(*b))
	return err
}

// TPMUnmarshal unpacks a U16Bytes
func (b *U16Bytes) TPMUnmarshal(in io.Reader) error {
	var size uint16
	if err := binary.Read(in, binary.BigEndian, &size); err != nil {
		return readErr(err, u16BytesType)
	}
	if n, ok := remaining(in); ok && int(size) > n {
		return malformed("U16Bytes length %d exceeds the %d remaining bytes", size, n)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(in, buf); err != nil {
		return readErr(err, u16BytesType)
	}
	*b = buf
	return nil
}

// U32Bytes is a byte slice with a 32-bit header. It encodes exactly like a
// plain []byte, but makes the prefix explicit in structure definitions.
type U32Bytes []byte

// TPMMarshal packs U32Bytes
func (b *U32Bytes) TPMMarshal(out io.Writer) error {
	size := uint32(len([]byte(*b)))
	if err := binary.Write(out, binary.BigEndian, size); err != nil {
		return err
	}
	_, err := out.Write([]byte(*b))
	return err
}

// TPMUnmarshal unpacks a U32Bytes
func (b *U32Bytes) TPMUnmarshal(in io.Reader) error {
	var size uint32
	if err := binary.Read(in, binary.BigEndian, &size); err != nil {
		return readErr(err, u32BytesType)
	}
	if n, ok := remaining(in); ok && int64(size) > int64(n) {
		return malformed("U32Bytes length %d exceeds the %d remaining bytes", size, n)
	}
	if size > maxSliceSize {
		return malformed("U32Bytes length %d is too large", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(in, buf); err != nil {
		return readErr(err, u32BytesType)
	}
	*b = buf
	return nil
}

// Tag is a command tag.
type Tag uint16

// Command is an identifier of a TPM command.
type Command uint32

// A commandHeader is the header for a TPM command.
type commandHeader struct {
	Tag  Tag
	Size uint32
	Cmd  Command
}

// ResponseCode is a response code returned by TPM.
type ResponseCode uint32

// RCSuccess is response code for successful command.
const RCSuccess ResponseCode = 0x000

// A responseHeader is a header for TPM responses.
type responseHeader struct {
	Tag  Tag
	Size uint32
	Res  ResponseCode
}

// HeaderSize is the encoded size of both the command and the response header.
const HeaderSize = 10

// A Handle is a reference to a TPM object.
type Handle uint32

// SelfMarshaler allows custom types to override default encoding/decoding
// behavior in Pack, Unpack and UnpackBuf.
type SelfMarshaler interface {
	TPMMarshal(out io.Writer) error
	TPMUnmarshal(in io.Reader) error
}
