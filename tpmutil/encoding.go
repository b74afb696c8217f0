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
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"reflect"
)

// ErrMalformedStructure is returned (wrapped) whenever a buffer is too short
// or otherwise inconsistent with the structure being decoded from it.
var ErrMalformedStructure = errors.New("malformed structure")

// lengthPrefixSize is the size in bytes of the length prefix that TPM 1.2
// puts in front of variable-length byte arrays.
const lengthPrefixSize = 4

// maxSliceSize bounds the length prefix accepted when decoding a byte slice
// from a reader whose remaining length is unknown.
const maxSliceSize = 1 << 20

var (
	selfMarshalerType = reflect.TypeOf((*SelfMarshaler)(nil)).Elem()
	rawBytesType      = reflect.TypeOf(RawBytes(nil))
	u16BytesType      = reflect.TypeOf(U16Bytes(nil))
	u32BytesType      = reflect.TypeOf(U32Bytes(nil))
)

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedStructure, fmt.Sprintf(format, args...))
}

// readErr converts a short read into ErrMalformedStructure.
func readErr(err error, t reflect.Type) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return malformed("not enough bytes to decode %s", t)
	}
	return err
}

// packWithHeader takes a header and a sequence of elements that are either of
// fixed length or slices of fixed-length types and packs them into a single
// byte array using binary.Write. It updates the commandHeader to have the
// right length.
func packWithHeader(ch commandHeader, cmd ...interface{}) ([]byte, error) {
	hdrSize := binary.Size(ch)
	body, err := Pack(cmd...)
	if err != nil {
		return nil, fmt.Errorf("couldn't pack message body: %v", err)
	}
	ch.Size = uint32(hdrSize + len(body))
	header, err := Pack(ch)
	if err != nil {
		return nil, fmt.Errorf("couldn't pack message header: %v", err)
	}
	return append(header, body...), nil
}

// Pack encodes a set of elements into a single byte array, using
// encoding/binary in big-endian order. This means that all the elements must
// be encodeable according to the rules of encoding/binary.
//
// It has one difference from encoding/binary: it encodes byte slices with a
// prepended 32-bit length, to match how TPM 1.2 encodes variable-length
// arrays. If you wish to add a byte slice without length prefix, use
// RawBytes.
func Pack(elts ...interface{}) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := packType(buf, elts...); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encode is Pack for a single structure.
func Encode(s interface{}) ([]byte, error) {
	return Pack(s)
}

// Equal reports whether a and b have identical encodings. Values that cannot
// be encoded are never equal.
func Equal(a, b interface{}) bool {
	ab, err := Pack(a)
	if err != nil {
		return false
	}
	bb, err := Pack(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// packedSize computes the size of a sequence of types that can be passed to
// binary.Size, with the same length-prefix rules as Pack.
func packedSize(elts ...interface{}) (int, error) {
	var size int
	for _, e := range elts {
		v := reflect.ValueOf(e)
		if !v.IsValid() {
			return 0, errors.New("cannot compute the size of a nil value")
		}
		s, err := valueSize(v)
		if err != nil {
			return 0, err
		}
		size += s
	}
	return size, nil
}

func valueSize(v reflect.Value) (int, error) {
	if v.Type().Implements(selfMarshalerType) || reflect.PtrTo(v.Type()).Implements(selfMarshalerType) {
		b, err := Pack(v.Interface())
		if err != nil {
			return 0, err
		}
		return len(b), nil
	}
	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			return 0, fmt.Errorf("cannot size nil %s", v.Type())
		}
		return valueSize(v.Elem())
	case reflect.Struct:
		var size int
		for i := 0; i < v.NumField(); i++ {
			s, err := valueSize(v.Field(i))
			if err != nil {
				return 0, err
			}
			size += s
		}
		return size, nil
	case reflect.Slice:
		if v.Type().Elem().Kind() != reflect.Uint8 {
			return 0, fmt.Errorf("slices of %s are not supported", v.Type().Elem())
		}
		if v.Type() == rawBytesType {
			return v.Len(), nil
		}
		return lengthPrefixSize + v.Len(), nil
	default:
		s := binary.Size(v.Interface())
		if s < 0 {
			return 0, fmt.Errorf("%s has no fixed size", v.Type())
		}
		return s, nil
	}
}

// tryMarshal attempts to use a TPMMarshal() method defined on the type to
// pack v into buf. True is returned if the method exists and the marshal was
// attempted.
func tryMarshal(buf io.Writer, v reflect.Value) (bool, error) {
	t := v.Type()
	if t.Implements(selfMarshalerType) {
		if t.Kind() == reflect.Ptr && v.IsNil() {
			return true, fmt.Errorf("cannot pack nil %s", t)
		}
		return true, v.Interface().(SelfMarshaler).TPMMarshal(buf)
	}

	// A non-pointer struct field whose pointer type implements the
	// interface: copy it into a fresh pointer to call TPMMarshal.
	if reflect.PtrTo(t).Implements(selfMarshalerType) {
		tmp := reflect.New(t)
		tmp.Elem().Set(v)
		return true, tmp.Interface().(SelfMarshaler).TPMMarshal(buf)
	}

	return false, nil
}

func packValue(buf io.Writer, v reflect.Value) error {
	if canMarshal, err := tryMarshal(buf, v); canMarshal {
		return err
	}

	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			return fmt.Errorf("cannot pack nil %s", v.Type().String())
		}
		return packValue(buf, v.Elem())
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if err := packValue(buf, v.Field(i)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Slice:
		if v.Type().Elem().Kind() != reflect.Uint8 {
			return fmt.Errorf("cannot pack a slice of %s", v.Type().Elem())
		}
		b := v.Bytes()
		if v.Type() != rawBytesType {
			if err := binary.Write(buf, binary.BigEndian, uint32(len(b))); err != nil {
				return err
			}
		}
		_, err := buf.Write(b)
		return err
	default:
		return binary.Write(buf, binary.BigEndian, v.Interface())
	}
}

func packType(buf io.Writer, elts ...interface{}) error {
	for _, e := range elts {
		v := reflect.ValueOf(e)
		if !v.IsValid() {
			return errors.New("cannot pack a nil interface value")
		}
		if err := packValue(buf, v); err != nil {
			return err
		}
	}

	return nil
}

// tryUnmarshal attempts to use TPMUnmarshal() to perform the unpack, if the
// given value implements SelfMarshaler. True is returned if v implements
// SelfMarshaler & TPMUnmarshal was called, along with an error returned from
// TPMUnmarshal.
func tryUnmarshal(buf io.Reader, v reflect.Value) (bool, error) {
	t := v.Type()
	if t.Implements(selfMarshalerType) {
		if t.Kind() == reflect.Ptr && v.IsNil() {
			return true, fmt.Errorf("cannot unpack into nil %s", t)
		}
		return true, v.Interface().(SelfMarshaler).TPMUnmarshal(buf)
	}

	if v.CanSet() && reflect.PtrTo(t).Implements(selfMarshalerType) {
		tmp := reflect.New(t)
		if err := tmp.Interface().(SelfMarshaler).TPMUnmarshal(buf); err != nil {
			return true, err
		}
		v.Set(tmp.Elem())
		return true, nil
	}

	return false, nil
}

// Unpack is a convenience wrapper around UnpackBuf. Unpack returns the number
// of bytes read from b to fill elts and error, if any.
func Unpack(b []byte, elts ...interface{}) (int, error) {
	buf := bytes.NewBuffer(b)
	err := UnpackBuf(buf, elts...)
	read := len(b) - buf.Len()
	return read, err
}

// DecodeAt decodes elts from b starting at off and returns the offset of the
// first byte that was not consumed.
func DecodeAt(b []byte, off int, elts ...interface{}) (int, error) {
	if off < 0 || off > len(b) {
		return off, malformed("offset %d outside of a %d byte buffer", off, len(b))
	}
	n, err := Unpack(b[off:], elts...)
	return off + n, err
}

// remaining reports how many bytes are left in buf, when that is knowable.
func remaining(buf io.Reader) (int, bool) {
	if l, ok := buf.(interface{ Len() int }); ok {
		return l.Len(), true
	}
	return 0, false
}

func unpackBytes(buf io.Reader, v reflect.Value) error {
	if v.Type() == rawBytesType {
		b, err := io.ReadAll(buf)
		if err != nil {
			return err
		}
		v.SetBytes(b)
		return nil
	}

	var size uint32
	if err := binary.Read(buf, binary.BigEndian, &size); err != nil {
		return readErr(err, v.Type())
	}
	if n, ok := remaining(buf); ok && int64(size) > int64(n) {
		return malformed("length prefix %d exceeds the %d remaining bytes", size, n)
	}
	if size > maxSliceSize {
		return malformed("length prefix %d is too large", size)
	}
	b := make([]byte, size)
	if _, err := io.ReadFull(buf, b); err != nil {
		return readErr(err, v.Type())
	}
	v.SetBytes(b)
	return nil
}

func unpackValue(buf io.Reader, v reflect.Value) error {
	if didUnmarshal, err := tryUnmarshal(buf, v); didUnmarshal {
		return err
	}

	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			return fmt.Errorf("cannot unpack into nil %s", v.Type().String())
		}
		return unpackValue(buf, v.Elem())
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if err := unpackValue(buf, v.Field(i)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Slice:
		if v.Type().Elem().Kind() != reflect.Uint8 {
			return fmt.Errorf("cannot unpack a slice of %s", v.Type().Elem())
		}
		return unpackBytes(buf, v)
	}

	// binary.Read can only set pointer values, so we need to take the address.
	if !v.CanAddr() {
		return fmt.Errorf("cannot unpack unaddressable leaf type %q", v.Type().String())
	}
	if err := binary.Read(buf, binary.BigEndian, v.Addr().Interface()); err != nil {
		return readErr(err, v.Type())
	}
	return nil
}

// UnpackBuf recursively unpacks types from a reader just as encoding/binary
// does under binary.BigEndian, but with one difference: it unpacks a byte
// slice by first reading a 32-bit length, then reading that many bytes. It
// assumes that incoming values are pointers to values so that, e.g.,
// underlying slices can be resized as needed.
//
// Running out of input is reported as ErrMalformedStructure.
func UnpackBuf(buf io.Reader, elts ...interface{}) error {
	for _, e := range elts {
		v := reflect.ValueOf(e)
		if !v.IsValid() || v.Kind() != reflect.Ptr {
			return fmt.Errorf("non-pointer value %v passed to UnpackBuf", e)
		}
		if v.IsNil() {
			return errors.New("nil pointer passed to UnpackBuf")
		}

		if err := unpackValue(buf, v); err != nil {
			return err
		}
	}
	return nil
}
