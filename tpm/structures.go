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
	"fmt"

	"github.com/google/go-tpm12/tpmutil"
)

// Sizes of the fixed-length TPM 1.2 values.
const (
	NonceSize  = 20
	DigestSize = 20
	PCRSize    = 20
)

// A Nonce is a 20-byte value. nonceEven values come from the TPM, nonceOdd
// values from the caller.
type Nonce [NonceSize]byte

// A Digest is a 20-byte SHA1 value. HMAC tags are Digests too.
type Digest [DigestSize]byte

// An EncAuth is an authorization secret encrypted for transmission under an
// OSAP session.
type EncAuth [20]byte

// commandAuth stores the auth information sent with a command. Commands with
// tagRQUAuth1Command tags use one of these auth structures, and commands with
// tagRQUAuth2Command use two.
type commandAuth struct {
	AuthHandle  tpmutil.Handle
	NonceOdd    Nonce
	ContSession byte
	Auth        Digest
}

// String returns a string representation of a commandAuth.
func (ca commandAuth) String() string {
	return fmt.Sprintf("commandAuth{AuthHandle: %x, NonceOdd: % x, ContSession: %x, Auth: % x}", ca.AuthHandle, ca.NonceOdd, ca.ContSession, ca.Auth)
}

// responseAuth contains the auth information returned from a command.
type responseAuth struct {
	NonceEven   Nonce
	ContSession bool
	Auth        Digest
}

// String returns a string representation of a responseAuth.
func (ra responseAuth) String() string {
	return fmt.Sprintf("responseAuth{NonceEven: % x, ContSession: %v, Auth: % x}", ra.NonceEven, ra.ContSession, ra.Auth)
}

// parseResponseAuth reads a responseAuth at off.
func parseResponseAuth(b []byte, off int) (responseAuth, error) {
	var ra responseAuth
	ne, err := tpmutil.BytesAt(b, off, NonceSize)
	if err != nil {
		return ra, err
	}
	cont, err := tpmutil.BoolAt(b, off+NonceSize)
	if err != nil {
		return ra, err
	}
	auth, err := tpmutil.BytesAt(b, off+NonceSize+1, DigestSize)
	if err != nil {
		return ra, err
	}
	copy(ra.NonceEven[:], ne)
	ra.ContSession = cont
	copy(ra.Auth[:], auth)
	return ra, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// An oiapResponse is a response to an OIAP command.
type oiapResponse struct {
	AuthHandle tpmutil.Handle
	NonceEven  Nonce
}

func (r *oiapResponse) Handles() []interface{} { return nil }
func (r *oiapResponse) Params() []interface{}  { return []interface{}{&r.AuthHandle, &r.NonceEven} }

// String returns a string representation of an oiapResponse.
func (r oiapResponse) String() string {
	return fmt.Sprintf("oiapResponse{AuthHandle: %x, NonceEven: % x}", r.AuthHandle, r.NonceEven)
}

// An osapCommand is a command sent for OSAP authentication.
type osapCommand struct {
	EntityType  uint16
	EntityValue tpmutil.Handle
	OddOSAP     Nonce
}

func (osapCommand) Ordinal() uint32         { return ordOSAP }
func (osapCommand) Handles() []interface{}  { return nil }
func (c osapCommand) Params() []interface{} { return []interface{}{c.EntityType, c.EntityValue, c.OddOSAP} }

// String returns a string representation of an osapCommand.
func (c osapCommand) String() string {
	return fmt.Sprintf("osapCommand{EntityType: %x, EntityValue: %x, OddOSAP: % x}", c.EntityType, c.EntityValue, c.OddOSAP)
}

// An osapResponse is a TPM reply to an osapCommand.
type osapResponse struct {
	AuthHandle tpmutil.Handle
	NonceEven  Nonce
	EvenOSAP   Nonce
}

func (r *osapResponse) Handles() []interface{} { return nil }
func (r *osapResponse) Params() []interface{} {
	return []interface{}{&r.AuthHandle, &r.NonceEven, &r.EvenOSAP}
}

// String returns a string representation of an osapResponse.
func (r osapResponse) String() string {
	return fmt.Sprintf("osapResponse{AuthHandle: %x, NonceEven: % x, EvenOSAP: % x}", r.AuthHandle, r.NonceEven, r.EvenOSAP)
}

// Key usage values.
const (
	KeySigning uint16 = 0x0010
	KeyStorage uint16 = 0x0011
	KeyBind    uint16 = 0x0014
	KeyLegacy  uint16 = 0x0015
)

// Key authorization usage values.
const (
	AuthNever  byte = 0x00
	AuthAlways byte = 0x01
)

// KeyParms are the parameters of a TPM key.
type KeyParms struct {
	AlgID     uint32
	EncScheme uint16
	SigScheme uint16
	Parms     []byte // Serialized RSAKeyParms.
}

// RSAKeyParms encodes the length of the RSA modulus in bits, the number of
// primes in its factored form, and the exponent used for public-key
// encryption. An empty exponent means 65537.
type RSAKeyParms struct {
	KeyLength uint32
	NumPrimes uint32
	Exponent  []byte
}

// A Key is a TPM_KEY: the TPM representation of a wrapped key.
type Key struct {
	Version        uint32
	KeyUsage       uint16
	KeyFlags       uint32
	AuthDataUsage  byte
	AlgorithmParms KeyParms
	PCRInfo        []byte
	PubKey         []byte
	EncData        []byte
}

// String returns a string representation of a Key.
func (k Key) String() string {
	return fmt.Sprintf("Key{Version: %x, KeyUsage: %x, KeyFlags: %x, AuthDataUsage: %x, AlgID: %x, PCRInfo: % x, PubKey: % x, EncData: %d bytes}",
		k.Version, k.KeyUsage, k.KeyFlags, k.AuthDataUsage, k.AlgorithmParms.AlgID, k.PCRInfo, k.PubKey, len(k.EncData))
}

// A PubKey is a TPM_PUBKEY: a public key known to the TPM.
type PubKey struct {
	AlgorithmParms KeyParms
	Key            []byte
}

// StoredData holds data sealed by the TPM. The first field is a version for
// TPM_STORED_DATA and a tag plus entity type for TPM_STORED_DATA12.
type StoredData struct {
	Version  uint32
	SealInfo []byte
	EncData  []byte
}

// String returns a string representation of a StoredData.
func (sd StoredData) String() string {
	return fmt.Sprintf("StoredData{Version: %x, SealInfo: % x, EncData: % x}", sd.Version, sd.SealInfo, sd.EncData)
}

// A CounterValue is a TPM monotonic counter.
type CounterValue struct {
	Tag     uint16
	Label   [4]byte
	Counter uint32
}

// A Version is a TPM_VERSION.
type Version struct {
	Major    uint8
	Minor    uint8
	RevMajor uint8
	RevMinor uint8
}

// A CapVersionInfo is returned for the TPM_CAP_VERSION_VAL capability.
type CapVersionInfo struct {
	Tag            uint16
	Version        Version
	SpecLevel      uint16
	ErrataRev      uint8
	VendorID       [4]byte
	VendorSpecific tpmutil.U16Bytes
}

// TransportPublic is a TPM_TRANSPORT_PUBLIC: the attributes of a transport
// session.
type TransportPublic struct {
	Tag        uint16
	Attributes uint32
	AlgID      uint32
	EncScheme  uint16
}

// CurrentTicks is a TPM_CURRENT_TICKS.
type CurrentTicks struct {
	Tag       uint16
	Ticks     uint64
	TickRate  uint16
	TickNonce Nonce
}

// transportAuth is the secret of a transport session, encrypted to the
// session key when the session is established.
type transportAuth struct {
	Tag      uint16
	AuthData [20]byte
}

// TransportLogIn is the log entry recorded for every command sent through a
// transport session.
type TransportLogIn struct {
	Tag        uint16
	Parameters Digest
	PubKeyHash Digest
}

// TransportLogOut is the log entry recorded for every response.
type TransportLogOut struct {
	Tag          uint16
	CurrentTicks CurrentTicks
	Parameters   Digest
	Locality     uint32
}

// signInfo is the structure signed by TPM_ReleaseTransportSigned.
type signInfo struct {
	Tag    uint16
	Fixed  [4]byte
	Replay Nonce
	Data   []byte
}

// quoteInfo is the structure signed by TPM_Quote.
type quoteInfo struct {
	Version         uint32
	Fixed           [4]byte
	CompositeDigest Digest
	ExternalData    Nonce
}
