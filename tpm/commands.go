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

	"github.com/golang/glog"

	"github.com/google/go-tpm12/tpmutil"
)

// This file holds the TPM 1.2 commands built on the command model, and helper
// functions that pick the sessions each command needs.

// GetRandom is TPM_GetRandom.
type GetRandom struct {
	BytesRequested uint32
}

func (GetRandom) Ordinal() uint32         { return ordGetRandom }
func (GetRandom) Handles() []interface{}  { return nil }
func (c GetRandom) Params() []interface{} { return []interface{}{c.BytesRequested} }

// GetRandomResponse is the output of TPM_GetRandom.
type GetRandomResponse struct {
	RandomBytes []byte
}

func (*GetRandomResponse) Handles() []interface{}  { return nil }
func (r *GetRandomResponse) Params() []interface{} { return []interface{}{&r.RandomBytes} }

// PCRRead is TPM_PCRRead.
type PCRRead struct {
	PCRIndex uint32
}

func (PCRRead) Ordinal() uint32         { return ordPCRRead }
func (PCRRead) Handles() []interface{}  { return nil }
func (c PCRRead) Params() []interface{} { return []interface{}{c.PCRIndex} }

// PCRValueResponse carries one PCR value, the output of TPM_PCRRead and
// TPM_Extend.
type PCRValueResponse struct {
	Value Digest
}

func (*PCRValueResponse) Handles() []interface{}  { return nil }
func (r *PCRValueResponse) Params() []interface{} { return []interface{}{&r.Value} }

// PCRExtend is TPM_Extend.
type PCRExtend struct {
	PCRIndex uint32
	InDigest Digest
}

func (PCRExtend) Ordinal() uint32         { return ordPCRExtend }
func (PCRExtend) Handles() []interface{}  { return nil }
func (c PCRExtend) Params() []interface{} { return []interface{}{c.PCRIndex, c.InDigest} }

// GetCapability is TPM_GetCapability.
type GetCapability struct {
	CapArea uint32
	SubCap  []byte
}

func (GetCapability) Ordinal() uint32         { return ordGetCapability }
func (GetCapability) Handles() []interface{}  { return nil }
func (c GetCapability) Params() []interface{} { return []interface{}{c.CapArea, c.SubCap} }

// GetCapabilityResponse is the output of TPM_GetCapability.
type GetCapabilityResponse struct {
	Resp []byte
}

func (*GetCapabilityResponse) Handles() []interface{}  { return nil }
func (r *GetCapabilityResponse) Params() []interface{} { return []interface{}{&r.Resp} }

// Startup is TPM_Startup.
type Startup struct {
	StartupType uint16
}

func (Startup) Ordinal() uint32         { return ordStartup }
func (Startup) Handles() []interface{}  { return nil }
func (c Startup) Params() []interface{} { return []interface{}{c.StartupType} }

// FlushSpecific is TPM_FlushSpecific.
type FlushSpecific struct {
	Handle       tpmutil.Handle
	ResourceType uint32
}

func (FlushSpecific) Ordinal() uint32         { return ordFlushSpecific }
func (FlushSpecific) Handles() []interface{}  { return nil }
func (c FlushSpecific) Params() []interface{} { return []interface{}{c.Handle, c.ResourceType} }

// EvictKey is TPM_EvictKey, the TPM 1.1 way to unload a key.
type EvictKey struct {
	KeyHandle tpmutil.Handle
}

func (EvictKey) Ordinal() uint32         { return ordEvictKey }
func (EvictKey) Handles() []interface{}  { return nil }
func (c EvictKey) Params() []interface{} { return []interface{}{c.KeyHandle} }

// TerminateHandle is TPM_Terminate_Handle, the TPM 1.1 way of closing an
// authorization session.
type TerminateHandle struct {
	Handle tpmutil.Handle
}

func (TerminateHandle) Ordinal() uint32         { return ordTerminateHandle }
func (TerminateHandle) Handles() []interface{}  { return nil }
func (c TerminateHandle) Params() []interface{} { return []interface{}{c.Handle} }

// GetPubKey is TPM_GetPubKey.
type GetPubKey struct {
	KeyHandle tpmutil.Handle
}

func (GetPubKey) Ordinal() uint32          { return ordGetPubKey }
func (c GetPubKey) Handles() []interface{} { return []interface{}{c.KeyHandle} }
func (GetPubKey) Params() []interface{}    { return nil }

// GetPubKeyResponse is the output of TPM_GetPubKey.
type GetPubKeyResponse struct {
	PubKey PubKey
}

func (*GetPubKeyResponse) Handles() []interface{}  { return nil }
func (r *GetPubKeyResponse) Params() []interface{} { return []interface{}{&r.PubKey} }

// LoadKey2 is TPM_LoadKey2. InKey is a serialized TPM_KEY or TPM_KEY12.
type LoadKey2 struct {
	ParentHandle tpmutil.Handle
	InKey        tpmutil.RawBytes
}

func (LoadKey2) Ordinal() uint32          { return ordLoadKey2 }
func (c LoadKey2) Handles() []interface{} { return []interface{}{c.ParentHandle} }
func (c LoadKey2) Params() []interface{}  { return []interface{}{c.InKey} }

// LoadKey2Response is the output of TPM_LoadKey2. The new handle is not
// covered by the response authorization.
type LoadKey2Response struct {
	InKeyHandle tpmutil.Handle
}

func (r *LoadKey2Response) Handles() []interface{} { return []interface{}{&r.InKeyHandle} }
func (*LoadKey2Response) Params() []interface{}    { return nil }

// LoadKey is TPM_LoadKey, the TPM 1.1 variant of LoadKey2.
type LoadKey struct {
	ParentHandle tpmutil.Handle
	InKey        tpmutil.RawBytes
}

func (LoadKey) Ordinal() uint32          { return ordLoadKey }
func (c LoadKey) Handles() []interface{} { return []interface{}{c.ParentHandle} }
func (c LoadKey) Params() []interface{}  { return []interface{}{c.InKey} }

// LoadKeyResponse is the output of TPM_LoadKey. Unlike LoadKey2, the new
// handle is part of the authorized output parameters.
type LoadKeyResponse struct {
	InKeyHandle tpmutil.Handle
}

func (*LoadKeyResponse) Handles() []interface{}  { return nil }
func (r *LoadKeyResponse) Params() []interface{} { return []interface{}{&r.InKeyHandle} }

// CreateWrapKey is TPM_CreateWrapKey. KeyInfo is a serialized TPM_KEY
// template.
type CreateWrapKey struct {
	ParentHandle      tpmutil.Handle
	DataUsageAuth     EncAuth
	DataMigrationAuth EncAuth
	KeyInfo           tpmutil.RawBytes
}

func (CreateWrapKey) Ordinal() uint32          { return ordCreateWrapKey }
func (c CreateWrapKey) Handles() []interface{} { return []interface{}{c.ParentHandle} }
func (c CreateWrapKey) Params() []interface{} {
	return []interface{}{c.DataUsageAuth, c.DataMigrationAuth, c.KeyInfo}
}

// CreateWrapKeyResponse is the output of TPM_CreateWrapKey.
type CreateWrapKeyResponse struct {
	WrappedKey tpmutil.RawBytes
}

func (*CreateWrapKeyResponse) Handles() []interface{}  { return nil }
func (r *CreateWrapKeyResponse) Params() []interface{} { return []interface{}{&r.WrappedKey} }

// Seal is TPM_Seal. PCRInfo is a serialized TPM_PCR_INFO_LONG, or empty for
// no PCR binding.
type Seal struct {
	KeyHandle tpmutil.Handle
	EncAuth   EncAuth
	PCRInfo   []byte
	InData    []byte
}

func (Seal) Ordinal() uint32          { return ordSeal }
func (c Seal) Handles() []interface{} { return []interface{}{c.KeyHandle} }
func (c Seal) Params() []interface{}  { return []interface{}{c.EncAuth, c.PCRInfo, c.InData} }

// String returns a string representation of a Seal command.
func (c Seal) String() string {
	return fmt.Sprintf("Seal{KeyHandle: %x, EncAuth: % x, PCRInfo: % x, InData: %d bytes}", c.KeyHandle, c.EncAuth, c.PCRInfo, len(c.InData))
}

// SealResponse is the output of TPM_Seal.
type SealResponse struct {
	SealedData StoredData
}

func (*SealResponse) Handles() []interface{}  { return nil }
func (r *SealResponse) Params() []interface{} { return []interface{}{&r.SealedData} }

// Unseal is TPM_Unseal. It needs two authorizations: the parent key's and
// the sealed data's.
type Unseal struct {
	ParentHandle tpmutil.Handle
	InData       StoredData
}

func (Unseal) Ordinal() uint32          { return ordUnseal }
func (c Unseal) Handles() []interface{} { return []interface{}{c.ParentHandle} }
func (c Unseal) Params() []interface{}  { return []interface{}{c.InData} }

// UnsealResponse is the output of TPM_Unseal.
type UnsealResponse struct {
	Secret []byte
}

func (*UnsealResponse) Handles() []interface{}  { return nil }
func (r *UnsealResponse) Params() []interface{} { return []interface{}{&r.Secret} }

// Sign is TPM_Sign.
type Sign struct {
	KeyHandle  tpmutil.Handle
	AreaToSign []byte
}

func (Sign) Ordinal() uint32          { return ordSign }
func (c Sign) Handles() []interface{} { return []interface{}{c.KeyHandle} }
func (c Sign) Params() []interface{}  { return []interface{}{c.AreaToSign} }

// SignResponse is the output of TPM_Sign.
type SignResponse struct {
	Sig []byte
}

func (*SignResponse) Handles() []interface{}  { return nil }
func (r *SignResponse) Params() []interface{} { return []interface{}{&r.Sig} }

// Quote is TPM_Quote.
type Quote struct {
	KeyHandle    tpmutil.Handle
	ExternalData Nonce
	TargetPCR    PCRSelection
}

func (Quote) Ordinal() uint32          { return ordQuote }
func (c Quote) Handles() []interface{} { return []interface{}{c.KeyHandle} }
func (c Quote) Params() []interface{}  { return []interface{}{c.ExternalData, c.TargetPCR} }

// QuoteResponse is the output of TPM_Quote.
type QuoteResponse struct {
	PCRData PCRComposite
	Sig     []byte
}

func (*QuoteResponse) Handles() []interface{}  { return nil }
func (r *QuoteResponse) Params() []interface{} { return []interface{}{&r.PCRData, &r.Sig} }

// IncrementCounter is TPM_IncrementCounter.
type IncrementCounter struct {
	CountID tpmutil.Handle
}

func (IncrementCounter) Ordinal() uint32          { return ordIncrementCounter }
func (c IncrementCounter) Handles() []interface{} { return []interface{}{c.CountID} }
func (IncrementCounter) Params() []interface{}    { return nil }

// IncrementCounterResponse is the output of TPM_IncrementCounter.
type IncrementCounterResponse struct {
	Count CounterValue
}

func (*IncrementCounterResponse) Handles() []interface{}  { return nil }
func (r *IncrementCounterResponse) Params() []interface{} { return []interface{}{&r.Count} }

// GetCapabilityRaw queries a capability area and returns the raw response.
func GetCapabilityRaw(ctx *Context, capArea uint32, subCap []byte) ([]byte, error) {
	var r GetCapabilityResponse
	if err := Execute(ctx, GetCapability{CapArea: capArea, SubCap: subCap}, &r, nil); err != nil {
		return nil, err
	}
	return r.Resp, nil
}

// StartupTPM brings the TPM out of its initialized state. Platform firmware
// normally does this; a freshly powered emulator needs it.
func StartupTPM(ctx *Context, startupType uint16) error {
	return Execute(ctx, Startup{StartupType: startupType}, nil, nil)
}

// ReadPCR reads a PCR value from the TPM.
func ReadPCR(ctx *Context, pcr uint32) ([]byte, error) {
	var r PCRValueResponse
	if err := Execute(ctx, PCRRead{PCRIndex: pcr}, &r, nil); err != nil {
		return nil, err
	}
	return r.Value[:], nil
}

// FetchPCRValues gets a sequence of PCR values based on a mask.
func FetchPCRValues(ctx *Context, mask PCRMask) ([]byte, error) {
	var pcrs []byte
	// There are a fixed 24 possible PCR indices.
	for i := 0; i < 24; i++ {
		set, err := mask.IsPCRSet(i)
		if err != nil {
			return nil, err
		}
		if !set {
			continue
		}
		pcr, err := ReadPCR(ctx, uint32(i))
		if err != nil {
			return nil, err
		}
		pcrs = append(pcrs, pcr...)
	}
	return pcrs, nil
}

// ExtendPCR extends a PCR with a digest and returns the new PCR value.
func ExtendPCR(ctx *Context, pcr uint32, d Digest) ([]byte, error) {
	var r PCRValueResponse
	if err := Execute(ctx, PCRExtend{PCRIndex: pcr, InDigest: d}, &r, nil); err != nil {
		return nil, err
	}
	return r.Value[:], nil
}

// ReadRandom gets random bytes from the TPM. The TPM may return fewer bytes
// than requested.
func ReadRandom(ctx *Context, size uint32) ([]byte, error) {
	var r GetRandomResponse
	if err := Execute(ctx, GetRandom{BytesRequested: size}, &r, nil); err != nil {
		return nil, err
	}
	return r.RandomBytes, nil
}

// keyEntityType returns the OSAP entity type for a key handle.
func keyEntityType(h tpmutil.Handle) uint16 {
	if h == KHSRK {
		return ETSRK
	}
	return ETKeyHandle
}

// LoadKeyBlob loads a key blob under parent and returns a handle for the
// key. TPM 1.1 devices get TPM_LoadKey, everything else TPM_LoadKey2. The
// parent authorizes the load through an OSAP session, since the private part
// of the key is sealed against it.
func LoadKeyBlob(ctx *Context, parent tpmutil.Handle, parentAuth Secret, keyBlob []byte) (tpmutil.Handle, error) {
	legacy, err := ctx.IsLegacyVersion()
	if err != nil {
		return 0, err
	}
	et := keyEntityType(parent)
	if legacy {
		var r LoadKeyResponse
		err = ExecuteOSAPSession(ctx, et, parent, parentAuth, LoadKey{ParentHandle: parent, InKey: keyBlob}, &r)
		return r.InKeyHandle, err
	}
	var r LoadKey2Response
	err = ExecuteOSAPSession(ctx, et, parent, parentAuth, LoadKey2{ParentHandle: parent, InKey: keyBlob}, &r)
	return r.InKeyHandle, err
}

// FlushKey unloads a key loaded by LoadKeyBlob.
func FlushKey(ctx *Context, keyHandle tpmutil.Handle) error {
	legacy, err := ctx.IsLegacyVersion()
	if err != nil {
		return err
	}
	if legacy {
		return Execute(ctx, EvictKey{KeyHandle: keyHandle}, nil, nil)
	}
	return Execute(ctx, FlushSpecific{Handle: keyHandle, ResourceType: rtKey}, nil, nil)
}

// ReadPubKey retrieves the public part of a loaded key.
func ReadPubKey(ctx *Context, keyHandle tpmutil.Handle, keyAuth Secret) (*PubKey, error) {
	var r GetPubKeyResponse
	if err := ExecuteOSAPSession(ctx, keyEntityType(keyHandle), keyHandle, keyAuth, GetPubKey{KeyHandle: keyHandle}, &r); err != nil {
		return nil, err
	}
	return &r.PubKey, nil
}

// orWellKnown replaces NoAuth with the well-known secret, for new entities
// whose secret must be sent encrypted.
func orWellKnown(s Secret) Secret {
	if s.IsKnown() {
		return s
	}
	return WellKnownSecret()
}

// SealData seals data to the SRK under the given locality and PCRs. dataAuth
// becomes the authorization of the sealed blob; NoAuth gives it the
// well-known secret.
func SealData(ctx *Context, locality byte, mask PCRMask, data []byte, srkAuth, dataAuth Secret) (*StoredData, error) {
	pcrInfo, err := newPCRInfoLong(ctx, locality, mask)
	if err != nil {
		return nil, err
	}
	var pcrInfoBytes []byte
	if pcrInfo != nil {
		if pcrInfoBytes, err = tpmutil.Pack(pcrInfo); err != nil {
			return nil, err
		}
	}

	// Run OSAP for the SRK, reading a random OddOSAP for our initial
	// command and getting back a secret and a handle.
	s, err := StartOSAP(ctx, ETSRK, KHSRK, srkAuth)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	// encAuth = XOR(dataAuth, SHA1(sharedSecret || <lastEvenNonce>))
	encAuth, err := s.EncryptAuth(orWellKnown(dataAuth))
	if err != nil {
		return nil, err
	}
	cmd := Seal{KeyHandle: KHSRK, EncAuth: encAuth, PCRInfo: pcrInfoBytes, InData: data}
	if glog.V(2) {
		glog.Infof("%s\n", cmd)
	}
	var r SealResponse
	if err := Execute(ctx, cmd, &r, SingleAuth{Session: s}); err != nil {
		return nil, err
	}
	return &r.SealedData, nil
}

// UnsealData decrypts data sealed by SealData. The SRK authorizes through an
// OSAP session and the sealed data through an OIAP session.
func UnsealData(ctx *Context, sealed StoredData, srkAuth, dataAuth Secret) ([]byte, error) {
	osap, err := StartOSAP(ctx, ETSRK, KHSRK, srkAuth)
	if err != nil {
		return nil, err
	}
	defer osap.Close()

	// The unseal command needs an OIAP session in addition to the OSAP session.
	oiap, err := StartOIAP(ctx)
	if err != nil {
		return nil, err
	}
	defer oiap.Close()

	var r UnsealResponse
	cmd := Unseal{ParentHandle: KHSRK, InData: sealed}
	if err := ExecuteAuth2(ctx, cmd, &r, SingleAuth{Session: osap}, SingleAuth{Session: oiap, Secret: orWellKnown(dataAuth)}); err != nil {
		return nil, err
	}
	return r.Secret, nil
}

// SignDigest signs data with a loaded signing key.
func SignDigest(ctx *Context, keyHandle tpmutil.Handle, keyAuth Secret, data []byte) ([]byte, error) {
	var r SignResponse
	if err := ExecuteOIAPSession(ctx, Sign{KeyHandle: keyHandle, AreaToSign: data}, &r, keyAuth); err != nil {
		return nil, err
	}
	return r.Sig, nil
}

// QuotePCRs signs the PCRs in mask together with externalData.
func QuotePCRs(ctx *Context, keyHandle tpmutil.Handle, keyAuth Secret, externalData Nonce, mask PCRMask) (*QuoteResponse, error) {
	var r QuoteResponse
	cmd := Quote{KeyHandle: keyHandle, ExternalData: externalData, TargetPCR: NewPCRSelection(mask)}
	if err := ExecuteOSAPSession(ctx, keyEntityType(keyHandle), keyHandle, keyAuth, cmd, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateWrapKeyBlob creates a key under parent from the keyInfo template and
// returns the wrapped key. The usage secret is encrypted with the session's
// nonceEven and the migration secret with a nonceOdd.
func CreateWrapKeyBlob(ctx *Context, parent tpmutil.Handle, parentAuth, usageAuth, migrationAuth Secret, keyInfo []byte) ([]byte, error) {
	s, err := StartOSAP(ctx, keyEntityType(parent), parent, parentAuth)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	cmd := CreateWrapKey{ParentHandle: parent, KeyInfo: keyInfo}
	if cmd.DataUsageAuth, err = s.EncryptAuth(orWellKnown(usageAuth)); err != nil {
		return nil, err
	}
	if cmd.DataMigrationAuth, err = s.EncryptAuthOdd(orWellKnown(migrationAuth)); err != nil {
		return nil, err
	}
	var r CreateWrapKeyResponse
	if err := Execute(ctx, cmd, &r, SingleAuth{Session: s}); err != nil {
		return nil, err
	}
	return r.WrappedKey, nil
}

// IncrementCounterValue increments a monotonic counter. A throttled
// increment fails with a ModuleError whose IsRetryable is true.
func IncrementCounterValue(ctx *Context, countID tpmutil.Handle, counterAuth Secret) (CounterValue, error) {
	var r IncrementCounterResponse
	if err := ExecuteOIAPSession(ctx, IncrementCounter{CountID: countID}, &r, counterAuth); err != nil {
		return CounterValue{}, err
	}
	return r.Count, nil
}
