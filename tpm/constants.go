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

import "github.com/google/go-tpm12/tpmutil"

// Command and response tags.
const (
	tagRQUCommand      tpmutil.Tag = 0x00C1
	tagRQUAuth1Command tpmutil.Tag = 0x00C2
	tagRQUAuth2Command tpmutil.Tag = 0x00C3
	tagRSPCommand      tpmutil.Tag = 0x00C4
	tagRSPAuth1Command tpmutil.Tag = 0x00C5
	tagRSPAuth2Command tpmutil.Tag = 0x00C6
)

// Structure tags.
const (
	tagSignInfo        uint16 = 0x0005
	tagPCRInfoLong     uint16 = 0x0006
	tagCounterValue    uint16 = 0x000E
	tagCurrentTicks    uint16 = 0x0014
	tagStoredData12    uint16 = 0x0016
	tagTransportAuth   uint16 = 0x001D
	tagTransportPublic uint16 = 0x001E
	tagTransportLogIn  uint16 = 0x0019
	tagTransportLogOut uint16 = 0x001A
	tagCapVersionInfo  uint16 = 0x0030
)

// Supported TPM operations.
const (
	ordOIAP                   uint32 = 0x0000000A
	ordOSAP                   uint32 = 0x0000000B
	ordPCRExtend              uint32 = 0x00000014
	ordPCRRead                uint32 = 0x00000015
	ordQuote                  uint32 = 0x00000016
	ordSeal                   uint32 = 0x00000017
	ordUnseal                 uint32 = 0x00000018
	ordCreateWrapKey          uint32 = 0x0000001F
	ordLoadKey                uint32 = 0x00000020
	ordGetPubKey              uint32 = 0x00000021
	ordEvictKey               uint32 = 0x00000022
	ordSign                   uint32 = 0x0000003C
	ordLoadKey2               uint32 = 0x00000041
	ordGetRandom              uint32 = 0x00000046
	ordGetCapability          uint32 = 0x00000065
	ordTerminateHandle        uint32 = 0x00000096
	ordStartup                uint32 = 0x00000099
	ordFlushSpecific          uint32 = 0x000000BA
	ordIncrementCounter       uint32 = 0x000000DD
	ordEstablishTransport     uint32 = 0x000000E6
	ordExecuteTransport       uint32 = 0x000000E7
	ordReleaseTransportSigned uint32 = 0x000000E8
)

var ordinalNames = map[uint32]string{
	ordOIAP:                   "TPM_OIAP",
	ordOSAP:                   "TPM_OSAP",
	ordPCRExtend:              "TPM_Extend",
	ordPCRRead:                "TPM_PCRRead",
	ordQuote:                  "TPM_Quote",
	ordSeal:                   "TPM_Seal",
	ordUnseal:                 "TPM_Unseal",
	ordCreateWrapKey:          "TPM_CreateWrapKey",
	ordLoadKey:                "TPM_LoadKey",
	ordGetPubKey:              "TPM_GetPubKey",
	ordEvictKey:               "TPM_EvictKey",
	ordSign:                   "TPM_Sign",
	ordLoadKey2:               "TPM_LoadKey2",
	ordGetRandom:              "TPM_GetRandom",
	ordGetCapability:          "TPM_GetCapability",
	ordTerminateHandle:        "TPM_Terminate_Handle",
	ordStartup:                "TPM_Startup",
	ordFlushSpecific:          "TPM_FlushSpecific",
	ordIncrementCounter:       "TPM_IncrementCounter",
	ordEstablishTransport:     "TPM_EstablishTransport",
	ordExecuteTransport:       "TPM_ExecuteTransport",
	ordReleaseTransportSigned: "TPM_ReleaseTransportSigned",
}

// Startup types.
const (
	StartupClear       uint16 = 0x0001
	StartupState       uint16 = 0x0002
	StartupDeactivated uint16 = 0x0003
)

// Entity types
const (
	ETKeyHandle uint16 = 0x0001
	ETOwner     uint16 = 0x0002
	ETData      uint16 = 0x0003
	ETSRK       uint16 = 0x0004
	ETKey       uint16 = 0x0005
	ETCounter   uint16 = 0x000A
)

// Resource types
const (
	rtKey   uint32 = 0x00000001
	rtAuth  uint32 = 0x00000002
	rtHash  uint32 = 0x00000003
	rtTrans uint32 = 0x00000004
)

// Reserved key handles.
const (
	KHSRK       tpmutil.Handle = 0x40000000
	KHOwner     tpmutil.Handle = 0x40000001
	KHTransport tpmutil.Handle = 0x40000007
)

// Algorithm ID values.
const (
	_ uint32 = iota
	algRSA
	_ // was DES
	_ // was 3DES in EDE mode
	algSHA
	algHMAC
	algAES128
	algMGF1
	algAES192
	algAES256
	algXOR
)

// Encryption schemes. The values esNone and the two that contain the string
// "RSA" are only valid under algRSA. The other two are symmetric encryption
// schemes.
const (
	_ uint16 = iota
	esNone
	esRSAEsPKCSv15
	esRSAEsOAEPSHA1MGF1
	esSymCTR
	esSymOFB
)

// Signature schemes. These are only valid under algRSA.
const (
	_ uint16 = iota
	ssNone
	ssRSASaPKCS1v15_SHA1
	ssRSASaPKCS1v15_DER
	ssRSASaPKCS1v15_INFO
)

// Capability areas.
const (
	capVersion    uint32 = 0x00000006
	capVersionVal uint32 = 0x0000001A
)

// Transport session attributes.
const (
	TransportEncrypt    uint32 = 0x00000001
	TransportLogEnabled uint32 = 0x00000002
	TransportExclusive  uint32 = 0x00000004
)

// Sizes of the fixed-length authorization areas.
const (
	authBlockSize    = 4 + NonceSize + 1 + DigestSize
	responseAuthSize = NonceSize + 1 + DigestSize
)

// fixedQuote is the fixed constant string used in quoteInfo.
var fixedQuote = [4]byte{byte('Q'), byte('U'), byte('O'), byte('T')}

// fixedTransport is the fixed constant string used in the signInfo of a
// signed transport release.
var fixedTransport = [4]byte{byte('T'), byte('R'), byte('A'), byte('N')}

// quoteVersion is the fixed version string for quoteInfo.
const quoteVersion uint32 = 0x01010000

// oaepLabel is the label TPM 1.2 uses for every OAEP encryption.
var oaepLabel = []byte("TCPA")

// defaultMaxSessions is the number of concurrently loaded authorization
// sessions every TPM 1.2 must support.
const defaultMaxSessions = 3
