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
	"crypto/rsa"
	"errors"
	"math/big"

	"github.com/google/go-tpm12/tpmutil"
)

// This file provides functions to extract a crypto/rsa public key from a key
// blob or a TPM_KEY of the right type. It also provides a function for
// verifying a quote value given a public key for the key it was signed with.

// defaultExponent is the RSA exponent of keys whose parameters leave it out.
const defaultExponent = 65537

// UnmarshalRSAPublicKey takes in a blob containing a serialized RSA TPM_KEY and
// converts it to a crypto/rsa.PublicKey.
func UnmarshalRSAPublicKey(keyBlob []byte) (*rsa.PublicKey, error) {
	var k Key
	if _, err := tpmutil.Unpack(keyBlob, &k); err != nil {
		return nil, err
	}
	return rsaPublicKey(k.AlgorithmParms, k.PubKey)
}

// UnmarshalPubRSAPublicKey takes in a blob containing a serialized RSA
// TPM_PUBKEY, as returned by TPM_GetPubKey, and converts it to a
// crypto/rsa.PublicKey.
func UnmarshalPubRSAPublicKey(pubKeyBlob []byte) (*rsa.PublicKey, error) {
	var pk PubKey
	if _, err := tpmutil.Unpack(pubKeyBlob, &pk); err != nil {
		return nil, err
	}
	return pk.RSAPublicKey()
}

// RSAPublicKey converts pk to a crypto/rsa.PublicKey.
func (pk PubKey) RSAPublicKey() (*rsa.PublicKey, error) {
	return rsaPublicKey(pk.AlgorithmParms, pk.Key)
}

func rsaPublicKey(parms KeyParms, modulus []byte) (*rsa.PublicKey, error) {
	// Currently, we only support algRSA
	if parms.AlgID != algRSA {
		return nil, errors.New("only TPM_ALG_RSA is supported")
	}

	// This means that parms.Parms is an RSAKeyParms, which is enough to
	// create the exponent.
	var rsakp RSAKeyParms
	if _, err := tpmutil.Unpack(parms.Parms, &rsakp); err != nil {
		return nil, err
	}

	// Make sure that the exponent will fit into an int before using it blindly.
	if len(rsakp.Exponent) > 4 {
		return nil, errors.New("exponent value doesn't fit into an int")
	}
	if len(modulus) == 0 {
		return nil, errors.New("empty RSA modulus")
	}
	e := defaultExponent
	if len(rsakp.Exponent) > 0 {
		e = int(new(big.Int).SetBytes(rsakp.Exponent).Int64())
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(modulus), E: e}, nil
}

// rsaKeyParms encodes the parameters of an RSA public key.
func rsaKeyParms(pub *rsa.PublicKey, encScheme, sigScheme uint16) (KeyParms, error) {
	rsakp := RSAKeyParms{KeyLength: uint32(pub.N.BitLen()), NumPrimes: 2}
	if pub.E != defaultExponent {
		rsakp.Exponent = big.NewInt(int64(pub.E)).Bytes()
	}
	b, err := tpmutil.Pack(rsakp)
	if err != nil {
		return KeyParms{}, err
	}
	return KeyParms{AlgID: algRSA, EncScheme: encScheme, SigScheme: sigScheme, Parms: b}, nil
}

// NewPubKey builds the TPM_PUBKEY of an RSA signing key.
func NewPubKey(pub *rsa.PublicKey) (PubKey, error) {
	parms, err := rsaKeyParms(pub, esNone, ssRSASaPKCS1v15_SHA1)
	if err != nil {
		return PubKey{}, err
	}
	return PubKey{AlgorithmParms: parms, Key: pub.N.Bytes()}, nil
}

// SigningKeyInfo returns a serialized TPM_KEY template for a CreateWrapKey of
// an RSA signing key with the given modulus size.
func SigningKeyInfo(bits uint32) ([]byte, error) {
	parms, err := tpmutil.Pack(RSAKeyParms{KeyLength: bits, NumPrimes: 2})
	if err != nil {
		return nil, err
	}
	k := Key{
		Version:       quoteVersion,
		KeyUsage:      KeySigning,
		AuthDataUsage: AuthAlways,
		AlgorithmParms: KeyParms{
			AlgID:     algRSA,
			EncScheme: esNone,
			SigScheme: ssRSASaPKCS1v15_SHA1,
			Parms:     parms,
		},
	}
	return tpmutil.Pack(k)
}

// newQuoteInfo computes the quoteInfo structure a TPM signs for a quote.
func newQuoteInfo(externalData Nonce, pcrs PCRComposite) (*quoteInfo, error) {
	comp, err := pcrs.Digest()
	if err != nil {
		return nil, err
	}
	return &quoteInfo{
		Version:         quoteVersion,
		Fixed:           fixedQuote,
		CompositeDigest: comp,
		ExternalData:    externalData,
	}, nil
}

// VerifyQuote checks the signature of a TPM_Quote response against the
// public key of the quoting key and the externalData sent with the quote.
func VerifyQuote(pub *rsa.PublicKey, externalData Nonce, q *QuoteResponse) error {
	qi, err := newQuoteInfo(externalData, q.PCRData)
	if err != nil {
		return err
	}
	b, err := tpmutil.Pack(qi)
	if err != nil {
		return err
	}
	return VerifySHA1(pub, b, q.Sig)
}
