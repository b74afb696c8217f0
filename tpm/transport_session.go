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

	"github.com/golang/glog"

	"github.com/google/go-tpm12/tpmutil"
)

// TransportOptions configure StartTransport.
type TransportOptions struct {
	// Attributes is a combination of TransportEncrypt, TransportLogEnabled and
	// TransportExclusive.
	Attributes uint32
	// EncKey is the key the transport secret is encrypted to. Zero and
	// KHTransport send the secret in the clear, which rules out
	// TransportEncrypt.
	EncKey tpmutil.Handle
	// KeyAuth authorizes the use of EncKey. NoAuth sends EstablishTransport
	// unauthenticated.
	KeyAuth Secret
	// Secret is the transport session secret. NoAuth means the well-known
	// secret.
	Secret Secret
}

// establishTransport is TPM_EstablishTransport.
type establishTransport struct {
	EncHandle   tpmutil.Handle
	TransPublic TransportPublic
	Secret      []byte
}

func (establishTransport) Ordinal() uint32          { return ordEstablishTransport }
func (c establishTransport) Handles() []interface{} { return []interface{}{c.EncHandle} }
func (c establishTransport) Params() []interface{}  { return []interface{}{c.TransPublic, c.Secret} }

type establishTransportResponse struct {
	TransHandle    tpmutil.Handle
	Locality       uint32
	CurrentTicks   CurrentTicks
	TransNonceEven Nonce
}

func (r *establishTransportResponse) Handles() []interface{} { return []interface{}{&r.TransHandle} }
func (r *establishTransportResponse) Params() []interface{} {
	return []interface{}{&r.Locality, &r.CurrentTicks, &r.TransNonceEven}
}

// releaseTransportSigned is TPM_ReleaseTransportSigned.
type releaseTransportSigned struct {
	KeyHandle  tpmutil.Handle
	AntiReplay Nonce
}

func (releaseTransportSigned) Ordinal() uint32          { return ordReleaseTransportSigned }
func (c releaseTransportSigned) Handles() []interface{} { return []interface{}{c.KeyHandle} }
func (c releaseTransportSigned) Params() []interface{}  { return []interface{}{c.AntiReplay} }

type releaseTransportSignedResponse struct {
	Locality     uint32
	CurrentTicks CurrentTicks
	Signature    []byte
}

func (*releaseTransportSignedResponse) Handles() []interface{} { return nil }
func (r *releaseTransportSignedResponse) Params() []interface{} {
	return []interface{}{&r.Locality, &r.CurrentTicks, &r.Signature}
}

// A TransportSession wraps commands in TPM_ExecuteTransport. The wrapped
// commands keep their own authorizations; the transport session authorizes
// the wrapping, may encrypt the wrapped parameters and keeps a log of
// everything it carried.
type TransportSession struct {
	*session
	attributes uint32
	locality   uint32
	tickRate   uint16
	tickNonce  Nonce
	log        []LogEntry
	digest     Digest
}

// StartTransport establishes a transport session.
func StartTransport(ctx *Context, opts TransportOptions) (*TransportSession, error) {
	encKey := opts.EncKey
	if encKey == 0 {
		encKey = KHTransport
	}
	if encKey == KHTransport && opts.Attributes&TransportEncrypt != 0 {
		return nil, errors.New("tpm: an encrypted transport session needs an encryption key")
	}
	secret := orWellKnown(opts.Secret)

	release, err := ctx.reserveSession()
	if err != nil {
		return nil, err
	}
	ts := &TransportSession{
		session:    newSession(ctx, kindTransport, release),
		attributes: opts.Attributes,
	}

	cmd := establishTransport{
		EncHandle:   encKey,
		TransPublic: TransportPublic{Tag: tagTransportPublic, Attributes: opts.Attributes},
	}
	if opts.Attributes&TransportEncrypt != 0 {
		cmd.TransPublic.AlgID = algMGF1
		cmd.TransPublic.EncScheme = esNone
	}

	var ex *exchange
	var r establishTransportResponse
	if encKey == KHTransport {
		cmd.Secret = append([]byte(nil), secret.value[:]...)
		ex, err = execute(ctx, cmd, &r, Unauthenticated{})
	} else {
		ex, err = establishWithKey(ctx, cmd, &r, encKey, opts.KeyAuth, secret)
	}
	if err != nil {
		release()
		return nil, err
	}

	ts.mu.Lock()
	ts.secret = secret.value
	ts.hasSecret = true
	ts.locality = r.Locality
	ts.tickRate = r.CurrentTicks.TickRate
	ts.tickNonce = r.CurrentTicks.TickNonce
	if opts.Attributes&TransportLogEnabled != 0 {
		ts.appendLocked(
			TransportLogIn{Tag: tagTransportLogIn, Parameters: ex.inDigest},
			TransportLogOut{Tag: tagTransportLogOut, CurrentTicks: r.CurrentTicks, Parameters: ex.outDigest, Locality: r.Locality},
		)
	}
	ts.mu.Unlock()
	ts.activate(r.TransHandle, r.TransNonceEven)
	return ts, nil
}

// establishWithKey encrypts the transport secret to encKey and sends
// EstablishTransport, authorized by an OSAP session on the key when keyAuth
// is known.
func establishWithKey(ctx *Context, cmd establishTransport, r *establishTransportResponse, encKey tpmutil.Handle, keyAuth, secret Secret) (*exchange, error) {
	pk, err := ReadPubKey(ctx, encKey, keyAuth)
	if err != nil {
		return nil, err
	}
	pub, err := pk.RSAPublicKey()
	if err != nil {
		return nil, err
	}
	ta, err := tpmutil.Pack(transportAuth{Tag: tagTransportAuth, AuthData: secret.value})
	if err != nil {
		return nil, err
	}
	defer zeroBytes(ta)
	if cmd.Secret, err = EncryptOAEP(ctx.reader(), pub, ta); err != nil {
		return nil, fmt.Errorf("couldn't encrypt the transport secret: %w", err)
	}

	if !keyAuth.IsKnown() {
		return execute(ctx, cmd, r, Unauthenticated{})
	}
	s, err := StartOSAP(ctx, keyEntityType(encKey), encKey, keyAuth)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return execute(ctx, cmd, r, SingleAuth{Session: s})
}

// appendLocked extends the log and its digest chain:
//
// digest = SHA1(digest || entry)
func (ts *TransportSession) appendLocked(entries ...LogEntry) {
	for _, e := range entries {
		b, err := tpmutil.Pack(e)
		if err != nil {
			// Log entries are fixed-size structures.
			panic(err)
		}
		ts.digest = sha1Sum(ts.digest[:], b)
		ts.log = append(ts.log, e)
		if glog.V(2) {
			glog.Infof("transport %#x log %T, digest % x\n", uint32(ts.handle), e, ts.digest)
		}
	}
}

// Log returns the entries recorded so far.
func (ts *TransportSession) Log() []LogEntry {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]LogEntry(nil), ts.log...)
}

// Digest returns the current digest of the log.
func (ts *TransportSession) Digest() Digest {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.digest
}

// Attributes returns the attributes the session was established with.
func (ts *TransportSession) Attributes() uint32 { return ts.attributes }

// transportSeed is the MGF1 seed for the wrapped parameter area:
// nonceEven || nonceOdd || direction || secret.
func transportSeed(even, odd Nonce, direction string, secret [20]byte) []byte {
	seed := make([]byte, 0, 2*NonceSize+len(direction)+len(secret))
	seed = append(seed, even[:]...)
	seed = append(seed, odd[:]...)
	seed = append(seed, direction...)
	return append(seed, secret[:]...)
}

// pubKeyHash is the hash of the public keys a wrapped command refers to.
func pubKeyHash(keys []PubKey) (Digest, error) {
	if len(keys) == 0 {
		return Digest{}, nil
	}
	var b []byte
	for _, k := range keys {
		kb, err := tpmutil.Pack(k)
		if err != nil {
			return Digest{}, err
		}
		b = append(b, kb...)
	}
	return sha1Sum(b), nil
}

// executeTransportResponse holds the fields of a TPM_ExecuteTransport
// response.
type executeTransportResponse struct {
	ticks      uint64
	locality   uint32
	wrappedRsp []byte
	auth       responseAuth
}

func parseExecuteTransport(rsp []byte) (*executeTransportResponse, error) {
	body := rsp[tpmutil.HeaderSize:]
	r := &executeTransportResponse{}
	var err error
	if r.ticks, err = tpmutil.Uint64At(body, 0); err != nil {
		return nil, err
	}
	if r.locality, err = tpmutil.Uint32At(body, 8); err != nil {
		return nil, err
	}
	var next int
	if r.wrappedRsp, next, err = tpmutil.U32BytesAt(body, 12); err != nil {
		return nil, err
	}
	if len(body)-next != responseAuthSize {
		return nil, fmt.Errorf("%w: %d bytes after the wrapped response", ErrMalformedStructure, len(body)-next)
	}
	if r.auth, err = parseResponseAuth(body, next); err != nil {
		return nil, err
	}
	return r, nil
}

// Execute runs cmd inside the transport session. auth authorizes cmd itself
// and is independent of the transport. keys are the public keys of the key
// handles cmd uses; they are hashed into the log.
func (ts *TransportSession) Execute(cmd Command, out Output, auth Authorization, keys ...PubKey) error {
	ctx := ts.ctx
	khash, err := pubKeyHash(keys)
	if err != nil {
		return err
	}
	p, err := prepare(ctx, cmd, auth)
	if err != nil {
		return err
	}
	defer p.release()
	pa, err := SingleAuth{Session: ts, Continue: true}.begin(ctx)
	if err != nil {
		return err
	}
	defer pa.release()

	encrypt := ts.attributes&TransportEncrypt != 0
	wrapped := append([]byte(nil), p.raw...)
	if encrypt {
		start := tpmutil.HeaderSize + p.handleLen
		mgf1XOR(wrapped[start:start+p.paramLen], transportSeed(pa.nonceEven, pa.nonceOdd, "in", pa.key))
	}

	// inParamDigest = SHA1(ordET || wrappedCmdSize || H1)
	h1 := p.paramDigest
	inDigest := sha1Sum(uint32Bytes(ordExecuteTransport), uint32Bytes(uint32(len(wrapped))), h1[:])
	raw, err := tpmutil.PackCommand(tagRQUAuth1Command, tpmutil.Command(ordExecuteTransport), wrapped, pa.commandAuth(inDigest))
	if err != nil {
		return err
	}
	if glog.V(2) {
		glog.Infof("transport %#x wraps %s, H1 % x\n", uint32(ts.handle), ordinalName(p.ordinal), h1)
	}

	rsp, err := ctx.transmit(ordExecuteTransport, raw)
	if err != nil {
		return err
	}
	tag, _, code, err := tpmutil.ParseResponseHeader(rsp)
	if err != nil {
		return err
	}
	if code != tpmutil.RCSuccess {
		pa.terminate()
		return &ModuleError{Ordinal: ordExecuteTransport, Code: ReturnCode(code)}
	}
	if tag == tagRSPCommand {
		return &AuthError{Ordinal: ordExecuteTransport, Handle: pa.s.handle, Reason: "response carries no authorization data"}
	}
	if tag != tagRSPAuth1Command {
		return fmt.Errorf("%w: response tag %#x for request tag %#x", ErrMalformedStructure, tag, tagRQUAuth1Command)
	}
	etr, err := parseExecuteTransport(rsp)
	if err != nil {
		return err
	}

	inner := etr.wrappedRsp
	outHandles, _ := outputFields(out)
	innerParts, err := p.split(inner, len(outHandles))
	if err != nil {
		pa.saveNonce(etr.auth.NonceEven)
		return err
	}
	if encrypt && innerParts.code == tpmutil.RCSuccess {
		start := tpmutil.HeaderSize + len(innerParts.handles)
		mgf1XOR(inner[start:start+len(innerParts.params)], transportSeed(etr.auth.NonceEven, pa.nonceOdd, "out", pa.key))
	}

	// outParamDigest = SHA1(rc || ordET || currentTicks || locality ||
	//                       wrappedRspSize || H2)
	h2 := p.digest(innerParts)
	outDigest := sha1Sum(uint32Bytes(uint32(code)), uint32Bytes(ordExecuteTransport),
		uint64Bytes(etr.ticks), uint32Bytes(etr.locality), uint32Bytes(uint32(len(inner))), h2[:])
	if err := pa.verify(ordExecuteTransport, outDigest, etr.auth); err != nil {
		return err
	}

	if ts.attributes&TransportLogEnabled != 0 {
		ts.mu.Lock()
		ts.locality = etr.locality
		ts.appendLocked(
			TransportLogIn{Tag: tagTransportLogIn, Parameters: h1, PubKeyHash: khash},
			TransportLogOut{
				Tag:          tagTransportLogOut,
				CurrentTicks: CurrentTicks{Tag: tagCurrentTicks, Ticks: etr.ticks, TickRate: ts.tickRate, TickNonce: ts.tickNonce},
				Parameters:   h2,
				Locality:     etr.locality,
			},
		)
		ts.mu.Unlock()
	}

	_, err = p.finish(innerParts, out)
	return err
}

// ReleaseTransportSigned closes the transport session and has signKey sign
// the log digest together with antiReplay. With a known keyAuth, the key is
// authorized through an OIAP session first and the transport second;
// otherwise only the transport authorizes.
func (ts *TransportSession) ReleaseTransportSigned(signKey tpmutil.Handle, keyAuth Secret, antiReplay Nonce) (*TransportLog, error) {
	ctx := ts.ctx
	var auth Authorization = SingleAuth{Session: ts}
	if keyAuth.IsKnown() {
		oiap, err := StartOIAP(ctx)
		if err != nil {
			return nil, err
		}
		defer oiap.Close()
		auth = DualAuth{First: SingleAuth{Session: oiap, Secret: keyAuth}, Second: SingleAuth{Session: ts}}
	}

	var r releaseTransportSignedResponse
	cmd := releaseTransportSigned{KeyHandle: signKey, AntiReplay: antiReplay}
	ex, err := execute(ctx, cmd, &r, auth)
	if err != nil {
		return nil, err
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.locality = r.Locality
	ts.appendLocked(
		TransportLogIn{Tag: tagTransportLogIn, Parameters: ex.inDigest},
		TransportLogOut{Tag: tagTransportLogOut, CurrentTicks: r.CurrentTicks, Parameters: ex.inDigest, Locality: r.Locality},
	)
	ts.terminateLocked()
	return &TransportLog{
		Entries:      append([]LogEntry(nil), ts.log...),
		AntiReplay:   antiReplay,
		Locality:     r.Locality,
		CurrentTicks: r.CurrentTicks,
		Signature:    r.Signature,
	}, nil
}
