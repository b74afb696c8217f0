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
	"crypto/hmac"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/golang/glog"

	"github.com/google/go-tpm12/tpmutil"
)

// A Command is a TPM 1.2 request. Handles are encoded after the header but
// are not part of the authorization digest; Params are encoded and hashed.
type Command interface {
	Ordinal() uint32
	Handles() []interface{}
	Params() []interface{}
}

// An Output receives a decoded response. Handles must be pointers to 32-bit
// handles; Params are pointers to values that tpmutil.Unpack can fill. Only
// Params are covered by the response authorization.
type Output interface {
	Handles() []interface{}
	Params() []interface{}
}

// An Authorization says how a command is authorized: Unauthenticated,
// SingleAuth or DualAuth.
type Authorization interface {
	authorizations() []SingleAuth
}

// Unauthenticated sends a command without authorization data.
type Unauthenticated struct{}

func (Unauthenticated) authorizations() []SingleAuth { return nil }

// SingleAuth authorizes a command through one session. Secret overrides the
// secret bound to an OIAP session and must be NoAuth for OSAP and transport
// sessions. Continue asks the TPM to keep the session open afterwards.
type SingleAuth struct {
	Session  Session
	Secret   Secret
	Continue bool
}

func (a SingleAuth) authorizations() []SingleAuth { return []SingleAuth{a} }

// DualAuth authorizes a command through two sessions, e.g. TPM_Unseal's key
// and data authorizations.
type DualAuth struct {
	First, Second SingleAuth
}

func (a DualAuth) authorizations() []SingleAuth { return []SingleAuth{a.First, a.Second} }

var requestTags = []tpmutil.Tag{tagRQUCommand, tagRQUAuth1Command, tagRQUAuth2Command}

func uint32Bytes(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

func uint64Bytes(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

// pendingAuth is one authorization slot of a command in flight.
type pendingAuth struct {
	s         *session
	key       [20]byte
	nonceEven Nonce
	nonceOdd  Nonce
	cont      bool
	done      bool
}

// commandAuth computes the authorization block for a command digest:
//
// Auth = HMAC-SHA1(key, digest || nonceEven || nonceOdd || continueSession)
func (pa *pendingAuth) commandAuth(digest Digest) commandAuth {
	ca := commandAuth{
		AuthHandle:  pa.s.handle,
		NonceOdd:    pa.nonceOdd,
		ContSession: boolByte(pa.cont),
	}
	ca.Auth = hmacSHA1(pa.key[:], digest[:], pa.nonceEven[:], pa.nonceOdd[:], []byte{ca.ContSession})
	if glog.V(2) {
		glog.Infof("%s\n", ca)
	}
	return ca
}

// verify checks a response authorization against the response digest. The
// returned nonceEven is saved even when the HMAC does not match. A verified
// response ends the session if either side asked not to continue it.
func (pa *pendingAuth) verify(ord uint32, digest Digest, ra responseAuth) error {
	s := pa.s
	s.mu.Lock()
	defer s.mu.Unlock()
	pa.done = true
	s.busy = false
	s.nonceEven = ra.NonceEven
	if glog.V(2) {
		glog.Infof("%s\n", ra)
	}

	want := hmacSHA1(pa.key[:], digest[:], ra.NonceEven[:], pa.nonceOdd[:], []byte{boolByte(ra.ContSession)})
	if !hmac.Equal(want[:], ra.Auth[:]) {
		return &AuthError{Ordinal: ord, Handle: s.handle, Reason: "the computed response HMAC didn't match the provided HMAC"}
	}
	if !pa.cont || !ra.ContSession {
		s.terminateLocked()
	}
	return nil
}

// saveNonce records the nonceEven of a response that could not be verified.
func (pa *pendingAuth) saveNonce(n Nonce) {
	pa.s.mu.Lock()
	pa.s.nonceEven = n
	pa.s.mu.Unlock()
}

// release gives the session back without touching its nonces.
func (pa *pendingAuth) release() {
	if pa.done {
		return
	}
	pa.done = true
	pa.s.mu.Lock()
	pa.s.busy = false
	pa.s.mu.Unlock()
}

// terminate records that the TPM dropped the session.
func (pa *pendingAuth) terminate() {
	pa.done = true
	pa.s.mu.Lock()
	pa.s.busy = false
	pa.s.terminateLocked()
	pa.s.mu.Unlock()
}

// begin reserves the session of a for one exchange.
func (a SingleAuth) begin(ctx *Context) (*pendingAuth, error) {
	if a.Session == nil {
		return nil, errors.New("tpm: authorization without a session")
	}
	s := a.Session.core()
	if s.ctx != ctx {
		return nil, errors.New("tpm: session belongs to a different Context")
	}
	key, even, odd, err := s.begin(a.Secret)
	if err != nil {
		return nil, err
	}
	return &pendingAuth{s: s, key: key, nonceEven: even, nonceOdd: odd, cont: a.Continue}, nil
}

// preparedCommand is an encoded command waiting for its response.
type preparedCommand struct {
	ordinal     uint32
	tag         tpmutil.Tag
	raw         []byte
	handleLen   int
	paramLen    int
	paramDigest Digest
	auths       []*pendingAuth
}

// prepare encodes cmd and computes its authorization blocks:
//
// inParamDigest = SHA1(ordinal || params)
func prepare(ctx *Context, cmd Command, auth Authorization) (*preparedCommand, error) {
	if auth == nil {
		auth = Unauthenticated{}
	}
	handles, err := tpmutil.Pack(cmd.Handles()...)
	if err != nil {
		return nil, fmt.Errorf("couldn't pack command handles: %v", err)
	}
	params, err := tpmutil.Pack(cmd.Params()...)
	if err != nil {
		return nil, fmt.Errorf("couldn't pack command parameters: %v", err)
	}
	p := &preparedCommand{
		ordinal:     cmd.Ordinal(),
		handleLen:   len(handles),
		paramLen:    len(params),
		paramDigest: sha1Sum(uint32Bytes(cmd.Ordinal()), params),
	}
	if glog.V(2) {
		glog.Infof("%s: params % x, digest % x\n", ordinalName(p.ordinal), params, p.paramDigest)
	}

	auths := auth.authorizations()
	if len(auths) >= len(requestTags) {
		return nil, fmt.Errorf("tpm: %d authorizations requested", len(auths))
	}
	p.tag = requestTags[len(auths)]
	body := []interface{}{tpmutil.RawBytes(handles), tpmutil.RawBytes(params)}
	for _, a := range auths {
		pa, err := a.begin(ctx)
		if err != nil {
			p.release()
			return nil, err
		}
		p.auths = append(p.auths, pa)
		body = append(body, pa.commandAuth(p.paramDigest))
	}

	p.raw, err = tpmutil.PackCommand(p.tag, tpmutil.Command(p.ordinal), body...)
	if err != nil {
		p.release()
		return nil, err
	}
	return p, nil
}

// release frees every session that has not been settled by a response.
func (p *preparedCommand) release() {
	for _, pa := range p.auths {
		pa.release()
	}
}

// responseParts are views into a response buffer.
type responseParts struct {
	code        tpmutil.ResponseCode
	handles     []byte
	params      []byte
	auth        []byte
	missingAuth bool
}

// split locates the areas of a response to p that has nHandles output
// handles.
func (p *preparedCommand) split(rsp []byte, nHandles int) (*responseParts, error) {
	tag, _, code, err := tpmutil.ParseResponseHeader(rsp)
	if err != nil {
		return nil, err
	}
	parts := &responseParts{code: code}
	body := rsp[tpmutil.HeaderSize:]
	if code != tpmutil.RCSuccess {
		parts.params = body
		return parts, nil
	}

	nAuths := len(p.auths)
	switch {
	case tag == p.tag+3:
	case tag == tagRSPCommand && nAuths > 0:
		parts.missingAuth = true
		nAuths = 0
	default:
		return nil, fmt.Errorf("%w: response tag %#x for request tag %#x", ErrMalformedStructure, tag, p.tag)
	}

	authLen := nAuths * responseAuthSize
	handleLen := 4 * nHandles
	if len(body) < handleLen+authLen {
		return nil, fmt.Errorf("%w: %d byte response body cannot hold %d handles and %d authorizations", ErrMalformedStructure, len(body), nHandles, nAuths)
	}
	parts.handles = body[:handleLen]
	parts.params = body[handleLen : len(body)-authLen]
	parts.auth = body[len(body)-authLen:]
	return parts, nil
}

// digest computes outParamDigest = SHA1(returnCode || ordinal || params).
func (p *preparedCommand) digest(parts *responseParts) Digest {
	return sha1Sum(uint32Bytes(uint32(parts.code)), uint32Bytes(p.ordinal), parts.params)
}

func outputFields(out Output) ([]interface{}, []interface{}) {
	if out == nil {
		return nil, nil
	}
	return out.Handles(), out.Params()
}

// complete checks and decodes the response to p and returns its
// outParamDigest.
func (p *preparedCommand) complete(rsp []byte, out Output) (Digest, error) {
	defer p.release()
	outHandles, _ := outputFields(out)
	parts, err := p.split(rsp, len(outHandles))
	if err != nil {
		return Digest{}, err
	}
	return p.finish(parts, out)
}

// finish checks the response authorizations of a split response and decodes
// it into out. A module error terminates every session of the command, since
// error responses carry no authorization data. The output is decoded only
// after every response authorization verified.
func (p *preparedCommand) finish(parts *responseParts, out Output) (Digest, error) {
	outHandles, outParams := outputFields(out)
	if parts.code != tpmutil.RCSuccess {
		for _, pa := range p.auths {
			pa.terminate()
		}
		return Digest{}, &ModuleError{Ordinal: p.ordinal, Code: ReturnCode(parts.code)}
	}
	if parts.missingAuth {
		return Digest{}, &AuthError{Ordinal: p.ordinal, Handle: p.auths[0].s.handle, Reason: "response carries no authorization data"}
	}

	d := p.digest(parts)
	if len(p.auths) > 0 {
		if glog.V(2) {
			glog.Infof("%s: response params % x, digest % x\n", ordinalName(p.ordinal), parts.params, d)
		}
		var firstErr error
		for i, pa := range p.auths {
			ra, err := parseResponseAuth(parts.auth, i*responseAuthSize)
			if err == nil {
				err = pa.verify(p.ordinal, d, ra)
			}
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if firstErr != nil {
			return Digest{}, firstErr
		}
	}
	if err := decodeOutput(parts, outHandles, outParams); err != nil {
		return Digest{}, err
	}
	return d, nil
}

func decodeOutput(parts *responseParts, handles, params []interface{}) error {
	for i, h := range handles {
		v, err := tpmutil.Uint32At(parts.handles, 4*i)
		if err != nil {
			return err
		}
		switch hp := h.(type) {
		case *tpmutil.Handle:
			*hp = tpmutil.Handle(v)
		case *uint32:
			*hp = v
		default:
			return fmt.Errorf("tpm: unsupported output handle type %T", h)
		}
	}
	next, err := tpmutil.DecodeAt(parts.params, 0, params...)
	if err != nil {
		return err
	}
	if next != len(parts.params) {
		return fmt.Errorf("%w: %d trailing bytes after the response parameters", ErrMalformedStructure, len(parts.params)-next)
	}
	return nil
}

// exchange is the record of one completed command.
type exchange struct {
	inDigest  Digest
	outDigest Digest
}

func execute(ctx *Context, cmd Command, out Output, auth Authorization) (*exchange, error) {
	p, err := prepare(ctx, cmd, auth)
	if err != nil {
		return nil, err
	}
	defer p.release()
	rsp, err := ctx.transmit(p.ordinal, p.raw)
	if err != nil {
		return nil, err
	}
	outDigest, err := p.complete(rsp, out)
	if err != nil {
		return nil, err
	}
	return &exchange{inDigest: p.paramDigest, outDigest: outDigest}, nil
}

// Execute sends cmd with the given authorization and decodes the response
// into out, which may be nil for commands without output.
func Execute(ctx *Context, cmd Command, out Output, auth Authorization) error {
	_, err := execute(ctx, cmd, out, auth)
	return err
}

// ExecuteAuth2 runs a command that needs two authorizations.
func ExecuteAuth2(ctx *Context, cmd Command, out Output, first, second SingleAuth) error {
	return Execute(ctx, cmd, out, DualAuth{First: first, Second: second})
}

// EncodeCommand encodes cmd as an unauthenticated request.
func EncodeCommand(cmd Command) ([]byte, error) {
	handles, err := tpmutil.Pack(cmd.Handles()...)
	if err != nil {
		return nil, err
	}
	params, err := tpmutil.Pack(cmd.Params()...)
	if err != nil {
		return nil, err
	}
	return tpmutil.PackCommand(tagRQUCommand, tpmutil.Command(cmd.Ordinal()), tpmutil.RawBytes(handles), tpmutil.RawBytes(params))
}

// DecodeResponse decodes an unauthenticated response to the command with the
// given ordinal into out.
func DecodeResponse(ordinal uint32, rsp []byte, out Output) error {
	p := &preparedCommand{ordinal: ordinal, tag: tagRQUCommand}
	_, err := p.complete(rsp, out)
	return err
}
