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
	"sync"

	"github.com/golang/glog"

	"github.com/google/go-tpm12/tpmutil"
)

// A SessionState is the lifecycle state of a session.
type SessionState int

// Session states. A session is only usable while Active.
const (
	Created SessionState = iota
	Active
	Terminated
)

func (s SessionState) String() string {
	switch s {
	case Created:
		return "Created"
	case Active:
		return "Active"
	case Terminated:
		return "Terminated"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

type sessionKind int

const (
	kindOIAP sessionKind = iota
	kindOSAP
	kindTransport
)

func (k sessionKind) String() string {
	switch k {
	case kindOIAP:
		return "OIAP"
	case kindOSAP:
		return "OSAP"
	default:
		return "transport"
	}
}

// A Session authorizes commands. It is implemented by *OIAPSession,
// *OSAPSession and *TransportSession.
type Session interface {
	// Handle is the handle the TPM assigned to the session.
	Handle() tpmutil.Handle
	// State is the current lifecycle state.
	State() SessionState
	// NonceEven is the most recent nonce received from the TPM.
	NonceEven() Nonce
	// Close flushes an active session from the TPM.
	Close() error

	core() *session
}

// session is the state shared by every kind of session. A session is used by
// at most one command at a time; busy marks the command in flight.
type session struct {
	ctx  *Context
	kind sessionKind

	mu        sync.Mutex
	state     SessionState
	busy      bool
	handle    tpmutil.Handle
	nonceEven Nonce
	nextOdd   *Nonce
	secret    [20]byte
	hasSecret bool
	release   func()
}

func newSession(ctx *Context, kind sessionKind, release func()) *session {
	return &session{ctx: ctx, kind: kind, state: Created, release: release}
}

// activate records the handle and first nonceEven returned by the TPM.
func (s *session) activate(h tpmutil.Handle, nonceEven Nonce) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle = h
	s.nonceEven = nonceEven
	s.state = Active
	if glog.V(2) {
		glog.Infof("%s session %#x active, nonceEven % x\n", s.kind, uint32(h), nonceEven)
	}
}

func (s *session) core() *session { return s }

// Handle returns the session handle.
func (s *session) Handle() tpmutil.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// State returns the session state.
func (s *session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// NonceEven returns the last nonceEven received for the session.
func (s *session) NonceEven() Nonce {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonceEven
}

// checkLocked reports why the session cannot take a new command.
func (s *session) checkLocked() error {
	if s.state != Active {
		return &SessionStateError{Handle: s.handle, State: s.state}
	}
	if s.busy {
		return &SessionStateError{Handle: s.handle, State: s.state, InUse: true}
	}
	return nil
}

// authKey selects the HMAC key for one command. OIAP sessions take the
// override or their stored secret; the other kinds always use their own.
func (s *session) authKey(override Secret) ([20]byte, error) {
	if s.kind != kindOIAP {
		if override.IsKnown() {
			return [20]byte{}, fmt.Errorf("tpm: %s sessions use their own secret", s.kind)
		}
		return s.secret, nil
	}
	if override.IsKnown() {
		return override.value, nil
	}
	if s.hasSecret {
		return s.secret, nil
	}
	return [20]byte{}, ErrNoSecret
}

// begin marks the session busy and returns the HMAC key, the current
// nonceEven and a fresh nonceOdd for the next command.
func (s *session) begin(override Secret) (key [20]byte, even, odd Nonce, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err = s.checkLocked(); err != nil {
		return
	}
	if key, err = s.authKey(override); err != nil {
		return
	}
	if s.nextOdd != nil {
		odd = *s.nextOdd
		s.nextOdd = nil
	} else if odd, err = s.ctx.nonce(); err != nil {
		return
	}
	s.busy = true
	return key, s.nonceEven, odd, nil
}

// terminateLocked marks the session Terminated and frees its budget slot.
func (s *session) terminateLocked() {
	if s.state == Terminated {
		return
	}
	if glog.V(2) {
		glog.Infof("%s session %#x terminated\n", s.kind, uint32(s.handle))
	}
	s.state = Terminated
	zeroBytes(s.secret[:])
	s.nextOdd = nil
	if s.release != nil {
		s.release()
	}
}

func (s *session) terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminateLocked()
}

// Close flushes an Active session from the TPM and terminates it. Closing a
// session that is not Active does nothing.
func (s *session) Close() error {
	s.mu.Lock()
	if s.state != Active {
		s.mu.Unlock()
		return nil
	}
	if s.busy {
		s.mu.Unlock()
		return &SessionStateError{Handle: s.handle, State: s.state, InUse: true}
	}
	h := s.handle
	s.mu.Unlock()

	err := s.flush(h)
	s.terminate()
	return err
}

func (s *session) flush(h tpmutil.Handle) error {
	if s.kind == kindTransport {
		return Execute(s.ctx, FlushSpecific{Handle: h, ResourceType: rtTrans}, nil, nil)
	}
	legacy, err := s.ctx.IsLegacyVersion()
	if err != nil {
		return err
	}
	if legacy {
		return Execute(s.ctx, TerminateHandle{Handle: h}, nil, nil)
	}
	return Execute(s.ctx, FlushSpecific{Handle: h, ResourceType: rtAuth}, nil, nil)
}

// ExecuteAuth1 runs cmd authorized by this session alone. With
// continueSession false the TPM closes the session afterwards.
func (s *session) ExecuteAuth1(cmd Command, out Output, continueSession bool) error {
	return Execute(s.ctx, cmd, out, SingleAuth{Session: s, Continue: continueSession})
}

// An OIAPSession is an object-independent authorization session. The secret
// is supplied per command or set once with SetSecret.
type OIAPSession struct {
	*session
}

// SetSecret sets the secret used by commands that do not supply their own.
// NoAuth clears it.
func (s *OIAPSession) SetSecret(secret Secret) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secret = secret.value
	s.hasSecret = secret.IsKnown()
}

// An OSAPSession is an object-specific authorization session. Its HMAC key is
// the shared secret derived when the session was started.
type OSAPSession struct {
	*session
	entityType  uint16
	entityValue tpmutil.Handle
}

// osapSharedSecret derives the OSAP session key:
//
// sharedSecret = HMAC-SHA1(usageAuth, nonceEvenOSAP || nonceOddOSAP)
func osapSharedSecret(usageAuth [20]byte, evenOSAP, oddOSAP Nonce) Digest {
	return hmacSHA1(usageAuth[:], evenOSAP[:], oddOSAP[:])
}

// EncryptAuth encrypts newAuth for a command authorized by this session as
// XOR(newAuth, SHA1(sharedSecret || nonceEven)). NoAuth encrypts the
// well-known secret.
func (s *OSAPSession) EncryptAuth(newAuth Secret) (EncAuth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Active {
		return EncAuth{}, &SessionStateError{Handle: s.handle, State: s.state}
	}
	return xorAuth(newAuth.value, s.secret[:], s.nonceEven), nil
}

// EncryptAuthOdd is EncryptAuth keyed on a nonceOdd instead of nonceEven:
// XOR(newAuth, SHA1(sharedSecret || nonceOdd)). The nonceOdd is generated
// now and used by the next command authorized by this session.
func (s *OSAPSession) EncryptAuthOdd(newAuth Secret) (EncAuth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Active {
		return EncAuth{}, &SessionStateError{Handle: s.handle, State: s.state}
	}
	odd, err := s.ctx.nonce()
	if err != nil {
		return EncAuth{}, err
	}
	s.nextOdd = &odd
	return xorAuth(newAuth.value, s.secret[:], odd), nil
}

// EntityType returns the entity type the session is bound to.
func (s *OSAPSession) EntityType() uint16 { return s.entityType }

// EntityValue returns the handle of the entity the session is bound to.
func (s *OSAPSession) EntityValue() tpmutil.Handle { return s.entityValue }
