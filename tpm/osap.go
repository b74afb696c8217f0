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
	"github.com/golang/glog"

	"github.com/google/go-tpm12/tpmutil"
)

// StartOSAP opens an OSAP session for the entity (entityType, entityValue)
// whose usage secret is usageAuth. An OSAP session always authenticates:
// NoAuth derives the shared secret from the well-known all-zero secret.
func StartOSAP(ctx *Context, entityType uint16, entityValue tpmutil.Handle, usageAuth Secret) (*OSAPSession, error) {
	usageAuth = orWellKnown(usageAuth)
	release, err := ctx.reserveSession()
	if err != nil {
		return nil, err
	}
	s := &OSAPSession{
		session:     newSession(ctx, kindOSAP, release),
		entityType:  entityType,
		entityValue: entityValue,
	}

	oddOSAP, err := ctx.nonce()
	if err != nil {
		release()
		return nil, err
	}
	cmd := osapCommand{EntityType: entityType, EntityValue: entityValue, OddOSAP: oddOSAP}
	if glog.V(2) {
		glog.Infof("%s\n", cmd)
	}
	var r osapResponse
	if err := Execute(ctx, cmd, &r, nil); err != nil {
		release()
		return nil, err
	}
	if glog.V(2) {
		glog.Infof("%s\n", r)
	}

	shared := osapSharedSecret(usageAuth.value, r.EvenOSAP, oddOSAP)
	s.mu.Lock()
	s.secret = shared
	s.hasSecret = true
	s.mu.Unlock()
	zeroBytes(shared[:])
	s.activate(r.AuthHandle, r.NonceEven)
	return s, nil
}

// ExecuteOSAPSession runs cmd in a fresh OSAP session on (entityType,
// entityValue) with usage secret usageAuth. The session is not continued. A
// NoAuth secret sends the command unauthenticated.
func ExecuteOSAPSession(ctx *Context, entityType uint16, entityValue tpmutil.Handle, usageAuth Secret, cmd Command, out Output) error {
	if !usageAuth.IsKnown() {
		return Execute(ctx, cmd, out, Unauthenticated{})
	}
	s, err := StartOSAP(ctx, entityType, entityValue, usageAuth)
	if err != nil {
		return err
	}
	defer s.Close()
	return Execute(ctx, cmd, out, SingleAuth{Session: s})
}
