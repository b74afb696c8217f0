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
)

// oiapCommand opens an OIAP session.
type oiapCommand struct{}

func (oiapCommand) Ordinal() uint32        { return ordOIAP }
func (oiapCommand) Handles() []interface{} { return nil }
func (oiapCommand) Params() []interface{}  { return nil }

// StartOIAP opens an OIAP session. The session takes a slot of the handle
// budget of ctx until it is terminated.
func StartOIAP(ctx *Context) (*OIAPSession, error) {
	release, err := ctx.reserveSession()
	if err != nil {
		return nil, err
	}
	s := &OIAPSession{newSession(ctx, kindOIAP, release)}
	var r oiapResponse
	if err := Execute(ctx, oiapCommand{}, &r, nil); err != nil {
		release()
		return nil, err
	}
	if glog.V(2) {
		glog.Infof("%s\n", r)
	}
	s.activate(r.AuthHandle, r.NonceEven)
	return s, nil
}

// ExecuteOIAPSession runs cmd in a fresh OIAP session authorized with
// secret. The session is not continued. A NoAuth secret sends the command
// unauthenticated.
func ExecuteOIAPSession(ctx *Context, cmd Command, out Output, secret Secret) error {
	if !secret.IsKnown() {
		return Execute(ctx, cmd, out, Unauthenticated{})
	}
	s, err := StartOIAP(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	return Execute(ctx, cmd, out, SingleAuth{Session: s, Secret: secret})
}
