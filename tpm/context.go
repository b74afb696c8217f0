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
	"crypto/rand"
	"errors"
	"io"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/sync/semaphore"

	"github.com/google/go-tpm12/tpmutil"
	"github.com/google/go-tpm12/transport"
)

// A Context holds everything a command exchange needs: the device, the
// nonce source and the budget of session handles. Commands sent through one
// Context are serialized on the device.
type Context struct {
	tpm transport.TPM
	mu  sync.Mutex

	randMu sync.Mutex
	rand   io.Reader

	maxSessions int64
	sessions    *semaphore.Weighted

	legacyMu sync.Mutex
	legacy   *bool
}

// An Option configures a Context.
type Option func(*Context)

// WithLegacyVersion skips the capability query behind IsLegacyVersion.
func WithLegacyVersion(legacy bool) Option {
	return func(c *Context) { c.legacy = &legacy }
}

// WithRand sets the source of nonces and OAEP padding. It defaults to
// crypto/rand.
func WithRand(r io.Reader) Option {
	return func(c *Context) { c.rand = r }
}

// WithMaxSessions sets how many sessions may be open at once.
func WithMaxSessions(n int64) Option {
	return func(c *Context) { c.maxSessions = n }
}

// NewContext wraps t.
func NewContext(t transport.TPM, opts ...Option) *Context {
	c := &Context{
		tpm:         t,
		rand:        rand.Reader,
		maxSessions: defaultMaxSessions,
	}
	for _, o := range opts {
		o(c)
	}
	c.sessions = semaphore.NewWeighted(c.maxSessions)
	return c
}

// Close closes the underlying transport. Open sessions are not flushed.
func (c *Context) Close() error {
	return c.tpm.Close()
}

// transmit sends one encoded command and returns the raw response.
func (c *Context) transmit(ord uint32, cmd []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rsp, err := c.tpm.Send(cmd)
	if err != nil {
		if errors.Is(err, ErrMalformedStructure) {
			return nil, err
		}
		return nil, &TransportError{Op: ordinalName(ord), Err: err}
	}
	return rsp, nil
}

// nonce returns a fresh random nonce.
func (c *Context) nonce() (Nonce, error) {
	c.randMu.Lock()
	defer c.randMu.Unlock()
	return randomNonce(c.rand)
}

// reader serializes reads from the random source.
func (c *Context) reader() io.Reader {
	return lockedReader{c}
}

type lockedReader struct{ c *Context }

func (l lockedReader) Read(p []byte) (int, error) {
	l.c.randMu.Lock()
	defer l.c.randMu.Unlock()
	return l.c.rand.Read(p)
}

// reserveSession takes one slot of the session budget. The returned function
// gives it back and may be called more than once.
func (c *Context) reserveSession() (func(), error) {
	if !c.sessions.TryAcquire(1) {
		return nil, ErrSessionBudget
	}
	var once sync.Once
	return func() { once.Do(func() { c.sessions.Release(1) }) }, nil
}

// IsLegacyVersion reports whether the TPM is a TPM 1.1 device, which selects
// the older variants of some commands (e.g. TPM_LoadKey instead of
// TPM_LoadKey2). The answer is cached.
func (c *Context) IsLegacyVersion() (bool, error) {
	c.legacyMu.Lock()
	defer c.legacyMu.Unlock()
	if c.legacy != nil {
		return *c.legacy, nil
	}
	v, err := c.Version()
	if err != nil {
		return false, err
	}
	legacy := v.Major == 1 && v.Minor < 2
	if glog.V(2) {
		glog.Infof("TPM version %d.%d, legacy: %v\n", v.Major, v.Minor, legacy)
	}
	c.legacy = &legacy
	return legacy, nil
}

// Version queries the TPM version. TPMs that do not know TPM_CAP_VERSION_VAL
// are asked for TPM_CAP_VERSION instead.
func (c *Context) Version() (Version, error) {
	var info CapVersionInfo
	raw, err := GetCapabilityRaw(c, capVersionVal, nil)
	if err == nil {
		if _, err := tpmutil.Unpack(raw, &info); err != nil {
			return Version{}, err
		}
		return info.Version, nil
	}
	var me *ModuleError
	if !errors.As(err, &me) {
		return Version{}, err
	}

	var v Version
	raw, err = GetCapabilityRaw(c, capVersion, nil)
	if err != nil {
		return Version{}, err
	}
	if _, err := tpmutil.Unpack(raw, &v); err != nil {
		return Version{}, err
	}
	return v, nil
}
