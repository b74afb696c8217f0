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
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-tpm12/tpmutil"
)

// testOrdinal is an ordinal the fake TPM accepts with one 4-byte parameter
// and no output, authorized with the all-zero secret.
const testOrdinal uint32 = 0x7

// Handles and secrets of the entities the fake TPM starts with.
const (
	testSignKey tpmutil.Handle = 0x01000001
	testCounter tpmutil.Handle = 0x03000001
)

var (
	testSignAuth    = SecretFromPassword("sign key")
	testCounterAuth = SecretFromPassword("counter")
)

var (
	testKeysOnce sync.Once
	testKeys     []*rsa.PrivateKey
	testKeysErr  error
)

// testRSAKeys returns RSA keys shared by every test in the package.
func testRSAKeys(t *testing.T) []*rsa.PrivateKey {
	t.Helper()
	testKeysOnce.Do(func() {
		for i := 0; i < 3; i++ {
			k, err := rsa.GenerateKey(rand.Reader, 1024)
			if err != nil {
				testKeysErr = err
				return
			}
			testKeys = append(testKeys, k)
		}
	})
	if testKeysErr != nil {
		t.Fatalf("couldn't generate RSA keys: %v", testKeysErr)
	}
	return testKeys
}

type fakeSession struct {
	kind      sessionKind
	nonceEven Nonce
	secret    [20]byte
	attrs     uint32
	digest    Digest
}

func (s *fakeSession) extend(entries ...interface{}) {
	for _, e := range entries {
		s.digest = sha1.Sum(append(s.digest[:], fakePack(e)...))
	}
}

type fakeKey struct {
	priv *rsa.PrivateKey
	auth [20]byte
	pub  PubKey
}

type fakeSealed struct {
	data    []byte
	auth    [20]byte
	pcrInfo []byte
}

type fakeCounter struct {
	auth  [20]byte
	value uint32
}

type fakeRecord struct {
	ord uint32
	raw []byte
}

// fakeTPM answers TPM 1.2 commands the way a TPM does, verifying every
// authorization it receives.
type fakeTPM struct {
	mu sync.Mutex

	srkAuth      [20]byte
	version      Version
	noVersionVal bool

	nextHandle uint32
	nextKey    uint32
	nextID     uint32
	sessions   map[uint32]*fakeSession
	keys       map[uint32]*fakeKey
	blobs      map[uint32]*fakeKey
	sealed     map[uint32]*fakeSealed
	counters   map[uint32]*fakeCounter
	poolKey    *rsa.PrivateKey
	pcrs       [24]Digest
	ticks      uint64
	tickNonce  Nonce

	// lastMigrationAuth is the migration secret of the last created key.
	lastMigrationAuth [20]byte

	failNext map[uint32]ReturnCode
	tamper   func(ord uint32, rsp []byte) []byte
	sendErr  error

	sent    []fakeRecord
	closed  bool
	started bool
}

func newFakeTPM(t *testing.T) *fakeTPM {
	t.Helper()
	keys := testRSAKeys(t)
	f := &fakeTPM{
		version:    Version{Major: 1, Minor: 2},
		nextHandle: 0x02000000,
		nextKey:    0x01000010,
		nextID:     1,
		sessions:   make(map[uint32]*fakeSession),
		keys:       make(map[uint32]*fakeKey),
		blobs:      make(map[uint32]*fakeKey),
		sealed:     make(map[uint32]*fakeSealed),
		counters:   make(map[uint32]*fakeCounter),
		failNext:   make(map[uint32]ReturnCode),
		poolKey:    keys[2],
		tickNonce:  Nonce{0x71, 0x63, 0x6b},
	}
	f.keys[uint32(KHSRK)] = newFakeKey(t, keys[0], f.srkAuth)
	f.keys[uint32(testSignKey)] = newFakeKey(t, keys[1], testSignAuth.value)
	f.counters[uint32(testCounter)] = &fakeCounter{auth: testCounterAuth.value}
	return f
}

func newFakeKey(t *testing.T, priv *rsa.PrivateKey, auth [20]byte) *fakeKey {
	t.Helper()
	pub, err := NewPubKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("NewPubKey: %v", err)
	}
	return &fakeKey{priv: priv, auth: auth, pub: pub}
}

// newTestContext wraps f in a Context for a TPM 1.2.
func newTestContext(f *fakeTPM, opts ...Option) *Context {
	return NewContext(f, append([]Option{WithLegacyVersion(false)}, opts...)...)
}

func fakePack(elts ...interface{}) []byte {
	b, err := tpmutil.Pack(elts...)
	if err != nil {
		panic(fmt.Sprintf("fake TPM couldn't pack %v: %v", elts, err))
	}
	return b
}

func fakeError(rc ReturnCode) []byte {
	b, err := tpmutil.PackResponse(tagRSPCommand, tpmutil.ResponseCode(rc))
	if err != nil {
		panic(err)
	}
	return b
}

// Handles in the handle area of requests and responses, per ordinal.
var (
	fakeInHandles = map[uint32]int{
		ordGetPubKey:              1,
		ordLoadKey2:               1,
		ordLoadKey:                1,
		ordCreateWrapKey:          1,
		ordSeal:                   1,
		ordUnseal:                 1,
		ordSign:                   1,
		ordQuote:                  1,
		ordIncrementCounter:       1,
		ordEstablishTransport:     1,
		ordReleaseTransportSigned: 1,
	}
	fakeOutHandles = map[uint32]int{
		ordLoadKey2:           1,
		ordEstablishTransport: 1,
	}
)

type fakeAuth struct {
	handle   uint32
	nonceOdd Nonce
	cont     bool
	hmac     Digest

	s    *fakeSession
	key  [20]byte
	even Nonce
}

type fakeRequest struct {
	ord     uint32
	handles []uint32
	params  []byte
	auths   []fakeAuth
}

func parseFakeRequest(cmd []byte) (*fakeRequest, error) {
	tag, _, ord, err := tpmutil.ParseCommandHeader(cmd)
	if err != nil {
		return nil, err
	}
	nAuth := int(tag) - int(tagRQUCommand)
	if nAuth < 0 || nAuth > 2 {
		return nil, fmt.Errorf("bad tag %#x", tag)
	}
	req := &fakeRequest{ord: uint32(ord)}
	body := cmd[tpmutil.HeaderSize:]
	nh := fakeInHandles[req.ord]
	if len(body) < 4*nh+nAuth*authBlockSize {
		return nil, fmt.Errorf("short command")
	}
	for i := 0; i < nh; i++ {
		h, _ := tpmutil.Uint32At(body, 4*i)
		req.handles = append(req.handles, h)
	}
	authStart := len(body) - nAuth*authBlockSize
	req.params = body[4*nh : authStart]
	for i := 0; i < nAuth; i++ {
		off := authStart + i*authBlockSize
		var a fakeAuth
		a.handle, _ = tpmutil.Uint32At(body, off)
		copy(a.nonceOdd[:], body[off+4:off+24])
		a.cont = body[off+24] != 0
		copy(a.hmac[:], body[off+25:off+45])
		req.auths = append(req.auths, a)
	}
	return req, nil
}

func (f *fakeTPM) Send(cmd []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, fakeRecord{raw: append([]byte(nil), cmd...)})
	req, err := parseFakeRequest(cmd)
	if err != nil {
		return fakeError(ErrBadParamSize), nil
	}
	f.sent[len(f.sent)-1].ord = req.ord

	var rsp []byte
	if req.ord == ordExecuteTransport {
		rsp = f.executeTransport(req)
	} else {
		rsp = f.run(req)
	}
	if f.tamper != nil {
		rsp = f.tamper(req.ord, rsp)
	}
	return rsp, nil
}

func (f *fakeTPM) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// lastSent returns the last command sent with the given ordinal.
func (f *fakeTPM) lastSent(ord uint32) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].ord == ord {
			return f.sent[i].raw
		}
	}
	return nil
}

// allSent returns every command sent with the given ordinal.
func (f *fakeTPM) allSent(ord uint32) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for _, r := range f.sent {
		if r.ord == ord {
			out = append(out, r.raw)
		}
	}
	return out
}

func (f *fakeTPM) liveSessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *fakeTPM) nonce() Nonce {
	var n Nonce
	if _, err := rand.Read(n[:]); err != nil {
		panic(err)
	}
	return n
}

func (f *fakeTPM) addSession(s *fakeSession) uint32 {
	h := f.nextHandle
	f.nextHandle++
	f.sessions[h] = s
	return h
}

func (f *fakeTPM) dropSessions(req *fakeRequest) {
	for _, a := range req.auths {
		delete(f.sessions, a.handle)
	}
}

func (f *fakeTPM) currentTicks() CurrentTicks {
	return CurrentTicks{Tag: tagCurrentTicks, Ticks: f.ticks, TickRate: 1, TickNonce: f.tickNonce}
}

func (f *fakeTPM) key(h uint32) (*fakeKey, ReturnCode) {
	k, ok := f.keys[h]
	if !ok {
		return nil, ErrInvalidKeyHandle
	}
	return k, 0
}

// entityAuth is the usage secret an OIAP session must prove for auth slot i
// of req.
func (f *fakeTPM) entityAuth(req *fakeRequest, i int) ([20]byte, ReturnCode) {
	switch {
	case req.ord == testOrdinal:
		return [20]byte{}, 0
	case req.ord == ordUnseal && i == 1:
		var sd StoredData
		if _, err := tpmutil.Unpack(req.params, &sd); err != nil {
			return [20]byte{}, ErrBadParameter
		}
		id, err := tpmutil.Uint32At(sd.EncData, 0)
		if err != nil || f.sealed[id] == nil {
			return [20]byte{}, ErrNotSealedBlob
		}
		return f.sealed[id].auth, 0
	case req.ord == ordIncrementCounter:
		c, ok := f.counters[req.handles[0]]
		if !ok {
			return [20]byte{}, ErrBadCounter
		}
		return c.auth, 0
	case len(req.handles) > 0:
		k, rc := f.key(req.handles[0])
		if rc != 0 {
			return [20]byte{}, rc
		}
		return k.auth, 0
	}
	return [20]byte{}, ErrAuthFail
}

func (f *fakeTPM) entityUsage(et uint16, ev uint32) ([20]byte, ReturnCode) {
	switch et {
	case ETSRK, ETKeyHandle:
		k, rc := f.key(ev)
		if rc != 0 {
			return [20]byte{}, rc
		}
		return k.auth, 0
	case ETCounter:
		c, ok := f.counters[ev]
		if !ok {
			return [20]byte{}, ErrBadCounter
		}
		return c.auth, 0
	}
	return [20]byte{}, ErrWrongEntityType
}

// authorize checks every authorization of req against inDigest.
func (f *fakeTPM) authorize(req *fakeRequest, inDigest Digest) ReturnCode {
	for i := range req.auths {
		a := &req.auths[i]
		s, ok := f.sessions[a.handle]
		if !ok {
			f.dropSessions(req)
			return ErrInvalidAuthHandle
		}
		key := s.secret
		if s.kind == kindOIAP {
			var rc ReturnCode
			if key, rc = f.entityAuth(req, i); rc != 0 {
				f.dropSessions(req)
				return rc
			}
		}
		m := hmac.New(sha1.New, key[:])
		m.Write(inDigest[:])
		m.Write(s.nonceEven[:])
		m.Write(a.nonceOdd[:])
		m.Write([]byte{boolByte(a.cont)})
		if !hmac.Equal(m.Sum(nil), a.hmac[:]) {
			f.dropSessions(req)
			if i == 1 {
				return ErrAuth2Fail
			}
			return ErrAuthFail
		}
		a.s, a.key, a.even = s, key, s.nonceEven
	}
	return 0
}

// authOut builds a response authorization and rotates the session nonce.
func (f *fakeTPM) authOut(a *fakeAuth, outDigest Digest, even Nonce) []byte {
	a.s.nonceEven = even
	m := hmac.New(sha1.New, a.key[:])
	m.Write(outDigest[:])
	m.Write(even[:])
	m.Write(a.nonceOdd[:])
	m.Write([]byte{boolByte(a.cont)})
	if !a.cont {
		delete(f.sessions, a.handle)
	}
	return fakePack(even, a.cont, tpmutil.RawBytes(m.Sum(nil)))
}

func (f *fakeTPM) respond(req *fakeRequest, outDigest Digest, outHandles []uint32, outParams []byte) []byte {
	var b []byte
	for _, h := range outHandles {
		b = append(b, uint32Bytes(h)...)
	}
	b = append(b, outParams...)
	for i := range req.auths {
		b = append(b, f.authOut(&req.auths[i], outDigest, f.nonce())...)
	}
	rsp, err := tpmutil.PackResponse(tagRSPCommand+tpmutil.Tag(len(req.auths)), tpmutil.RCSuccess, tpmutil.RawBytes(b))
	if err != nil {
		panic(err)
	}
	return rsp
}

// evictKey unloads a loaded key. The SRK and the preloaded signing key stay.
func (f *fakeTPM) evictKey(h uint32) ReturnCode {
	if _, ok := f.keys[h]; !ok || h == uint32(KHSRK) || h == uint32(testSignKey) {
		return ErrInvalidKeyHandle
	}
	delete(f.keys, h)
	return 0
}

func (f *fakeTPM) run(req *fakeRequest) []byte {
	if rc, ok := f.failNext[req.ord]; ok {
		delete(f.failNext, req.ord)
		f.dropSessions(req)
		return fakeError(rc)
	}
	inDigest := Digest(sha1.Sum(append(uint32Bytes(req.ord), req.params...)))
	if rc := f.authorize(req, inDigest); rc != 0 {
		return fakeError(rc)
	}
	rc, outHandles, outParams := f.dispatch(req, inDigest)
	if rc != 0 {
		f.dropSessions(req)
		return fakeError(rc)
	}
	outDigest := Digest(sha1.Sum(append(append(uint32Bytes(0), uint32Bytes(req.ord)...), outParams...)))
	return f.respond(req, outDigest, outHandles, outParams)
}

func (f *fakeTPM) dispatch(req *fakeRequest, inDigest Digest) (ReturnCode, []uint32, []byte) {
	p := req.params
	switch req.ord {
	case testOrdinal:
		return 0, nil, nil

	case ordOIAP:
		s := &fakeSession{kind: kindOIAP, nonceEven: f.nonce()}
		h := f.addSession(s)
		return 0, nil, fakePack(h, s.nonceEven)

	case ordOSAP:
		var et uint16
		var ev uint32
		var odd Nonce
		if _, err := tpmutil.Unpack(p, &et, &ev, &odd); err != nil {
			return ErrBadParamSize, nil, nil
		}
		usage, rc := f.entityUsage(et, ev)
		if rc != 0 {
			return rc, nil, nil
		}
		evenOSAP := f.nonce()
		m := hmac.New(sha1.New, usage[:])
		m.Write(evenOSAP[:])
		m.Write(odd[:])
		s := &fakeSession{kind: kindOSAP, nonceEven: f.nonce()}
		copy(s.secret[:], m.Sum(nil))
		h := f.addSession(s)
		return 0, nil, fakePack(h, s.nonceEven, evenOSAP)

	case ordStartup:
		var st uint16
		if _, err := tpmutil.Unpack(p, &st); err != nil {
			return ErrBadParamSize, nil, nil
		}
		if st < StartupClear || st > StartupDeactivated {
			return ErrBadParameter, nil, nil
		}
		if f.started {
			return ErrInvalidPostInit, nil, nil
		}
		f.started = true
		return 0, nil, nil

	case ordGetRandom:
		var n uint32
		if _, err := tpmutil.Unpack(p, &n); err != nil {
			return ErrBadParamSize, nil, nil
		}
		b := make([]byte, n)
		rand.Read(b)
		return 0, nil, fakePack(b)

	case ordPCRRead, ordPCRExtend:
		var idx uint32
		var d Digest
		elts := []interface{}{&idx}
		if req.ord == ordPCRExtend {
			elts = append(elts, &d)
		}
		if _, err := tpmutil.Unpack(p, elts...); err != nil {
			return ErrBadParamSize, nil, nil
		}
		if idx >= 24 {
			return ErrBadIndex, nil, nil
		}
		if req.ord == ordPCRExtend {
			f.pcrs[idx] = sha1.Sum(append(f.pcrs[idx][:], d[:]...))
		}
		return 0, nil, fakePack(f.pcrs[idx])

	case ordGetCapability:
		var capArea uint32
		var subCap []byte
		if _, err := tpmutil.Unpack(p, &capArea, &subCap); err != nil {
			return ErrBadParamSize, nil, nil
		}
		switch {
		case capArea == capVersionVal && !f.noVersionVal:
			info := CapVersionInfo{Tag: tagCapVersionInfo, Version: f.version, SpecLevel: 2, VendorID: [4]byte{'F', 'A', 'K', 'E'}}
			return 0, nil, fakePack(fakePack(info))
		case capArea == capVersion:
			return 0, nil, fakePack(fakePack(f.version))
		}
		return ErrBadMode, nil, nil

	case ordFlushSpecific:
		var h, rt uint32
		if _, err := tpmutil.Unpack(p, &h, &rt); err != nil {
			return ErrBadParamSize, nil, nil
		}
		if rt == rtKey {
			return f.evictKey(h), nil, nil
		}
		if _, ok := f.sessions[h]; !ok || (rt != rtAuth && rt != rtTrans) {
			return ErrInvalidResource, nil, nil
		}
		delete(f.sessions, h)
		return 0, nil, nil

	case ordEvictKey:
		var h uint32
		if _, err := tpmutil.Unpack(p, &h); err != nil {
			return ErrBadParamSize, nil, nil
		}
		return f.evictKey(h), nil, nil

	case ordTerminateHandle:
		var h uint32
		if _, err := tpmutil.Unpack(p, &h); err != nil {
			return ErrBadParamSize, nil, nil
		}
		if _, ok := f.sessions[h]; !ok {
			return ErrInvalidAuthHandle, nil, nil
		}
		delete(f.sessions, h)
		return 0, nil, nil

	case ordGetPubKey:
		k, rc := f.key(req.handles[0])
		if rc != 0 {
			return rc, nil, nil
		}
		return 0, nil, fakePack(k.pub)

	case ordLoadKey, ordLoadKey2:
		if _, rc := f.key(req.handles[0]); rc != 0 {
			return rc, nil, nil
		}
		var k Key
		if _, err := tpmutil.Unpack(p, &k); err != nil {
			return ErrBadParameter, nil, nil
		}
		id, err := tpmutil.Uint32At(k.EncData, 0)
		if err != nil || f.blobs[id] == nil {
			return ErrDecryptError, nil, nil
		}
		h := f.nextKey
		f.nextKey++
		f.keys[h] = f.blobs[id]
		if req.ord == ordLoadKey {
			return 0, nil, fakePack(h)
		}
		return 0, []uint32{h}, nil

	case ordCreateWrapKey:
		if len(req.auths) != 1 || req.auths[0].s.kind != kindOSAP {
			return ErrAuthFail, nil, nil
		}
		a := req.auths[0]
		var usage, migration EncAuth
		var tmpl Key
		if _, err := tpmutil.Unpack(p, &usage, &migration, &tmpl); err != nil {
			return ErrBadParameter, nil, nil
		}
		pub, err := NewPubKey(&f.poolKey.PublicKey)
		if err != nil {
			return ErrFail, nil, nil
		}
		id := f.nextID
		f.nextID++
		f.blobs[id] = &fakeKey{
			priv: f.poolKey,
			auth: [20]byte(xorAuth([20]byte(usage), a.key[:], a.even)),
			pub:  pub,
		}
		f.lastMigrationAuth = [20]byte(xorAuth([20]byte(migration), a.key[:], a.nonceOdd))
		k := Key{
			Version:        quoteVersion,
			KeyUsage:       tmpl.KeyUsage,
			AuthDataUsage:  tmpl.AuthDataUsage,
			AlgorithmParms: pub.AlgorithmParms,
			PubKey:         pub.Key,
			EncData:        uint32Bytes(id),
		}
		return 0, nil, fakePack(k)

	case ordSeal:
		if len(req.auths) != 1 || req.auths[0].s.kind != kindOSAP {
			return ErrAuthFail, nil, nil
		}
		a := req.auths[0]
		var enc EncAuth
		var pcrInfo, data []byte
		if _, err := tpmutil.Unpack(p, &enc, &pcrInfo, &data); err != nil {
			return ErrBadParameter, nil, nil
		}
		id := f.nextID
		f.nextID++
		f.sealed[id] = &fakeSealed{data: data, auth: [20]byte(xorAuth([20]byte(enc), a.key[:], a.even)), pcrInfo: pcrInfo}
		return 0, nil, fakePack(StoredData{Version: quoteVersion, SealInfo: pcrInfo, EncData: uint32Bytes(id)})

	case ordUnseal:
		if len(req.auths) != 2 {
			return ErrAuthFail, nil, nil
		}
		var sd StoredData
		if _, err := tpmutil.Unpack(p, &sd); err != nil {
			return ErrBadParameter, nil, nil
		}
		id, _ := tpmutil.Uint32At(sd.EncData, 0)
		s := f.sealed[id]
		if len(s.pcrInfo) > 0 {
			var info pcrInfoLong
			if _, err := tpmutil.Unpack(s.pcrInfo, &info); err != nil {
				return ErrInvalidPCRInfo, nil, nil
			}
			if f.composite(info.PCRsAtRelease).digest() != info.DigestAtRelease {
				return ErrWrongPCRVal, nil, nil
			}
		}
		return 0, nil, fakePack(s.data)

	case ordSign:
		k, rc := f.key(req.handles[0])
		if rc != 0 {
			return rc, nil, nil
		}
		var area []byte
		if _, err := tpmutil.Unpack(p, &area); err != nil {
			return ErrBadParameter, nil, nil
		}
		if len(area) != sha1.Size {
			return ErrBadDatasize, nil, nil
		}
		sig, err := rsa.SignPKCS1v15(rand.Reader, k.priv, crypto.SHA1, area)
		if err != nil {
			return ErrFail, nil, nil
		}
		return 0, nil, fakePack(sig)

	case ordQuote:
		k, rc := f.key(req.handles[0])
		if rc != 0 {
			return rc, nil, nil
		}
		var external Nonce
		var sel PCRSelection
		if _, err := tpmutil.Unpack(p, &external, &sel); err != nil {
			return ErrBadParameter, nil, nil
		}
		comp := f.composite(sel)
		qi := quoteInfo{Version: quoteVersion, Fixed: fixedQuote, CompositeDigest: comp.digest(), ExternalData: external}
		sig, err := f.sign(k, fakePack(qi))
		if err != nil {
			return ErrFail, nil, nil
		}
		return 0, nil, fakePack(comp.PCRComposite, sig)

	case ordIncrementCounter:
		c, ok := f.counters[req.handles[0]]
		if !ok {
			return ErrBadCounter, nil, nil
		}
		c.value++
		return 0, nil, fakePack(CounterValue{Tag: tagCounterValue, Label: [4]byte{'C', 'N', 'T', 'R'}, Counter: c.value})

	case ordEstablishTransport:
		return f.establishTransport(req, inDigest)

	case ordReleaseTransportSigned:
		return f.releaseTransportSigned(req, inDigest)
	}
	return ErrBadOrdinal, nil, nil
}

type fakeComposite struct {
	PCRComposite
}

func (c fakeComposite) digest() Digest {
	return sha1.Sum(fakePack(c.PCRComposite))
}

func (f *fakeTPM) composite(sel PCRSelection) fakeComposite {
	c := fakeComposite{PCRComposite{Select: sel}}
	for i := 0; i < 24; i++ {
		if sel.Mask[i/8]&(1<<uint(i%8)) != 0 {
			c.Values = append(c.Values, f.pcrs[i][:]...)
		}
	}
	return c
}

func (f *fakeTPM) sign(k *fakeKey, data []byte) ([]byte, error) {
	d := sha1.Sum(data)
	return rsa.SignPKCS1v15(rand.Reader, k.priv, crypto.SHA1, d[:])
}

func (f *fakeTPM) establishTransport(req *fakeRequest, inDigest Digest) (ReturnCode, []uint32, []byte) {
	var pub TransportPublic
	var secret []byte
	if _, err := tpmutil.Unpack(req.params, &pub, &secret); err != nil {
		return ErrBadParameter, nil, nil
	}
	if pub.Tag != tagTransportPublic {
		return ErrBadParameter, nil, nil
	}
	s := &fakeSession{kind: kindTransport, attrs: pub.Attributes}
	if req.handles[0] == uint32(KHTransport) {
		if pub.Attributes&TransportEncrypt != 0 || len(secret) != 20 {
			return ErrBadParameter, nil, nil
		}
		copy(s.secret[:], secret)
	} else {
		k, rc := f.key(req.handles[0])
		if rc != 0 {
			return rc, nil, nil
		}
		plain, err := rsa.DecryptOAEP(sha1.New(), nil, k.priv, secret, []byte("TCPA"))
		if err != nil {
			return ErrDecryptError, nil, nil
		}
		var ta transportAuth
		if _, err := tpmutil.Unpack(plain, &ta); err != nil || ta.Tag != tagTransportAuth {
			return ErrBadParameter, nil, nil
		}
		s.secret = ta.AuthData
	}
	f.ticks++
	s.nonceEven = f.nonce()
	h := f.addSession(s)
	ct := f.currentTicks()
	out := fakePack(uint32(0), ct, s.nonceEven)
	if s.attrs&TransportLogEnabled != 0 {
		outDigest := Digest(sha1.Sum(append(append(uint32Bytes(0), uint32Bytes(ordEstablishTransport)...), out...)))
		s.extend(
			TransportLogIn{Tag: tagTransportLogIn, Parameters: inDigest},
			TransportLogOut{Tag: tagTransportLogOut, CurrentTicks: ct, Parameters: outDigest},
		)
	}
	return 0, []uint32{h}, out
}

func (f *fakeTPM) releaseTransportSigned(req *fakeRequest, inDigest Digest) (ReturnCode, []uint32, []byte) {
	if len(req.auths) == 0 {
		return ErrAuthFail, nil, nil
	}
	ta := &req.auths[len(req.auths)-1]
	if ta.s.kind != kindTransport {
		return ErrInvalidAuthHandle, nil, nil
	}
	k, rc := f.key(req.handles[0])
	if rc != 0 {
		return rc, nil, nil
	}
	var anti Nonce
	if _, err := tpmutil.Unpack(req.params, &anti); err != nil {
		return ErrBadParameter, nil, nil
	}
	f.ticks++
	ct := f.currentTicks()
	s := ta.s
	s.extend(
		TransportLogIn{Tag: tagTransportLogIn, Parameters: inDigest},
		TransportLogOut{Tag: tagTransportLogOut, CurrentTicks: ct, Parameters: inDigest},
	)
	sig, err := f.sign(k, fakePack(signInfo{Tag: tagSignInfo, Fixed: fixedTransport, Replay: anti, Data: s.digest[:]}))
	if err != nil {
		return ErrFail, nil, nil
	}
	ta.cont = false
	return 0, nil, fakePack(uint32(0), ct, sig)
}

func (f *fakeTPM) pubKeyHash(req *fakeRequest) Digest {
	var b []byte
	for _, h := range req.handles {
		if k, ok := f.keys[h]; ok {
			b = append(b, fakePack(k.pub)...)
		}
	}
	if b == nil {
		return Digest{}
	}
	return sha1.Sum(b)
}

func fakeSeed(even, odd Nonce, dir string, secret [20]byte) []byte {
	var b []byte
	b = append(b, even[:]...)
	b = append(b, odd[:]...)
	b = append(b, dir...)
	return append(b, secret[:]...)
}

func (f *fakeTPM) executeTransport(req *fakeRequest) []byte {
	if rc, ok := f.failNext[req.ord]; ok {
		delete(f.failNext, req.ord)
		f.dropSessions(req)
		return fakeError(rc)
	}
	if len(req.auths) != 1 {
		return fakeError(ErrBadTag)
	}
	a := &req.auths[0]
	s, ok := f.sessions[a.handle]
	if !ok || s.kind != kindTransport {
		return fakeError(ErrInvalidAuthHandle)
	}
	var wrapped []byte
	if _, err := tpmutil.Unpack(req.params, &wrapped); err != nil {
		return fakeError(ErrBadParamSize)
	}
	inner, err := parseFakeRequest(wrapped)
	if err != nil {
		return fakeError(ErrBadParameter)
	}
	encrypt := s.attrs&TransportEncrypt != 0
	if encrypt {
		params := append([]byte(nil), inner.params...)
		mgf1XOR(params, fakeSeed(s.nonceEven, a.nonceOdd, "in", s.secret))
		inner.params = params
	}

	h1 := sha1.Sum(append(uint32Bytes(inner.ord), inner.params...))
	inDigest := sha1.Sum(append(append(uint32Bytes(ordExecuteTransport), uint32Bytes(uint32(len(wrapped)))...), h1[:]...))
	m := hmac.New(sha1.New, s.secret[:])
	m.Write(inDigest[:])
	m.Write(s.nonceEven[:])
	m.Write(a.nonceOdd[:])
	m.Write([]byte{boolByte(a.cont)})
	if !hmac.Equal(m.Sum(nil), a.hmac[:]) {
		delete(f.sessions, a.handle)
		return fakeError(ErrAuthFail)
	}
	a.s, a.key, a.even = s, s.secret, s.nonceEven

	keyHash := f.pubKeyHash(inner)
	innerRsp := f.run(inner)
	_, _, rc, _ := tpmutil.ParseResponseHeader(innerRsp)
	var start, end int
	if rc == tpmutil.RCSuccess {
		start = tpmutil.HeaderSize + 4*fakeOutHandles[inner.ord]
		end = len(innerRsp) - responseAuthSize*len(inner.auths)
	}
	h2 := sha1.Sum(append(append(uint32Bytes(uint32(rc)), uint32Bytes(inner.ord)...), innerRsp[start:end]...))

	f.ticks++
	even := f.nonce()
	if encrypt && rc == tpmutil.RCSuccess {
		mgf1XOR(innerRsp[start:end], fakeSeed(even, a.nonceOdd, "out", s.secret))
	}
	if s.attrs&TransportLogEnabled != 0 {
		s.extend(
			TransportLogIn{Tag: tagTransportLogIn, Parameters: h1, PubKeyHash: keyHash},
			TransportLogOut{Tag: tagTransportLogOut, CurrentTicks: f.currentTicks(), Parameters: h2},
		)
	}

	var od []byte
	od = append(od, uint32Bytes(0)...)
	od = append(od, uint32Bytes(ordExecuteTransport)...)
	od = append(od, uint64Bytes(f.ticks)...)
	od = append(od, uint32Bytes(0)...)
	od = append(od, uint32Bytes(uint32(len(innerRsp)))...)
	od = append(od, h2[:]...)
	out := fakePack(f.ticks, uint32(0), innerRsp)
	auth := f.authOut(a, sha1.Sum(od), even)
	rsp, err := tpmutil.PackResponse(tagRSPAuth1Command, tpmutil.RCSuccess, tpmutil.RawBytes(out), tpmutil.RawBytes(auth))
	if err != nil {
		panic(err)
	}
	return rsp
}
