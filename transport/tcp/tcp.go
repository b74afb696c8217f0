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

// Package tcp provides access to a TPM 1.2 emulator over TCP. The command
// port carries the raw TPM 1.2 byte stream; the optional control port speaks
// the swtpm control protocol.
package tcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/go-tpm12/tpmutil"
)

var (
	ErrTransport     = errors.New("TCP transport error")
	ErrControlFailed = errors.New("control command failed")
	ErrNoControl     = errors.New("no control address configured")
)

// The control protocol is defined by swtpm.
// See https://github.com/stefanberger/swtpm/blob/master/include/swtpm/tpm_ioctl.h

type controlCommand uint32

const (
	ctrlGetCapability controlCommand = 1
	ctrlInit          controlCommand = 2
	ctrlShutdown      controlCommand = 3
)

func (c controlCommand) String() string {
	switch c {
	case ctrlGetCapability:
		return "GET_CAPABILITY"
	case ctrlInit:
		return "INIT"
	case ctrlShutdown:
		return "SHUTDOWN"
	default:
		return fmt.Sprintf("unknown control command (%v)", uint32(c))
	}
}

// Config configures the TCP connection to the emulator.
type Config struct {
	// CommandAddress is the TPM command port (e.g. "localhost:2321").
	CommandAddress string
	// ControlAddress is the control port (e.g. "localhost:2322"). It may be
	// empty, in which case Init and Shutdown are unavailable.
	ControlAddress string
}

// TPM is a TCP connection to a TPM 1.2 emulator.
type TPM struct {
	mu   sync.Mutex
	cmd  net.Conn
	ctrl net.Conn
}

// Open connects to the emulator described by config.
func Open(config Config) (*TPM, error) {
	cmd, err := net.Dial("tcp", config.CommandAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: could not connect to command port: %v", ErrTransport, err)
	}
	t := &TPM{cmd: cmd}
	if config.ControlAddress != "" {
		t.ctrl, err = net.Dial("tcp", config.ControlAddress)
		if err != nil {
			cmd.Close()
			return nil, fmt.Errorf("%w: could not connect to control port: %v", ErrTransport, err)
		}
	}
	return t, nil
}

// Send implements the transport.TPM interface.
func (t *TPM) Send(cmd []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rsp, err := tpmutil.RunCommandRaw(t.cmd, cmd)
	if err != nil {
		if errors.Is(err, tpmutil.ErrMalformedStructure) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return rsp, nil
}

// Close implements the transport.TPM interface.
func (t *TPM) Close() error {
	var ctrlErr error
	if t.ctrl != nil {
		ctrlErr = t.ctrl.Close()
	}
	return errors.Join(t.cmd.Close(), ctrlErr)
}

// Init powers the emulated TPM on. The TPM still needs a TPM_Startup
// afterwards.
func (t *TPM) Init() error {
	return t.sendControl(ctrlInit, 0)
}

// Shutdown powers the emulated TPM off.
func (t *TPM) Shutdown() error {
	return t.sendControl(ctrlShutdown)
}

// sendControl writes a control command with its u32 arguments and reads the
// u32 result code that every control response starts with.
func (t *TPM) sendControl(c controlCommand, args ...uint32) error {
	if t.ctrl == nil {
		return ErrNoControl
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	req := append([]uint32{uint32(c)}, args...)
	if err := binary.Write(t.ctrl, binary.BigEndian, req); err != nil {
		return fmt.Errorf("%w: could not send %v: %v", ErrTransport, c, err)
	}
	var result uint32
	if err := binary.Read(t.ctrl, binary.BigEndian, &result); err != nil {
		return fmt.Errorf("%w: could not read %v result: %v", ErrTransport, c, err)
	}
	if result != 0 {
		return fmt.Errorf("%w: %v returned %#x", ErrControlFailed, c, result)
	}
	return nil
}
