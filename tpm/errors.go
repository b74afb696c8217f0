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

	"github.com/google/go-tpm12/tpmutil"
)

var (
	// ErrAuthenticationFailure is wrapped by every error reporting a response
	// whose authorization data is missing or does not verify.
	ErrAuthenticationFailure = errors.New("response authentication failed")
	// ErrSessionState is wrapped by errors reporting use of a session that is
	// not active or is already busy with another command.
	ErrSessionState = errors.New("invalid session state")
	// ErrMalformedStructure reports a truncated or inconsistent buffer.
	ErrMalformedStructure = tpmutil.ErrMalformedStructure
	// ErrSecretSize reports an authorization secret that is not 20 bytes.
	ErrSecretSize = errors.New("authorization secret must be 20 bytes")
	// ErrNoSecret reports an OIAP authorization with no secret to use.
	ErrNoSecret = errors.New("no authorization secret available")
	// ErrSessionBudget reports that the handle budget of a Context is used up.
	ErrSessionBudget = errors.New("no session handles left")
	// ErrVerification reports a signature that does not verify.
	ErrVerification = errors.New("signature verification failed")
)

// A ReturnCode is an error value from the TPM.
type ReturnCode uint32

// Error produces a string for the given TPM Error code
func (rc ReturnCode) Error() string {
	return "tpm: " + rc.description()
}

func (rc ReturnCode) description() string {
	if e, ok := returnCodes[rc]; ok {
		return e.msg
	}
	return fmt.Sprintf("unknown error code %#x", uint32(rc))
}

// Name returns the symbolic name of the return code, e.g. TPM_AUTHFAIL.
func (rc ReturnCode) Name() string {
	if e, ok := returnCodes[rc]; ok {
		return e.name
	}
	return fmt.Sprintf("TPM_UNKNOWN(%#x)", uint32(rc))
}

// nonFatal is set in return codes that report a transient condition.
const nonFatal ReturnCode = 0x800

// TPM 1.2 return codes, from TPM Main Part 2 section 16.
const (
	_                      = iota
	ErrAuthFail ReturnCode = iota
	ErrBadIndex
	ErrBadParameter
	ErrAuditFailure
	ErrClearDisabled
	ErrDeactivated
	ErrDisabled
	ErrDisabledCmd
	ErrFail
	ErrBadOrdinal
	ErrInstallDisabled
	ErrInvalidKeyHandle
	ErrKeyNotFound
	ErrInappropriateEnc
	ErrMigrateFail
	ErrInvalidPCRInfo
	ErrNoSpace
	ErrNoSRK
	ErrNotSealedBlob
	ErrOwnerSet
	ErrResources
	ErrShortRandom
	ErrSize
	ErrWrongPCRVal
	ErrBadParamSize
	ErrSHAThread
	ErrSHAError
	ErrFailedSelfTest
	ErrAuth2Fail
	ErrBadTag
	ErrIOError
	ErrEncryptError
	ErrDecryptError
	ErrInvalidAuthHandle
	ErrNoEndorsement
	ErrInvalidKeyUsage
	ErrWrongEntityType
	ErrInvalidPostInit
	ErrInappropriateSig
	ErrBadKeyProperty
	ErrBadMigration
	ErrBadScheme
	ErrBadDatasize
	ErrBadMode
	ErrBadPresence
	ErrBadVersion
	ErrNoWrapTransport
	ErrAuditFailUnsuccessful
	ErrAuditFailSuccessful
	ErrNotResetable
	ErrNotLocal
	ErrBadType
	ErrInvalidResource
	ErrNotFIPS
	ErrInvalidFamily
	ErrNoNVPermission
	ErrRequiresSign
	ErrKeyNotSupported
	ErrAuthConflict
	ErrAreaLocked
	ErrBadLocality
	ErrReadOnly
	ErrPerNoWrite
	ErrFamilyCount
	ErrWriteLocked
	ErrBadAttributes
	ErrInvalidStructure
	ErrKeyOwnerControl
	ErrBadCounter
	ErrNotFullWrite
	ErrContextGap
	ErrMaxNVWrites
	ErrNoOperator
	ErrResourceMissing
	ErrDelegateLock
	ErrDelegateFamily
	ErrDelegateAdmin
	ErrTransportNotExclusive
	ErrOwnerControl
	ErrDAAResources
	ErrDAAInputData0
	ErrDAAInputData1
	ErrDAAIssuerSettings
	ErrDAASettings
	ErrDAAState
	ErrDAAIssuerValidity
	ErrDAAWrongW
	ErrBadHandle
	ErrBadDelegate
	ErrBadContext
	ErrTooManyContexts
	ErrMATicketSignature
	ErrMADestination
	ErrMASource
	ErrMAAuthority
	_
	ErrPermanentEK
	ErrBadSignature
	ErrNoContextSpace
)

// Non-fatal return codes.
const (
	ErrRetry ReturnCode = nonFatal + iota
	ErrNeedsSelfTest
	ErrDoingSelfTest
	ErrDefendLockRunning
)

// returnCodes maps return codes to their names and descriptions.
var returnCodes = map[ReturnCode]struct{ name, msg string }{
	ErrAuthFail:              {"TPM_AUTHFAIL", "authentication failed"},
	ErrBadIndex:              {"TPM_BADINDEX", "the index to a PCR, DIR or other register is incorrect"},
	ErrBadParameter:          {"TPM_BAD_PARAMETER", "one or more parameter is bad"},
	ErrAuditFailure:          {"TPM_AUDITFAILURE", "an operation completed successfully but the auditing of that operation failed"},
	ErrClearDisabled:         {"TPM_CLEAR_DISABLED", "the clear disable flag is set and all clear operations now require physical access"},
	ErrDeactivated:           {"TPM_DEACTIVATED", "the TPM is deactivated"},
	ErrDisabled:              {"TPM_DISABLED", "the TPM is disabled"},
	ErrDisabledCmd:           {"TPM_DISABLED_CMD", "the target command has been disabled"},
	ErrFail:                  {"TPM_FAIL", "the operation failed"},
	ErrBadOrdinal:            {"TPM_BAD_ORDINAL", "the ordinal was unknown or inconsistent"},
	ErrInstallDisabled:       {"TPM_INSTALL_DISABLED", "the ability to install an owner is disabled"},
	ErrInvalidKeyHandle:      {"TPM_INVALID_KEYHANDLE", "the key handle can not be interpreted"},
	ErrKeyNotFound:           {"TPM_KEYNOTFOUND", "the key handle points to an invalid key"},
	ErrInappropriateEnc:      {"TPM_INAPPROPRIATE_ENC", "unacceptable encryption scheme"},
	ErrMigrateFail:           {"TPM_MIGRATEFAIL", "migration authorization failed"},
	ErrInvalidPCRInfo:        {"TPM_INVALID_PCR_INFO", "PCR information could not be interpreted"},
	ErrNoSpace:               {"TPM_NOSPACE", "no room to load key"},
	ErrNoSRK:                 {"TPM_NOSRK", "there is no SRK set"},
	ErrNotSealedBlob:         {"TPM_NOTSEALED_BLOB", "an encrypted blob is invalid or was not created by this TPM"},
	ErrOwnerSet:              {"TPM_OWNER_SET", "there is already an Owner"},
	ErrResources:             {"TPM_RESOURCES", "the TPM has insufficient internal resources to perform the requested action"},
	ErrShortRandom:           {"TPM_SHORTRANDOM", "a random string was too short"},
	ErrSize:                  {"TPM_SIZE", "the TPM does not have the space to perform the operation"},
	ErrWrongPCRVal:           {"TPM_WRONGPCRVAL", "the named PCR value does not match the current PCR value"},
	ErrBadParamSize:          {"TPM_BAD_PARAM_SIZE", "the paramSize argument to the command has the incorrect value"},
	ErrSHAThread:             {"TPM_SHA_THREAD", "there is no existing SHA-1 thread"},
	ErrSHAError:              {"TPM_SHA_ERROR", "the calculation is unable to proceed because the existing SHA-1 thread has already encountered an error"},
	ErrFailedSelfTest:        {"TPM_FAILEDSELFTEST", "self-test has failed and the TPM has shutdown"},
	ErrAuth2Fail:             {"TPM_AUTH2FAIL", "the authorization for the second key in a 2 key function failed authorization"},
	ErrBadTag:                {"TPM_BADTAG", "the tag value sent to for a command is invalid"},
	ErrIOError:               {"TPM_IOERROR", "an IO error occurred transmitting information to the TPM"},
	ErrEncryptError:          {"TPM_ENCRYPT_ERROR", "the encryption process had a problem"},
	ErrDecryptError:          {"TPM_DECRYPT_ERROR", "the decryption process had a problem"},
	ErrInvalidAuthHandle:     {"TPM_INVALID_AUTHHANDLE", "an invalid handle was used"},
	ErrNoEndorsement:         {"TPM_NO_ENDORSEMENT", "the TPM does not have an EK installed"},
	ErrInvalidKeyUsage:       {"TPM_INVALID_KEYUSAGE", "the usage of a key is not allowed"},
	ErrWrongEntityType:       {"TPM_WRONG_ENTITYTYPE", "the submitted entity type is not allowed"},
	ErrInvalidPostInit:       {"TPM_INVALID_POSTINIT", "the command was received in the wrong sequence relative to Init and a subsequent Startup"},
	ErrInappropriateSig:      {"TPM_INAPPROPRIATE_SIG", "signed data cannot include additional DER information"},
	ErrBadKeyProperty:        {"TPM_BAD_KEY_PROPERTY", "the key properties in KEY_PARAMs are not supported by this TPM"},
	ErrBadMigration:          {"TPM_BAD_MIGRATION", "the migration properties of this key are incorrect"},
	ErrBadScheme:             {"TPM_BAD_SCHEME", "the signature or encryption scheme for this key is incorrect or not permitted in this situation"},
	ErrBadDatasize:           {"TPM_BAD_DATASIZE", "the size of the data (or blob) parameter is bad or inconsistent with the referenced key"},
	ErrBadMode:               {"TPM_BAD_MODE", "a mode parameter is bad, such as capArea or subCapArea for GetCapability, physicalPresence parameter for PhysicalPresence, or migrationType for CreateMigrationBlob"},
	ErrBadPresence:           {"TPM_BAD_PRESENCE", "either the physicalPresence or physicalPresenceLock bits have the wrong value"},
	ErrBadVersion:            {"TPM_BAD_VERSION", "the TPM cannot perform this version of the capability"},
	ErrNoWrapTransport:       {"TPM_NO_WRAP_TRANSPORT", "the TPM does not allow for wrapped transport sessions"},
	ErrAuditFailUnsuccessful: {"TPM_AUDITFAIL_UNSUCCESSFUL", "TPM audit construction failed and the underlying command was returning a failure code also"},
	ErrAuditFailSuccessful:   {"TPM_AUDITFAIL_SUCCESSFUL", "TPM audit construction failed and the underlying command was returning success"},
	ErrNotResetable:          {"TPM_NOTRESETABLE", "attempt to reset a PCR register that does not have the resettable attribute"},
	ErrNotLocal:              {"TPM_NOTLOCAL", "attempt to reset a PCR register that requires locality and locality modifier not part of command transport"},
	ErrBadType:               {"TPM_BAD_TYPE", "make identity blob not properly typed"},
	ErrInvalidResource:       {"TPM_INVALID_RESOURCE", "when saving context identified resource type does not match actual resource"},
	ErrNotFIPS:               {"TPM_NOTFIPS", "the TPM is attempting to execute a command only available when in FIPS mode"},
	ErrInvalidFamily:         {"TPM_INVALID_FAMILY", "the command is attempting to use an invalid family ID"},
	ErrNoNVPermission:        {"TPM_NO_NV_PERMISSION", "the permission to manipulate the NV storage is not available"},
	ErrRequiresSign:          {"TPM_REQUIRES_SIGN", "the operation requires a signed command"},
	ErrKeyNotSupported:       {"TPM_KEY_NOTSUPPORTED", "wrong operation to load an NV key"},
	ErrAuthConflict:          {"TPM_AUTH_CONFLICT", "NV_LoadKey blob requires both owner and blob authorization"},
	ErrAreaLocked:            {"TPM_AREA_LOCKED", "the NV area is locked and not writeable"},
	ErrBadLocality:           {"TPM_BAD_LOCALITY", "the locality is incorrect for the attempted operation"},
	ErrReadOnly:              {"TPM_READ_ONLY", "the NV area is read only and can't be written to"},
	ErrPerNoWrite:            {"TPM_PER_NOWRITE", "there is no protection on the write to the NV area"},
	ErrFamilyCount:           {"TPM_FAMILYCOUNT", "the family count value does not match"},
	ErrWriteLocked:           {"TPM_WRITE_LOCKED", "the NV area has already been written to"},
	ErrBadAttributes:         {"TPM_BAD_ATTRIBUTES", "the NV area attributes conflict"},
	ErrInvalidStructure:      {"TPM_INVALID_STRUCTURE", "the structure tag and version are invalid or inconsistent"},
	ErrKeyOwnerControl:       {"TPM_KEY_OWNER_CONTROL", "the key is under control of the TPM Owner and can only be evicted by the TPM Owner"},
	ErrBadCounter:            {"TPM_BAD_COUNTER", "the counter handle is incorrect"},
	ErrNotFullWrite:          {"TPM_NOT_FULLWRITE", "the write is not a complete write of the area"},
	ErrContextGap:            {"TPM_CONTEXT_GAP", "the gap between saved context counts is too large"},
	ErrMaxNVWrites:           {"TPM_MAXNVWRITES", "the maximum number of NV writes without an owner has been exceeded"},
	ErrNoOperator:            {"TPM_NOOPERATOR", "no operator AuthData value is set"},
	ErrResourceMissing:       {"TPM_RESOURCEMISSING", "the resource pointed to by context is not loaded"},
	ErrDelegateLock:          {"TPM_DELEGATE_LOCK", "the delegate administration is locked"},
	ErrDelegateFamily:        {"TPM_DELEGATE_FAMILY", "attempt to manage a family other than the delegated family"},
	ErrDelegateAdmin:         {"TPM_DELEGATE_ADMIN", "delegation table management not enabled"},
	ErrTransportNotExclusive: {"TPM_TRANSPORT_NOTEXCLUSIVE", "there was a command executed outside of an exclusive transport session"},
	ErrOwnerControl:          {"TPM_OWNER_CONTROL", "attempt to context save a owner evict controlled key"},
	ErrDAAResources:          {"TPM_DAA_RESOURCES", "the DAA command has no resources available to execute the command"},
	ErrDAAInputData0:         {"TPM_DAA_INPUT_DATA0", "the consistency check on DAA parameter inputData0 has failed"},
	ErrDAAInputData1:         {"TPM_DAA_INPUT_DATA1", "the consistency check on DAA parameter inputData1 has failed"},
	ErrDAAIssuerSettings:     {"TPM_DAA_ISSUER_SETTINGS", "the consistency check on DAA_issuerSettings has failed"},
	ErrDAASettings:           {"TPM_DAA_TPM_SETTINGS", "the consistency check on DAA_tpmSpecific has failed"},
	ErrDAAState:              {"TPM_DAA_STAGE", "the atomic process indicated by the submitted DAA command is not the expected process"},
	ErrDAAIssuerValidity:     {"TPM_DAA_ISSUER_VALIDITY", "the issuer's validity check has detected an inconsistency"},
	ErrDAAWrongW:             {"TPM_DAA_WRONG_W", "the consistency check on w has failed"},
	ErrBadHandle:             {"TPM_BAD_HANDLE", "the handle is incorrect"},
	ErrBadDelegate:           {"TPM_BAD_DELEGATE", "delegation is not correct"},
	ErrBadContext:            {"TPM_BADCONTEXT", "the context blob is invalid"},
	ErrTooManyContexts:       {"TPM_TOOMANYCONTEXTS", "too many contexts held by the TPM"},
	ErrMATicketSignature:     {"TPM_MA_TICKET_SIGNATURE", "migration authority signature validation failure"},
	ErrMADestination:         {"TPM_MA_DESTINATION", "migration destination not authenticated"},
	ErrMASource:              {"TPM_MA_SOURCE", "migration source incorrect"},
	ErrMAAuthority:           {"TPM_MA_AUTHORITY", "incorrect migration authority"},
	ErrPermanentEK:           {"TPM_PERMANENTEK", "attempt to revoke the EK and the EK is not revocable"},
	ErrBadSignature:          {"TPM_BAD_SIGNATURE", "bad signature of CMK ticket"},
	ErrNoContextSpace:        {"TPM_NOCONTEXTSPACE", "there is no room in the context list for additional contexts"},
	ErrRetry:                 {"TPM_RETRY", "the TPM is too busy to respond to the command immediately, but the command could be resubmitted at a later time"},
	ErrNeedsSelfTest:         {"TPM_NEEDS_SELFTEST", "TPM_ContinueSelfTest has not been run"},
	ErrDoingSelfTest:         {"TPM_DOING_SELFTEST", "the TPM is currently executing the actions of TPM_ContinueSelfTest because the ordinal required resources that have not been tested"},
	ErrDefendLockRunning:     {"TPM_DEFEND_LOCK_RUNNING", "the TPM is defending against dictionary attacks and is in some time-out period"},
}

// A ModuleError is a non-success return code in a response.
type ModuleError struct {
	Ordinal uint32
	Code    ReturnCode
}

func (e *ModuleError) Error() string {
	return fmt.Sprintf("tpm: %s failed with %s (%#x): %s", ordinalName(e.Ordinal), e.Code.Name(), uint32(e.Code), e.Code.description())
}

// Unwrap lets errors.Is match a ModuleError against a ReturnCode.
func (e *ModuleError) Unwrap() error { return e.Code }

// Name returns the symbolic name of the return code.
func (e *ModuleError) Name() string { return e.Code.Name() }

// IsRetryable reports whether the TPM reported a transient condition. Such
// errors are never retried by this package.
func (e *ModuleError) IsRetryable() bool {
	return e.Code&nonFatal != 0 || e.Code == ErrResources
}

func ordinalName(ord uint32) string {
	if n, ok := ordinalNames[ord]; ok {
		return n
	}
	return fmt.Sprintf("ordinal %#x", ord)
}

// A TransportError reports a failure to exchange bytes with the TPM.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("tpm: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// An AuthError reports a response that failed authentication for the session
// with the given handle.
type AuthError struct {
	Ordinal uint32
	Handle  tpmutil.Handle
	Reason  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("tpm: %s: session %#x: %s", ordinalName(e.Ordinal), uint32(e.Handle), e.Reason)
}

func (e *AuthError) Unwrap() error { return ErrAuthenticationFailure }

// A SessionStateError reports use of a session that is not Active, or that
// is busy with another command.
type SessionStateError struct {
	Handle tpmutil.Handle
	State  SessionState
	InUse  bool
}

func (e *SessionStateError) Error() string {
	if e.InUse {
		return fmt.Sprintf("tpm: session %#x is already in use", uint32(e.Handle))
	}
	return fmt.Sprintf("tpm: session %#x is %s", uint32(e.Handle), e.State)
}

func (e *SessionStateError) Unwrap() error { return ErrSessionState }
