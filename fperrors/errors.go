package fperrors

import (
	"errors"
	"strings"
)

// Codegen (C) Errors
var (
	ErrCUnsupportedRegister   = errors.New("C1|UnsupportedRegister: Register cannot be encoded by this instruction form.")
	ErrCUnsupportedScale      = errors.New("C2|UnsupportedScale: SIB scale must be 1, 2, 4 or 8.")
	ErrCUnsupportedAddressing = errors.New("C3|UnsupportedAddressing: Operand kind has no load/store path.")
	ErrCDisplacementRange     = errors.New("C4|DisplacementRange: Displacement does not fit in 32 bits.")
)

// Blob (B) Errors
var (
	ErrBFakeStackImbalance = errors.New("B1|FakeStackImbalance: Fake stack cursor did not return to its start.")
	ErrBScratchExhausted   = errors.New("B2|ScratchExhausted: No free scratch register is left.")
	ErrBUnboundLabel       = errors.New("B3|UnboundLabel: Jump target label was never bound.")
	ErrBFinalized          = errors.New("B4|Finalized: Blob was already finalized.")
	ErrBNoRIPOperand       = errors.New("B5|NoRIPOperand: Instruction carries no RIP-relative displacement.")
)

// Decoder (D) Errors
var (
	ErrDUnsupportedInstruction = errors.New("D1|UnsupportedInstruction: Instruction is not a modeled floating-point form.")
	ErrDTruncated              = errors.New("D2|Truncated: Instruction bytes end before the instruction does.")
	ErrDUnknownIndex           = errors.New("D3|UnknownIndex: No instruction registered under this index.")
)

// Analysis (A) Errors
var (
	ErrAUnknownAnalysis = errors.New("A1|UnknownAnalysis: No analysis is registered under this tag or id.")
	ErrANotConfigured   = errors.New("A2|NotConfigured: Analysis used before configure.")
	ErrAFinalized       = errors.New("A3|Finalized: Analysis already emitted its final output.")
	ErrAMissingBinding  = errors.New("A4|MissingBinding: Target address binding is absent from the configuration.")
)

// Configuration (F) Errors
var (
	ErrFMalformedLine  = errors.New("F1|MalformedLine: Configuration line could not be parsed.")
	ErrFBadAddress     = errors.New("F2|BadAddress: Address list entry is not a hex address.")
	ErrFMissingSetting = errors.New("F3|MissingSetting: Required setting is absent.")
)

// Target (T) Errors
var (
	ErrTOutOfMemory     = errors.New("T1|OutOfMemory: Target arena is exhausted.")
	ErrTUnmappedAddress = errors.New("T2|UnmappedAddress: Access touches memory that was never allocated.")
	ErrTUnsupportedInsn = errors.New("T3|UnsupportedInstruction: Emulator cannot execute this instruction.")
	ErrTStepLimit       = errors.New("T4|StepLimit: Execution exceeded its step budget.")
	ErrTTrap            = errors.New("T5|Trap: Execution reached a trap instruction.")
)

func GetErrorName(err error) string {
	if err == nil {
		return "No Error"
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "|") || !strings.Contains(errStr, ":") {
		return errStr
	}
	parts := strings.SplitN(errStr, "|", 2)
	if len(parts) < 2 {
		return errStr
	}
	nameDesc := parts[1]
	// Split on ':' to separate the error name from its description.
	nameParts := strings.SplitN(nameDesc, ":", 2)
	if len(nameParts) < 1 {
		return errStr
	}
	return strings.TrimSpace(nameParts[0])
}

func GetErrorNames(errs []error) []string {
	errStrs := make([]string, len(errs))
	for i, err := range errs {
		errStrs[i] = GetErrorName(err)
	}
	return errStrs
}

// GetErrorCode extracts the error code from the error message.
func GetErrorCode(err error) string {
	if err == nil {
		return ""
	}
	errStr := err.Error()
	// Check if the error string contains '|'.
	if !strings.Contains(errStr, "|") {
		return ""
	}
	parts := strings.SplitN(errStr, "|", 2)
	return strings.TrimSpace(parts[0])
}

// GetErrorCodeWithName returns the error code and name in the format "Code_ErrorName".
func GetErrorCodeWithName(err error) string {
	code := GetErrorCode(err)
	name := GetErrorName(err)
	if code == "" || name == "" {
		return ""
	}
	return code + "_" + name
}

// GetErrorDesc extracts the error description from the error message.
func GetErrorDesc(err error) string {
	if err == nil {
		return ""
	}
	errStr := err.Error()
	parts := strings.SplitN(errStr, ":", 2)
	if len(parts) < 2 {
		return "DESC NOT SET"
	}
	return strings.TrimSpace(parts[1])
}
