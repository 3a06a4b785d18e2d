// Package semantics models decoded floating-point instructions: operands,
// operations, operand sets, live operand values and the reference decoder.
package semantics

import "fmt"

// OperandType is the value type carried by an operand.
type OperandType uint8

const (
	TypeSingle   OperandType = iota // IEEE single
	TypeDouble                      // IEEE double
	TypeExtended                    // x87 80-bit extended
	TypeInt8
	TypeInt16
	TypeInt32
	TypeInt64
	TypeUint8
	TypeUint16
	TypeUint32
	TypeUint64
	TypeSSEQuad // an entire 128-bit SSE register
)

var operandTypeNames = map[OperandType]string{
	TypeSingle:   "IEEE single",
	TypeDouble:   "IEEE double",
	TypeExtended: "C99 long double",
	TypeInt8:     "signed 8-bit int",
	TypeInt16:    "signed 16-bit int",
	TypeInt32:    "signed 32-bit int",
	TypeInt64:    "signed 64-bit int",
	TypeUint8:    "unsigned 8-bit int",
	TypeUint16:   "unsigned 16-bit int",
	TypeUint32:   "unsigned 32-bit int",
	TypeUint64:   "unsigned 64-bit int",
	TypeSSEQuad:  "SSE quad",
}

func (t OperandType) String() string {
	if s, ok := operandTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// IsFloat reports whether t is single, double or extended.
func (t OperandType) IsFloat() bool {
	return t == TypeSingle || t == TypeDouble || t == TypeExtended
}

func (t OperandType) IsSigned() bool {
	return t >= TypeInt8 && t <= TypeInt64
}

func (t OperandType) IsUnsigned() bool {
	return t >= TypeUint8 && t <= TypeUint64
}

// Size returns the storage size in bytes.
func (t OperandType) Size() int {
	switch t {
	case TypeInt8, TypeUint8:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeSingle, TypeInt32, TypeUint32:
		return 4
	case TypeDouble, TypeInt64, TypeUint64:
		return 8
	case TypeExtended:
		return 10
	case TypeSSEQuad:
		return 16
	}
	return 0
}

// SignificandBits is the number of significant binary digits plus one, the
// priority assigned to a complete cancellation in this type.
func (t OperandType) SignificandBits() int {
	switch t {
	case TypeSingle:
		return 24
	case TypeDouble:
		return 53
	case TypeExtended:
		return 65
	}
	return 0
}

// Wider returns whichever of t and o has the larger floating-point significand.
func (t OperandType) Wider(o OperandType) OperandType {
	if o.SignificandBits() > t.SignificandBits() {
		return o
	}
	return t
}

// OperationType classifies what an operation computes.
type OperationType uint8

const (
	OpInvalid OperationType = iota
	OpNone
	OpMov
	OpCvt
	OpCom
	OpComi
	OpUcom
	OpUcomi
	OpCmp
	OpPushX87
	OpPopX87
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpNot
	OpAnd
	OpOr
	OpXor
	OpMin
	OpMax
	OpZero
	OpSqrt
	OpCbrt
	OpNeg
	OpAbs
	OpAM
	OpSin
	OpCos
	OpTan
	OpLog
	OpExp
	OpCeil
	OpFloor
	OpTrunc
	OpRound
)

var operationNames = [...]string{
	OpInvalid: "invalid", OpNone: "none", OpMov: "mov", OpCvt: "cvt",
	OpCom: "com", OpComi: "comi", OpUcom: "ucom", OpUcomi: "ucomi", OpCmp: "cmp",
	OpPushX87: "push_x87", OpPopX87: "pop_x87",
	OpAdd: "add", OpSub: "sub", OpMul: "mul", OpDiv: "div",
	OpNot: "not", OpAnd: "and", OpOr: "or", OpXor: "xor",
	OpMin: "min", OpMax: "max", OpZero: "zero",
	OpSqrt: "sqrt", OpCbrt: "cbrt", OpNeg: "neg", OpAbs: "abs", OpAM: "am",
	OpSin: "sin", OpCos: "cos", OpTan: "tan", OpLog: "log", OpExp: "exp",
	OpCeil: "ceil", OpFloor: "floor", OpTrunc: "trunc", OpRound: "round",
}

func (o OperationType) String() string {
	if int(o) < len(operationNames) {
		return operationNames[o]
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// IsCompare reports whether o only compares its inputs.
func (o OperationType) IsCompare() bool {
	switch o {
	case OpCom, OpComi, OpUcom, OpUcomi, OpCmp:
		return true
	}
	return false
}

// IsMovement reports whether o moves or converts a value without computing on it.
func (o OperationType) IsMovement() bool {
	return o == OpNone || o == OpMov || o == OpCvt
}
