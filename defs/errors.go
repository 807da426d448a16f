// Package defs holds the wire-format types shared by every component of the
// kernel core: the syscall error code, process/thread identifiers, and the
// ABI constants (message tags, opcodes) that must agree between the kernel
// and the userspace swapper.
package defs

import "fmt"

// Err_t is a kernel error code. Negative values indicate an error; zero
// indicates success: a "-defs.EFAULT"-style syscall return convention
// where a single negative int is the entire error payload crossing the
// syscall ABI.
type Err_t int

// Error kinds, per spec §7. Values are part of the ABI and must not be
// renumbered once assigned.
const (
	EOK Err_t = 0

	// Resource
	EOUTOFMEM Err_t = -(iota + 1)
	ESRVQFULL
	ETHREADNA

	// Addressing
	EBADADDR
	EBADALIGN
	EMEMINUSE

	// Protocol
	EINVALSYS
	EUNHANDLEDSYS
	EINVALSTR

	// Discovery
	ESRVNOTFOUND
	ESRVEXISTS
	EPROCNOTFOUND
	EPROCNOTCHILD

	// Lifecycle
	EPROCTERM
	EUSEBEFOREINIT
	EINVALPID
	EINVALCTX

	// Sharing
	ESHAREVIOLATION

	// Timing
	ETIMEOUT

	// Internal
	EINTERNAL
	EUNKNOWN
)

var names = map[Err_t]string{
	EOK:             "Ok",
	EOUTOFMEM:       "OutOfMemory",
	ESRVQFULL:       "ServerQueueFull",
	ETHREADNA:       "ThreadNotAvailable",
	EBADADDR:        "BadAddress",
	EBADALIGN:       "BadAlignment",
	EMEMINUSE:       "MemoryInUse",
	EINVALSYS:       "InvalidSyscall",
	EUNHANDLEDSYS:   "UnhandledSyscall",
	EINVALSTR:       "InvalidString",
	ESRVNOTFOUND:    "ServerNotFound",
	ESRVEXISTS:      "ServerExists",
	EPROCNOTFOUND:   "ProcessNotFound",
	EPROCNOTCHILD:   "ProcessNotChild",
	EPROCTERM:       "ProcessTerminated",
	EUSEBEFOREINIT:  "UseBeforeInit",
	EINVALPID:       "InvalidPID",
	EINVALCTX:       "InvalidContext",
	ESHAREVIOLATION: "ShareViolation",
	ETIMEOUT:        "Timeout",
	EINTERNAL:       "InternalError",
	EUNKNOWN:        "UnknownError",
}

// Error implements the error interface so an Err_t can be returned/compared
// like any other Go error at package boundaries (cobra commands, tests),
// while remaining a plain wire-format int at the syscall boundary.
func (e Err_t) Error() string {
	if e == EOK {
		return "Ok"
	}
	if s, ok := names[e]; ok {
		return s
	}
	return fmt.Sprintf("Err_t(%d)", int(e))
}

// Ok reports whether the error code represents success.
func (e Err_t) Ok() bool { return e == EOK }

// Pid_t is a process identifier, 1..=255. The zero value is the reserved
// "no process" sentinel.
type Pid_t uint8

// NoPid is the reserved sentinel distinguishing "no process" (spec §3).
const NoPid Pid_t = 0

// KernelPid is PID 1, the kernel's ticktimer/boot process.
const KernelPid Pid_t = 1

// SwapperPid is PID 2, the privileged userspace swapper.
const SwapperPid Pid_t = 2

// MaxPid is the highest assignable PID.
const MaxPid Pid_t = 255

// Tid_t is a thread identifier, scoped to its owning process.
type Tid_t int

// MsgTag identifies the shape of a Message Envelope. Values are part of the
// ABI (spec §6): 0=MutableBorrow, 1=Borrow, 2=Move, 3=Scalar.
type MsgTag int

const (
	TagMutableBorrow MsgTag = 0
	TagBorrow        MsgTag = 1
	TagMove          MsgTag = 2
	TagScalar        MsgTag = 3
)

func (t MsgTag) String() string {
	switch t {
	case TagMutableBorrow:
		return "MutableBorrow"
	case TagBorrow:
		return "Borrow"
	case TagMove:
		return "Move"
	case TagScalar:
		return "Scalar"
	default:
		return fmt.Sprintf("MsgTag(%d)", int(t))
	}
}

// Syscall opcodes, per spec §6's external interface table. Illustrative but
// stable: userspace and kernel must agree on these numbers.
type Syscall int

const (
	SysMapPhysical Syscall = iota + 1
	SysIncreaseHeap
	SysDecreaseHeap
	SysUpdateMemoryFlags
	SysSetMemRegion
	SysYield
	SysWaitEvent
	SysClaimInterrupt
	SysFreeInterrupt
	SysSwitchTo
	SysConnect
	SysTryConnect
	SysSendMessage
	SysReceiveMessage
	SysReturnMemory
	SysReturnScalar
	SysRegisterSwapHandler
	SysSwapCallbackDone
)

// SwapOp identifies the in-flight operation recorded by the trampoline's
// Blocking Op Record (spec §3, §4.7, §4.8).
type SwapOp int

const (
	OpNone SwapOp = iota
	OpWriteToSwap
	OpReadFromSwap
	OpAllocateAdvisory
)

func (o SwapOp) String() string {
	switch o {
	case OpNone:
		return "None"
	case OpWriteToSwap:
		return "WriteToSwap"
	case OpReadFromSwap:
		return "ReadFromSwap"
	case OpAllocateAdvisory:
		return "AllocateAdvisory"
	default:
		return "Unknown"
	}
}
