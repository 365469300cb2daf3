package memutils

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
)

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

var (
	// ErrInvalidArgument is returned when a caller passes malformed input, such as a zero size or a zero limit
	ErrInvalidArgument = cerrors.New("invalid argument")
	// ErrOutOfMemory is returned when a heap limit or a backend's storage would be exceeded. The heap
	// is left unchanged when this error is returned.
	ErrOutOfMemory = cerrors.New("out of memory")
	// ErrInvalidHandle is returned for unknown, foreign, or already-freed allocation handles
	ErrInvalidHandle = cerrors.New("invalid allocation handle")
	// ErrInvalidView is returned when unmapping a view that is not currently mapped
	ErrInvalidView = cerrors.New("invalid mapped view")
	// ErrCorruptHeader indicates the header guard band of an allocation was overwritten
	ErrCorruptHeader = cerrors.New("corrupt allocation header")
	// ErrCorruptFooter indicates the footer guard band of an allocation was overwritten
	ErrCorruptFooter = cerrors.New("corrupt allocation footer")
	// ErrSizeMismatch indicates the header and footer of an allocation disagree about its size
	ErrSizeMismatch = cerrors.New("allocation header and footer sizes differ")
	// ErrHeapNotEmpty is returned when releasing or re-initializing a heap that still has live allocations
	ErrHeapNotEmpty = cerrors.New("heap has live allocations")
	// ErrInvalidState is returned by every operation on a heap that is not ready, usually because it was released
	ErrInvalidState = cerrors.New("heap is not in a usable state")
	// ErrAlreadyInitialized is returned by backends that do not support being initialized twice
	ErrAlreadyInitialized = cerrors.New("backend is already initialized")
	// ErrMapFailed is returned when a backend could not open a CPU-visible window onto an allocation
	ErrMapFailed = cerrors.New("failed to map allocation")
	// ErrUsageUnderflow is an internal consistency failure: usage counters would have gone negative.
	// It is always marked as an assertion failure.
	ErrUsageUnderflow = cerrors.New("usage counters would go negative")
)
