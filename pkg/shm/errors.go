package shm

import (
	"errors"

	internalshm "github.com/srediag/shmem/internal/shm"
)

var (
	ErrInvalidSize       = errors.New("shm: invalid size")
	ErrOutOfBounds       = errors.New("shm: mapping out of region bounds")
	ErrBudgetExceeded    = errors.New("shm: mapping budget exceeded")
	ErrInvalidRegion     = errors.New("shm: invalid region")
	ErrWrongMode         = errors.New("shm: operation not allowed in this mode")
	ErrDuplicateWritable = errors.New("shm: writable regions cannot be duplicated")
	ErrUnmapped          = errors.New("shm: mapping already unmapped")

	ErrNoReadOnlyHandle = internalshm.ErrNoReadOnlyHandle
)

// PermissionError reports a handle whose OS-level rights contradict the mode
// it was labeled with. Reason tells which check failed.
type PermissionError = internalshm.PermissionError

type Reason = internalshm.Reason

const (
	ReasonInvalidHandle               = internalshm.ReasonInvalidHandle
	ReasonFcntlFailed                 = internalshm.ReasonFcntlFailed
	ReasonExpectedReadOnlyButWritable = internalshm.ReasonExpectedReadOnlyButWritable
	ReasonExpectedWritableButReadOnly = internalshm.ReasonExpectedWritableButReadOnly
	ReasonUnexpectedReadOnlyHandle    = internalshm.ReasonUnexpectedReadOnlyHandle
	ReasonMissingReadOnlyHandle       = internalshm.ReasonMissingReadOnlyHandle
	ReasonReadOnlyHandleWritable      = internalshm.ReasonReadOnlyHandleWritable
	ReasonHandleMismatch              = internalshm.ReasonHandleMismatch
	ReasonNotRegularFile              = internalshm.ReasonNotRegularFile
	ReasonTooSmall                    = internalshm.ReasonTooSmall
	ReasonImageSection                = internalshm.ReasonImageSection
)
