package smerror

// 错误码
const (
	CodeConfigMissing              = "ConfigMissing"
	CodeSRUnavailable              = "SRUnavailable"
	CodeDeviceBusy                 = "DeviceBusy"
	CodeJournalReplayFailure       = "JournalReplayFailure"
	CodeCoalesceFailure            = "CoalesceFailure"
	CodeRefcountInvariantViolation = "RefcountInvariantViolation"
	CodeVDINotFound                = "VDINotFound"
	CodeVDIInUse                   = "VDIInUse"
	CodeSRNotFound                 = "SRNotFound"
	CodeSRNotAttached              = "SRNotAttached"
	CodeSRNotEmpty                 = "SRNotEmpty"
	CodeNotMaster                  = "NotMaster"
	CodeChainTooDeep               = "ChainTooDeep"
	CodeMetadataCorrupt            = "MetadataCorrupt"
	CodeLockTimeout                = "LockTimeout"
	CodeInvalidArgument            = "InvalidArgument"
	CodeUnsupported                = "Unsupported"
	CodeInternal                   = "InternalError"
)

// 预定义错误，可以配合 errors.Is 使用
var (
	ErrConfigMissing              = New(CodeConfigMissing, "A required configuration parameter is missing.")
	ErrSRUnavailable              = New(CodeSRUnavailable, "The storage repository is unavailable.")
	ErrDeviceBusy                 = New(CodeDeviceBusy, "The device has open handles.")
	ErrJournalReplayFailure       = New(CodeJournalReplayFailure, "On-disk state is inconsistent with the operation journal.")
	ErrCoalesceFailure            = New(CodeCoalesceFailure, "Coalescing the chain node failed.")
	ErrRefcountInvariantViolation = New(CodeRefcountInvariantViolation, "The reference count would become negative.")
	ErrVDINotFound                = New(CodeVDINotFound, "The VDI does not exist.")
	ErrVDIInUse                   = New(CodeVDIInUse, "The VDI is in use.")
	ErrSRNotFound                 = New(CodeSRNotFound, "The storage repository does not exist.")
	ErrSRNotAttached              = New(CodeSRNotAttached, "The storage repository is not attached.")
	ErrSRNotEmpty                 = New(CodeSRNotEmpty, "The storage repository still contains VDIs.")
	ErrNotMaster                  = New(CodeNotMaster, "The operation is only permitted on the master host.")
	ErrChainTooDeep               = New(CodeChainTooDeep, "The CoW chain has reached its maximum depth.")
	ErrMetadataCorrupt            = New(CodeMetadataCorrupt, "The metadata volume contains a corrupt record.")
	ErrLockTimeout                = New(CodeLockTimeout, "Timed out acquiring the SR lock.")
	ErrInvalidArgument            = New(CodeInvalidArgument, "An argument is invalid.")
	ErrUnsupported                = New(CodeUnsupported, "The operation is not supported by this driver.")
	ErrInternal                   = New(CodeInternal, "An internal error has occurred.")
)
