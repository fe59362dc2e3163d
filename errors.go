package kernel

import "github.com/anillo-os/anillo-os-sub001/internal/status"

// Status is the kernel-wide error taxonomy, re-exported at the root so
// callers outside internal/ never need to import internal/status
// directly.
type Status = status.Status

// KernelError is the structured error wrapper, re-exported the same
// way.
type KernelError = status.Error

const (
	Ok                = status.Ok
	InvalidArgument   = status.InvalidArgument
	ResourceExhausted = status.ResourceExhausted
	TemporaryOutage   = status.TemporaryOutage
	PermanentOutage   = status.PermanentOutage
	AlreadyInProgress = status.AlreadyInProgress
	NoSuchResource    = status.NoSuchResource
	WouldBlock        = status.WouldBlock
	Timeout           = status.Timeout
	Cancelled         = status.Cancelled
	TooBig            = status.TooBig
	ShouldRestart     = status.ShouldRestart
)
