package internalerr

import "errors"

// Sentinel errors for common cases
var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrCycleDetected  = errors.New("cycle detected")
	ErrDuplicateName  = errors.New("duplicate predicate name")
	ErrLevelInversion = errors.New("predicate level does not exceed its dependencies")
	ErrDiscoveryBusy  = errors.New("discovery cycle already in flight")
	ErrStoreClosed    = errors.New("store closed")
)
