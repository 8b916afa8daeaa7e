package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned by CompareAndTransition when the expected version
// or from-state no longer matches. Nothing was changed.
var ErrConflict = errors.New("storage: conflict")

// ErrIllegalTransition is returned when the requested state change is not in
// the legal-transitions table.
var ErrIllegalTransition = errors.New("storage: illegal transition")

// ErrLockHeld is returned by AcquireLock when another worker holds an
// unexpired lease on the item.
var ErrLockHeld = errors.New("storage: lock held")

// ErrNotLockHolder is returned by ReleaseLock and ExtendLock when the caller
// is no longer the lease holder.
var ErrNotLockHolder = errors.New("storage: not lock holder")
