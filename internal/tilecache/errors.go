package tilecache

import "errors"

// Sentinel errors for the four failure classes of spec §7 (contract misuse,
// inconsistency, unreachable type, failed conversion step), plus
// ErrDestroyed for operations on a destroyed record. Call sites wrap
// these with fmt.Errorf("...: %w", ErrX) so errors.Is classification
// survives across the package boundary.
var (
	// ErrContractMisuse marks a missing or invalid argument: no tile, no
	// key, null data on create.
	ErrContractMisuse = errors.New("tilecache: contract misuse")

	// ErrInconsistency marks an operation that found the cache in a state
	// its own bookkeeping says shouldn't be possible: removing a tile not
	// present in a record, unloading a cache key with no live record.
	ErrInconsistency = errors.New("tilecache: inconsistency")

	// ErrUnreachableType marks a conversion request with no registered
	// path between the current and requested format.
	ErrUnreachableType = errors.New("tilecache: unreachable conversion")

	// ErrDestroyed is returned by operations attempted on a destroyed
	// record.
	ErrDestroyed = errors.New("tilecache: record destroyed")

	// ErrConversionFailed marks an edge transform that resolved to a
	// falsy/error result mid-path; the record rolls back to its
	// pre-conversion payload and format.
	ErrConversionFailed = errors.New("tilecache: conversion step failed")
)
