package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Vault stores and other
// infrastructure return these (optionally wrapped) so services can translate
// them into coded domain errors.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: record does not exist in the store
// - ErrConflict: a conditional write lost the optimistic concurrency race
// - ErrUnavailable: store or collaborator temporarily unreachable
//
// For validation errors (bad input, rejected attributes), use
// pkg/domain-errors directly.
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrUnavailable = errors.New("unavailable")
)
