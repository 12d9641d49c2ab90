package models

import "fmt"

// DataLoadError indicates a required table could not be loaded. Fatal at
// startup: there is no fallback snapshot.
type DataLoadError struct {
	Table string
	Err   error
}

func (e *DataLoadError) Error() string {
	return fmt.Sprintf("failed to load table %s: %v", e.Table, e.Err)
}

func (e *DataLoadError) Unwrap() error {
	return e.Err
}

// IsTransient returns false: a missing or unparsable table will not fix
// itself, the process must be restarted with corrected data.
func (e *DataLoadError) IsTransient() bool {
	return false
}

// ValidationError indicates a caller parameter violates its contract.
// Rejected at the boundary before any core computation runs.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// IsTransient returns false as validation errors are permanent
func (e *ValidationError) IsTransient() bool {
	return false
}

// InsufficientDataError indicates a clustering request needs more communes
// than the snapshot holds. Fatal for that request only.
type InsufficientDataError struct {
	Requested int
	Available int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("cannot form %d clusters from %d communes", e.Requested, e.Available)
}

func (e *InsufficientDataError) IsTransient() bool {
	return false
}

// ComputationError carries the failing pair or cluster context for an
// unexpected internal failure. The boundary layer converts it to a
// user-facing message.
type ComputationError struct {
	Op          string
	CommuneID   int
	IndicatorID int
	Err         error
}

func (e *ComputationError) Error() string {
	return fmt.Sprintf("%s failed for commune=%d indicator=%d: %v", e.Op, e.CommuneID, e.IndicatorID, e.Err)
}

func (e *ComputationError) Unwrap() error {
	return e.Err
}
