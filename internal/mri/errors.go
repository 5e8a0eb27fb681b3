package mri

import "errors"

// Error kinds surfaced by the pipeline. Callers classify with errors.Is; the
// wrapped message carries the specifics.
var (
	// ErrProtocolMismatch means required header or array fields are absent or
	// inconsistent. Fatal for the whole stream.
	ErrProtocolMismatch = errors.New("protocol mismatch")

	// ErrSequencing means a segment arrived before its readout's trajectory
	// state existed, or out of order. Fatal for that logical readout only.
	ErrSequencing = errors.New("sequencing error")

	// ErrIncompleteGroup means the stream ended with a non-empty group that
	// never saw a completion flag.
	ErrIncompleteGroup = errors.New("incomplete group")

	// ErrCollaborator means the external reconstruction call failed. Fatal for
	// that group; prior emissions are unaffected.
	ErrCollaborator = errors.New("reconstruction collaborator failure")
)
