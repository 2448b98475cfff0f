// Package errors provides the error taxonomy for tapstream.
//
// # Overview
//
// Every failure raised by the sync engine is classified into one of three
// classes: Transient (temporary, may be retried), Invalid (bad input, do not
// retry) and Fatal (the sync cannot continue). Callers match the specific
// cause with errors.Is against the sentinels in this package:
//
//   - ErrInvalidArgument: contradictory arguments, e.g. a bookmark wipe with
//     both a keep list and a drop list
//   - ErrSchemaMismatch: a row carries a field the stream schema does not declare
//   - ErrUnknownEncodingFormat, ErrUnknownStorageScheme, ErrUnknownCompression:
//     a batch configuration names something no registry knows
//   - ErrBatchWriteFailed: a batch chunk could not be encoded or stored
//   - ErrSinkWriteFailed: the protocol output stream rejected a write
//
// # Error Wrapping Pattern
//
// Wrapping follows the format:
//
//	"component.method: action failed: %w"
//
// Use WrapInvalid, WrapFatal or WrapTransient to attach a class, and Mark to
// attach a taxonomy sentinel to a lower level cause:
//
//	if err := w.Close(); err != nil {
//	    return errors.WrapFatal(errors.Mark(errors.ErrBatchWriteFailed, err),
//	        "Writer", "writeChunk", "close chunk file")
//	}
//
// Both the sentinel and the original cause remain reachable through
// errors.Is and errors.As.
//
// # Retry
//
// The core never retries. Storage backends retry uploads under RetryPolicy,
// which only retries transient errors.
package errors
