// Package errors provides standardized error handling for the component manager.
//
// # Classification
//
// Errors are classified into three classes so callers can decide on retries:
//
//   - Transient: transport failures, timeouts, unload rejections (retry recommended)
//   - Invalid: caller mistakes such as using an uninitialized interface or stopping
//     a resource that was never loaded (do not retry)
//   - Fatal: bad configuration (stop processing)
//
// # Orchestration taxonomy
//
// Operations of the registrar and orchestrator fail with one of five sentinels:
//
//	ErrUninitialized     interface used before setup
//	ErrRPCFailure        transport or remote error
//	ErrResolutionFailed  no catalog entry matches the request
//	ErrUnloadNotFound    stop/reload target absent
//	ErrUnloadFailure     transport rejected an unload
//
// Use New to build them with component/method context:
//
//	return errors.New(errors.ErrUnloadNotFound, "Interface", "StopPipe",
//	    fmt.Sprintf("pipe %q", category), nil)
//
// and errors.Is to check them. Code and FromCode translate the sentinels to and
// from the wire codes carried in RPC replies.
//
// # Wrapping
//
// Wrap, WrapTransient, WrapInvalid and WrapFatal produce messages in the form
// "component.method: action failed: cause".
package errors
