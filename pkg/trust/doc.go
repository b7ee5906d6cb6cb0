// Package trust answers one question about a file: does it carry an embedded
// code signature that chains to a trusted root and has not been revoked?
//
// The answer is always one of three verdicts:
//
//   - VerdictMissing: no signature, or the signing provider or subject form
//     is not recognised
//   - VerdictValid: the signature verifies
//   - VerdictInvalid: a signature is present but fails for any other reason
//
// An error is returned only when the operating system facility itself cannot
// be used, which callers should treat as fatal.
//
// Verifier holds no state and is safe for concurrent use. Code that only
// needs a verdict should depend on the Oracle interface so tests can
// substitute trusttest.Static.
package trust
