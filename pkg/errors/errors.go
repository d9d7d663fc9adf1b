// Package errors provides the structured error type shared by every
// admission component. Each error carries a machine-readable [Code] whose
// category prefix determines the HTTP status used when the error reaches a
// response writer.
//
// Deny reasons such as an expired token, a rate-limit hit or a missing
// workspace token are ordinary values of this type. Callers branch on them
// with [HasCode] or the category checks rather than by inspecting messages:
//
//	claims, err := verifier.Verify(ctx, token)
//	switch {
//	case errors.HasCode(err, errors.CodeTokenExpired):
//	    // ask the platform to resend with a fresh token
//	case errors.IsAuthorization(err):
//	    // authenticated, wrong audience or subject
//	}
//
// Messages are safe to log. They are not echoed to unauthenticated callers;
// HTTP layers map codes to coarse public messages instead.
package errors
