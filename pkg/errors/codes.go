package errors

// Code is a machine-readable error code of the form CATEGORY_NNN. The
// category prefix selects the HTTP status (see [Error.HTTPStatus]); the
// numeric suffix identifies the exact condition. Codes are stable once
// assigned because deny reasons are recorded in logs and metrics.
type Code string

// Categories and their HTTP statuses:
//
//	VAL_xxx     - 400 Bad Request
//	AUTH_xxx    - 401 Unauthorized
//	AUTHZ_xxx   - 403 Forbidden
//	NF_xxx      - 404 Not Found
//	CONF_xxx    - 409 Conflict
//	PRECOND_xxx - 412 Precondition Failed
//	RATE_xxx    - 429 Too Many Requests
//	INT_xxx     - 500 Internal Server Error
//	UNAVAIL_xxx - 503 Service Unavailable
//	TIMEOUT_xxx - 504 Gateway Timeout
const (
	// CodeValidation indicates a general validation failure.
	CodeValidation Code = "VAL_001"

	// CodeValidationRequired indicates a required field is missing.
	CodeValidationRequired Code = "VAL_002"

	// CodeValidationFormat indicates a field has an invalid format.
	CodeValidationFormat Code = "VAL_003"

	// CodeInvalidPath indicates a route path contains traversal sequences,
	// null bytes, control characters or characters unsafe for routing.
	CodeInvalidPath Code = "VAL_010"

	// CodeAuthentication indicates a general authentication failure.
	CodeAuthentication Code = "AUTH_001"

	// CodeTokenExpired indicates the token is past exp (plus leeway) or
	// exceeds the maximum absolute lifetime.
	CodeTokenExpired Code = "AUTH_002"

	// CodeMalformedToken indicates the token is not a well-formed JWT.
	CodeMalformedToken Code = "AUTH_003"

	// CodeUnsupportedAlgorithm indicates the token's alg header is not in
	// the effective allow-list.
	CodeUnsupportedAlgorithm Code = "AUTH_004"

	// CodeUnknownKeyID indicates no key could be resolved for the token.
	CodeUnknownKeyID Code = "AUTH_005"

	// CodeSignatureMismatch indicates the JWT or HMAC signature did not
	// verify against the resolved key or secret.
	CodeSignatureMismatch Code = "AUTH_006"

	// CodeTokenNotYetValid indicates nbf (minus leeway) is in the future.
	CodeTokenNotYetValid Code = "AUTH_007"

	// CodeIssuerMismatch indicates iss differs from the expected issuer.
	CodeIssuerMismatch Code = "AUTH_008"

	// CodeSignatureMissing indicates the request carried no signature.
	CodeSignatureMissing Code = "AUTH_009"

	// CodeAuthorization indicates a general authorization failure.
	CodeAuthorization Code = "AUTHZ_001"

	// CodeAudienceMismatch indicates no aud entry matched.
	CodeAudienceMismatch Code = "AUTHZ_002"

	// CodeSubjectMismatch indicates sub is missing or differs from the
	// expected subject.
	CodeSubjectMismatch Code = "AUTHZ_003"

	// CodeWorkspaceMismatch indicates a workspace-scoped claim names a
	// different workspace than the request.
	CodeWorkspaceMismatch Code = "AUTHZ_004"

	// CodeTokenTypeMismatch indicates the token's type claim is not the
	// one this service accepts.
	CodeTokenTypeMismatch Code = "AUTHZ_005"

	// CodeNotFound indicates a general not found error.
	CodeNotFound Code = "NF_001"

	// CodeConflict indicates a general conflict error.
	CodeConflict Code = "CONF_001"

	// CodeWorkspaceTokenNotFound indicates no installation token exists
	// for the workspace named by the request.
	CodeWorkspaceTokenNotFound Code = "PRECOND_001"

	// CodeRateLimitExceeded indicates the caller's bucket is empty.
	CodeRateLimitExceeded Code = "RATE_001"

	// CodeInternal indicates a general internal error.
	CodeInternal Code = "INT_001"

	// CodeInternalDatabase indicates a database operation failed.
	CodeInternalDatabase Code = "INT_002"

	// CodeInternalConfiguration indicates a configuration error.
	CodeInternalConfiguration Code = "INT_003"

	// CodeUnavailable indicates a general service unavailable error.
	CodeUnavailable Code = "UNAVAIL_001"

	// CodeUnavailableDependency indicates a dependent service is unavailable.
	CodeUnavailableDependency Code = "UNAVAIL_002"

	// CodeKeySourceUnavailable indicates the remote key set could not be
	// fetched and no usable snapshot was allowed to be served.
	CodeKeySourceUnavailable Code = "UNAVAIL_003"

	// CodeTimeout indicates a general timeout error.
	CodeTimeout Code = "TIMEOUT_001"

	// CodeTimeoutDatabase indicates a database operation timed out.
	CodeTimeoutDatabase Code = "TIMEOUT_002"

	// CodeTimeoutDependency indicates a call to a dependency timed out.
	CodeTimeoutDependency Code = "TIMEOUT_003"
)

// String returns the string representation of the error code.
func (c Code) String() string {
	return string(c)
}

// Category returns the category prefix of the error code (e.g., "VAL", "AUTH").
func (c Code) Category() string {
	s := string(c)
	for i, r := range s {
		if r == '_' {
			return s[:i]
		}
	}
	return s
}
