package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidIdentityToken signals an identity token the service no longer accepts.
// It is the only error the session layer recovers from.
var ErrInvalidIdentityToken = errors.New("invalid identity token")

// ErrorCode is the service-defined error code carried in an error body.
type ErrorCode string

const (
	CodeUnknown                       ErrorCode = "UNKNOWN"
	CodeTooManyAttempts               ErrorCode = "TOO_MANY_ATTEMPTS_TRY_LATER"
	CodeInvalidAPIKey                 ErrorCode = "INVALID_API_KEY"
	CodeInvalidCustomToken            ErrorCode = "INVALID_CUSTOM_TOKEN"
	CodeInvalidIDToken                ErrorCode = "INVALID_ID_TOKEN"
	CodeInvalidRefreshToken           ErrorCode = "INVALID_REFRESH_TOKEN"
	CodeInvalidGrantType              ErrorCode = "INVALID_GRANT_TYPE"
	CodeInvalidPassword               ErrorCode = "INVALID_PASSWORD"
	CodeInvalidIdpResponse            ErrorCode = "INVALID_IDP_RESPONSE"
	CodeInvalidEmail                  ErrorCode = "INVALID_EMAIL"
	CodeInvalidLoginCredentials       ErrorCode = "INVALID_LOGIN_CREDENTIALS"
	CodeInvalidCredentialOrProviderID ErrorCode = "INVALID_CREDENTIAL_OR_PROVIDER_ID"
	CodeInvalidJSONPayload            ErrorCode = "INVALID_JSON_PAYLOAD"
	CodeCredentialMismatch            ErrorCode = "CREDENTIAL_MISMATCH"
	CodeCredentialTooOld              ErrorCode = "CREDENTIAL_TOO_OLD_LOGIN_AGAIN"
	CodeTokenExpired                  ErrorCode = "TOKEN_EXPIRED"
	CodeUserDisabled                  ErrorCode = "USER_DISABLED"
	CodeUserNotFound                  ErrorCode = "USER_NOT_FOUND"
	CodeMissingRefreshToken           ErrorCode = "MISSING_REFRESH_TOKEN"
	CodeEmailExists                   ErrorCode = "EMAIL_EXISTS"
	CodeEmailNotFound                 ErrorCode = "EMAIL_NOT_FOUND"
	CodeOperationNotAllowed           ErrorCode = "OPERATION_NOT_ALLOWED"
	CodeWeakPassword                  ErrorCode = "WEAK_PASSWORD"
	CodeFederatedUserIDLinked         ErrorCode = "FEDERATED_USER_ID_ALREADY_LINKED"
	CodeExpiredOOBCode                ErrorCode = "EXPIRED_OOB_CODE"
	CodeInvalidOOBCode                ErrorCode = "INVALID_OOB_CODE"
	CodeAdminOnlyOperation            ErrorCode = "ADMIN_ONLY_OPERATION"
)

var knownCodes = map[ErrorCode]struct{}{
	CodeTooManyAttempts:         {},
	CodeInvalidAPIKey:           {},
	CodeInvalidCustomToken:      {},
	CodeInvalidIDToken:          {},
	CodeInvalidRefreshToken:     {},
	CodeInvalidGrantType:        {},
	CodeInvalidPassword:         {},
	CodeInvalidIdpResponse:      {},
	CodeInvalidEmail:            {},
	CodeInvalidLoginCredentials: {},
	CodeCredentialMismatch:      {},
	CodeCredentialTooOld:        {},
	CodeTokenExpired:            {},
	CodeUserDisabled:            {},
	CodeUserNotFound:            {},
	CodeMissingRefreshToken:     {},
	CodeEmailExists:             {},
	CodeEmailNotFound:           {},
	CodeWeakPassword:            {},
	CodeFederatedUserIDLinked:   {},
	CodeExpiredOOBCode:          {},
	CodeInvalidOOBCode:          {},
	CodeAdminOnlyOperation:      {},
}

// Some messages carry free text after the code, e.g.
// "WEAK_PASSWORD : Password should be at least 6 characters".
var codePrefixes = []struct {
	prefix string
	code   ErrorCode
}{
	{"OPERATION_NOT_ALLOWED", CodeOperationNotAllowed},
	{"INVALID_CREDENTIAL_OR_PROVIDER_ID", CodeInvalidCredentialOrProviderID},
	{"Invalid JSON payload received. Unknown name", CodeInvalidJSONPayload},
}

// ParseErrorCode extracts the error code from a service error message.
func ParseErrorCode(message string) ErrorCode {
	msg := strings.TrimSpace(message)
	for _, p := range codePrefixes {
		if strings.HasPrefix(msg, p.prefix) {
			return p.code
		}
	}
	head := msg
	if idx := strings.Index(head, " : "); idx != -1 {
		head = head[:idx]
	}
	code := ErrorCode(strings.TrimSpace(head))
	if _, ok := knownCodes[code]; ok {
		return code
	}
	return CodeUnknown
}

// APIError is a structured error returned by the identity service.
type APIError struct {
	StatusCode int
	Code       ErrorCode
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("identity api error (%d) %s: %s", e.StatusCode, e.Code, e.Message)
}

// Is reports INVALID_ID_TOKEN as ErrInvalidIdentityToken.
func (e *APIError) Is(target error) bool {
	return target == ErrInvalidIdentityToken && e.Code == CodeInvalidIDToken
}

// RequestError wraps a network-level failure.
type RequestError struct {
	Endpoint Endpoint
	Err      error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request %s: %v", e.Endpoint, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// DecodeError reports a response body that could not be decoded.
type DecodeError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode response (%d): %v", e.StatusCode, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

type errorEnvelope struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Errors  []struct {
			Domain  string `json:"domain"`
			Reason  string `json:"reason"`
			Message string `json:"message"`
		} `json:"errors"`
	} `json:"error"`
}

func parseAPIError(status int, body []byte) error {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return &DecodeError{StatusCode: status, Body: string(body), Err: err}
	}
	return &APIError{
		StatusCode: status,
		Code:       ParseErrorCode(env.Error.Message),
		Message:    env.Error.Message,
		Body:       string(body),
	}
}
