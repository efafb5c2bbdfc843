// ABOUTME: Error codes and the JSON error body returned by the authorization gateway.
// ABOUTME: Codes are stable and recorded on every access log entry.

package authgate

import (
	"encoding/json"
	"net/http"
)

// Code identifies the outcome of an authorization decision.
type Code int

const (
	CodeSuccess          Code = 0
	CodeKeyRequired      Code = 40101
	CodeKeyInvalid       Code = 40102
	CodeKeyExpired       Code = 40103
	CodeKeyLimitExceeded Code = 40104
	CodeNotFound         Code = 404
	CodeInternalError    Code = 500
)

var codeNames = map[Code]string{
	CodeSuccess:          "SUCCESS",
	CodeKeyRequired:      "AUTH_KEY_REQUIRED",
	CodeKeyInvalid:       "AUTH_KEY_INVALID",
	CodeKeyExpired:       "AUTH_KEY_EXPIRED",
	CodeKeyLimitExceeded: "AUTH_KEY_LIMIT_EXCEEDED",
	CodeNotFound:         "HTTP_NOT_FOUND",
	CodeInternalError:    "HTTP_INTERNAL_SERVER_ERROR",
}

var codeMessages = map[Code]string{
	CodeKeyRequired:      "access key is required",
	CodeKeyInvalid:       "access key is invalid",
	CodeKeyExpired:       "access key has expired",
	CodeKeyLimitExceeded: "access key daily limit exceeded",
	CodeNotFound:         "service not found",
	CodeInternalError:    "internal server error",
}

// String returns the code's canonical name.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}

// Message returns the human-readable message sent with the code.
func (c Code) Message() string {
	return codeMessages[c]
}

// HTTPStatus maps a code to its response status.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeSuccess:
		return http.StatusOK
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusUnauthorized
	}
}

// ErrorBody is the JSON shape of every gateway error response.
type ErrorBody struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// WriteError writes the JSON error body for code.
func WriteError(w http.ResponseWriter, code Code) {
	w.Header().Set("Content-Type", "application/json")
	if code.HTTPStatus() == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="grimoire"`)
	}
	w.WriteHeader(code.HTTPStatus())
	_ = json.NewEncoder(w).Encode(ErrorBody{Code: code, Message: code.Message()})
}
