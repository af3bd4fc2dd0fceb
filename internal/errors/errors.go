// Package errors renders failures as HTTP error envelopes.
//
// Every response body has the shape
//
//	{"error": {"code": "...", "message": "...", "kind": "...", "details": {...}, "request_id": "..."}}
//
// where kind is the simulation taxonomy kind when the failure carries one.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/simulation"
)

// Generic codes for failures that carry no taxonomy kind.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
)

// HTTPError is the inner error object.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Kind      string         `json:"kind,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// HTTPErrorResponse is the envelope written to clients.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// AppError is an error with an explicit HTTP status and code.
type AppError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// NewBadRequest reports a malformed request.
func NewBadRequest(message string, err error) *AppError {
	return &AppError{Status: http.StatusBadRequest, Code: CodeBadRequest, Message: message, Err: err}
}

// NewExternalServiceError reports an unavailable dependency.
func NewExternalServiceError(message string, err error) *AppError {
	return &AppError{Status: http.StatusServiceUnavailable, Code: CodeServiceUnavailable, Message: message, Err: err}
}

// StatusForKind maps a taxonomy kind to an HTTP status.
func StatusForKind(kind simulation.Kind) int {
	switch kind {
	case simulation.KindValidation:
		return http.StatusBadRequest
	case simulation.KindQuotaExceeded:
		return http.StatusTooManyRequests
	case simulation.KindNotFound:
		return http.StatusNotFound
	case simulation.KindAlreadyExists, simulation.KindConflict:
		return http.StatusConflict
	case simulation.KindDispatch:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Render converts err into a status and envelope.
func Render(err error) (int, HTTPErrorResponse) {
	var ae *AppError
	if stderrors.As(err, &ae) {
		return ae.Status, HTTPErrorResponse{Error: HTTPError{Code: ae.Code, Message: ae.Error(), Details: ae.Details}}
	}

	var se *simulation.Error
	if stderrors.As(err, &se) {
		he := HTTPError{
			Code:    string(se.Kind),
			Kind:    string(se.Kind),
			Message: se.Error(),
		}
		if len(se.Fields) > 0 {
			he.Details = make(map[string]any, len(se.Fields))
			for k, v := range se.Fields {
				he.Details[k] = v
			}
		}
		return StatusForKind(se.Kind), HTTPErrorResponse{Error: he}
	}

	return http.StatusInternalServerError, HTTPErrorResponse{Error: HTTPError{Code: CodeInternal, Message: err.Error()}}
}

// RespondWithError writes err as an envelope, stamping the request id.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := Render(err)
	if r != nil {
		body.Error.RequestID = middleware.GetReqID(r.Context())
	}
	WriteJSON(w, status, body)
}

// Respond writes a generic envelope with the given status and code.
func Respond(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	body := HTTPErrorResponse{Error: HTTPError{Code: code, Message: message, Details: details}}
	if r != nil {
		body.Error.RequestID = middleware.GetReqID(r.Context())
	}
	WriteJSON(w, status, body)
}

// WriteJSON writes v as the JSON response body.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
