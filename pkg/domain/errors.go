package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrInvalidInput        = NewErr("INVALID_INPUT", "invalid input", http.StatusBadRequest)
	ErrInvalidBinaryFormat = NewErr("INVALID_BINARY_FORMAT", "invalid binary format", http.StatusBadRequest)
	ErrGistNotFound        = NewErr("GIST_NOT_FOUND", "gist not found", http.StatusNotFound)
	ErrGistExpired         = NewErr("GIST_EXPIRED", "gist expired", http.StatusGone)
	ErrUnauthorized        = NewErr("UNAUTHORIZED", "credential required", http.StatusUnauthorized)
	ErrForbidden           = NewErr("FORBIDDEN", "operation not permitted", http.StatusForbidden)
	ErrVersionConflict     = NewErr("VERSION_CONFLICT", "version conflict", http.StatusConflict)
	ErrTooManyAttempts     = NewErr("TOO_MANY_ATTEMPTS", "too many attempts", http.StatusTooManyRequests)
	ErrStorage             = NewErr("STORAGE_ERROR", "storage error", http.StatusInternalServerError)
	ErrIDGenerationFailed  = NewErr("ID_GENERATION_FAILED", "id generation failed", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }
func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}
type ErrDetail struct {
	Code string                 `json:"code"`
	Msg  string                 `json:"message"`
	Meta map[string]interface{} `json:"meta,omitempty"`
}

func ToResp(err error) ErrResp {
	if e, ok := err.(*Err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: "STORAGE_ERROR", Msg: "storage error"}}
}
func Status(err error) int {
	if e, ok := err.(*Err); ok {
		return e.Status
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}
