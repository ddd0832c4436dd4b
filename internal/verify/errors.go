package verify

import (
	"errors"
	"fmt"
)

// Code is the stable, client-visible reason a verification was refused.
type Code string

const (
	CodeBadRequest         Code = "BAD_REQUEST"
	CodeUncompletedRequest Code = "UNCOMPLETED_REQUEST"
	CodeFakeRequest        Code = "FAKE_REQUEST"
	CodeExpiredRequest     Code = "EXPIRED_REQUEST"
	CodeCaptchaFailed      Code = "CAPTCHA_FAILED"
	CodeServerError        Code = "SERVER_ERROR"
)

// Error is a refused verification. Only Code is shown to clients; Err is the
// internal cause and goes to the logs.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func fail(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

// CodeOf returns the Code carried by err, or CodeServerError for any other
// non-nil error. It returns "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Code
	}
	return CodeServerError
}
