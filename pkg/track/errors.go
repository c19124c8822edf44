package track

import (
	"errors"
	"fmt"
)

// TrackErrorCode типизированный код ошибки трека
type TrackErrorCode int

const (
	// Нарушения контракта
	ErrorCodeMidMismatch TrackErrorCode = iota + 3000
	ErrorCodeClosed
	ErrorCodeNoTransport
	ErrorCodeUnsupportedExtension
	ErrorCodeInvalidConfig
	ErrorCodeInvalidDescription
	ErrorCodeInvalidMessage
)

// String возвращает строковое представление кода ошибки
func (code TrackErrorCode) String() string {
	switch code {
	case ErrorCodeMidMismatch:
		return "MidMismatch"
	case ErrorCodeClosed:
		return "Closed"
	case ErrorCodeNoTransport:
		return "NoTransport"
	case ErrorCodeUnsupportedExtension:
		return "UnsupportedExtension"
	case ErrorCodeInvalidConfig:
		return "InvalidConfig"
	case ErrorCodeInvalidDescription:
		return "InvalidDescription"
	case ErrorCodeInvalidMessage:
		return "InvalidMessage"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// TrackError ошибка трека с кодом, MID трека и обернутой причиной
type TrackError struct {
	Code    TrackErrorCode
	Mid     string
	Message string
	Wrapped error
}

// Error реализует интерфейс error
func (e *TrackError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.String()
	}
	if e.Wrapped != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Wrapped)
	}
	if e.Mid != "" {
		return fmt.Sprintf("[трек:%d] mid %s: %s", e.Code, e.Mid, msg)
	}
	return fmt.Sprintf("[трек:%d] %s", e.Code, msg)
}

// Unwrap возвращает обернутую ошибку
func (e *TrackError) Unwrap() error {
	return e.Wrapped
}

// Is сравнивает ошибки по коду
func (e *TrackError) Is(target error) bool {
	if t, ok := target.(*TrackError); ok {
		return e.Code == t.Code
	}
	return false
}

// Ошибки для сравнения через errors.Is
var (
	ErrMidMismatch          = &TrackError{Code: ErrorCodeMidMismatch}
	ErrTrackClosed          = &TrackError{Code: ErrorCodeClosed}
	ErrNoTransport          = &TrackError{Code: ErrorCodeNoTransport}
	ErrUnsupportedExtension = &TrackError{Code: ErrorCodeUnsupportedExtension}
	ErrInvalidConfig        = &TrackError{Code: ErrorCodeInvalidConfig}
)

func newTrackError(code TrackErrorCode, mid, message string, wrapped error) *TrackError {
	return &TrackError{Code: code, Mid: mid, Message: message, Wrapped: wrapped}
}

// HasErrorCode проверяет, содержит ли цепочка ошибок TrackError с кодом code
func HasErrorCode(err error, code TrackErrorCode) bool {
	var trackErr *TrackError
	if errors.As(err, &trackErr) {
		return trackErr.Code == code
	}
	return false
}
