package network

import (
	"errors"
	"fmt"
)

// NetworkErrorCode код ошибки сокетного слоя.
type NetworkErrorCode int

const (
	// ErrorCodePoolExhausted в пуле не осталось свободных портов
	ErrorCodePoolExhausted NetworkErrorCode = iota + 1000
	// ErrorCodePortRelease порт возвращен в пул некорректно
	ErrorCodePortRelease
	// ErrorCodeBindFailed не удалось привязать сокет ни к одному порту пула
	ErrorCodeBindFailed
	// ErrorCodeSocketSetup настройка опций сокета не удалась
	ErrorCodeSocketSetup
	// ErrorCodeUnreachable удаленный адрес недостижим с локальной привязки сокета
	ErrorCodeUnreachable
)

// String возвращает строковое представление кода
func (code NetworkErrorCode) String() string {
	switch code {
	case ErrorCodePoolExhausted:
		return "POOL_EXHAUSTED"
	case ErrorCodePortRelease:
		return "PORT_RELEASE"
	case ErrorCodeBindFailed:
		return "BIND_FAILED"
	case ErrorCodeSocketSetup:
		return "SOCKET_SETUP"
	case ErrorCodeUnreachable:
		return "UNREACHABLE"
	default:
		return fmt.Sprintf("NETWORK_ERROR_%d", int(code))
	}
}

// NetworkError типизированная ошибка сокетного слоя.
type NetworkError struct {
	Code    NetworkErrorCode
	Message string
	Port    uint16
	Wrapped error
}

// Error реализует интерфейс error
func (e *NetworkError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap возвращает обернутую ошибку для errors.Is/As
func (e *NetworkError) Unwrap() error {
	return e.Wrapped
}

// Is сравнивает ошибки по коду
func (e *NetworkError) Is(target error) bool {
	var netErr *NetworkError
	if errors.As(target, &netErr) {
		return e.Code == netErr.Code
	}
	return false
}

// NewNetworkError создает ошибку сокетного слоя
func NewNetworkError(code NetworkErrorCode, message string) *NetworkError {
	return &NetworkError{Code: code, Message: message}
}

// WrapNetworkError оборачивает причину в ошибку сокетного слоя
func WrapNetworkError(code NetworkErrorCode, message string, err error) *NetworkError {
	return &NetworkError{Code: code, Message: message, Wrapped: err}
}

// HasNetworkErrorCode проверяет, содержит ли цепочка ошибок заданный код
func HasNetworkErrorCode(err error, code NetworkErrorCode) bool {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return netErr.Code == code
	}
	return false
}
