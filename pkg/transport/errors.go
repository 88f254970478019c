package transport

import (
	"errors"
	"fmt"
)

// TransportErrorCode определяет типизированные коды ошибок транспортного слоя.
// Позволяет классифицировать ошибки по категориям и обрабатывать их соответствующим образом.
type TransportErrorCode int

const (
	// Ошибки привязки сокета
	ErrorCodeBind TransportErrorCode = iota + 2000
	ErrorCodeSocketSetup
	ErrorCodeNotBound

	// Ошибки передачи
	ErrorCodeNotAvailable
	ErrorCodeFormatUnknown
	ErrorCodeDTMFUnsupported

	// Ошибки защищенного транспорта
	ErrorCodeHandshake
	ErrorCodeTimeout
)

// String возвращает строковое представление кода ошибки
func (code TransportErrorCode) String() string {
	switch code {
	case ErrorCodeBind:
		return "Bind"
	case ErrorCodeSocketSetup:
		return "SocketSetup"
	case ErrorCodeNotBound:
		return "NotBound"
	case ErrorCodeNotAvailable:
		return "NotAvailable"
	case ErrorCodeFormatUnknown:
		return "FormatUnknown"
	case ErrorCodeDTMFUnsupported:
		return "DTMFUnsupported"
	case ErrorCodeHandshake:
		return "Handshake"
	case ErrorCodeTimeout:
		return "Timeout"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// TransportError базовая структура ошибок транспортного слоя.
// Предоставляет расширенную информацию об ошибке включая:
//   - Типизированный код ошибки
//   - Контекстную информацию (адреса, параметры пакета)
//   - Возможность обертывания других ошибок
//   - Идентификатор канала для сопоставления с логами
type TransportError struct {
	Code      TransportErrorCode
	Message   string
	ChannelID string
	Context   map[string]interface{}
	Wrapped   error
}

// Error реализует интерфейс error, возвращая форматированное сообщение об ошибке.
func (e *TransportError) Error() string {
	if e.ChannelID != "" {
		return fmt.Sprintf("[транспорт:%d] канал %s: %s", e.Code, e.ChannelID, e.Message)
	}
	return fmt.Sprintf("[транспорт:%d] %s", e.Code, e.Message)
}

// Unwrap возвращает обернутую ошибку, поддерживая errors.Unwrap.
func (e *TransportError) Unwrap() error {
	return e.Wrapped
}

// Is поддерживает errors.Is, позволяя сравнивать ошибки по коду.
func (e *TransportError) Is(target error) bool {
	if t, ok := target.(*TransportError); ok {
		return e.Code == t.Code
	}
	return false
}

// GetContext возвращает значение из контекста ошибки по ключу.
func (e *TransportError) GetContext(key string) interface{} {
	if e.Context == nil {
		return nil
	}
	return e.Context[key]
}

// NewTransportError создает новую ошибку транспортного слоя
func NewTransportError(code TransportErrorCode, channelID, message string) *TransportError {
	return &TransportError{
		Code:      code,
		Message:   message,
		ChannelID: channelID,
	}
}

// WrapTransportError оборачивает существующую ошибку в TransportError
func WrapTransportError(code TransportErrorCode, channelID, message string, err error) *TransportError {
	return &TransportError{
		Code:      code,
		Message:   message,
		ChannelID: channelID,
		Wrapped:   err,
	}
}

// HasErrorCode проверяет, содержит ли цепочка ошибок указанный код
func HasErrorCode(err error, code TransportErrorCode) bool {
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return transportErr.Code == code
	}
	return false
}
