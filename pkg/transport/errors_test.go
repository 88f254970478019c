package transport

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransportErrorFormatting(t *testing.T) {
	t.Run("с идентификатором канала", func(t *testing.T) {
		err := NewTransportError(ErrorCodeNotBound, "ch-1", "отправка до привязки канала")
		assert.Contains(t, err.Error(), "ch-1")
		assert.Contains(t, err.Error(), "отправка до привязки канала")
	})

	t.Run("без идентификатора канала", func(t *testing.T) {
		err := NewTransportError(ErrorCodeBind, "", "не удалось получить сокет")
		assert.NotContains(t, err.Error(), "канал ")
		assert.Contains(t, err.Error(), "не удалось получить сокет")
	})
}

func TestTransportErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("сокет закрыт")
	err := WrapTransportError(ErrorCodeSocketSetup, "ch-2", "настройка сокета", cause)

	assert.Equal(t, cause, errors.Unwrap(err))
	assert.ErrorIs(t, err, cause)
}

func TestTransportErrorIsComparesByCode(t *testing.T) {
	a := NewTransportError(ErrorCodeTimeout, "ch-a", "таймаут RTP потока")
	b := NewTransportError(ErrorCodeTimeout, "ch-b", "другое сообщение")
	c := NewTransportError(ErrorCodeHandshake, "ch-a", "таймаут RTP потока")

	assert.ErrorIs(t, a, b, "ошибки с одним кодом должны совпадать")
	assert.NotErrorIs(t, a, c, "ошибки с разными кодами не должны совпадать")
}

func TestHasErrorCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		code     TransportErrorCode
		expected bool
	}{
		{
			name:     "прямая ошибка с кодом",
			err:      NewTransportError(ErrorCodeNotAvailable, "ch", "адрес не задан"),
			code:     ErrorCodeNotAvailable,
			expected: true,
		},
		{
			name: "код в глубине цепочки",
			err: fmt.Errorf("внешний слой: %w",
				NewTransportError(ErrorCodeHandshake, "ch", "рукопожатие")),
			code:     ErrorCodeHandshake,
			expected: true,
		},
		{
			name:     "другой код",
			err:      NewTransportError(ErrorCodeBind, "ch", "привязка"),
			code:     ErrorCodeTimeout,
			expected: false,
		},
		{
			name:     "посторонняя ошибка",
			err:      fmt.Errorf("обычная ошибка"),
			code:     ErrorCodeBind,
			expected: false,
		},
		{
			name:     "nil",
			err:      nil,
			code:     ErrorCodeBind,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, HasErrorCode(tt.err, tt.code))
		})
	}
}

func TestTransportErrorContext(t *testing.T) {
	err := &TransportError{
		Code:      ErrorCodeFormatUnknown,
		Message:   "payload type отсутствует",
		ChannelID: "ch-3",
		Context:   map[string]interface{}{"payload_type": 97},
	}

	require.Equal(t, 97, err.GetContext("payload_type"))
	assert.Nil(t, err.GetContext("нет такого ключа"))

	empty := NewTransportError(ErrorCodeBind, "ch", "msg")
	assert.Nil(t, empty.GetContext("любой"))
}

func TestTransportErrorCodeString(t *testing.T) {
	assert.Equal(t, "Bind", ErrorCodeBind.String())
	assert.Equal(t, "SocketSetup", ErrorCodeSocketSetup.String())
	assert.Equal(t, "NotBound", ErrorCodeNotBound.String())
	assert.Equal(t, "NotAvailable", ErrorCodeNotAvailable.String())
	assert.Equal(t, "FormatUnknown", ErrorCodeFormatUnknown.String())
	assert.Equal(t, "DTMFUnsupported", ErrorCodeDTMFUnsupported.String())
	assert.Equal(t, "Handshake", ErrorCodeHandshake.String())
	assert.Equal(t, "Timeout", ErrorCodeTimeout.String())
	assert.Contains(t, TransportErrorCode(1).String(), "Unknown")
}
