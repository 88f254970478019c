package transport

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/pion/stun"
)

// StunAuthenticator проверяет входящий STUN binding запрос.
// Возвращает false для запросов, которые следует отбросить.
// nil аутентификатор пропускает все запросы: проверка учетных данных ICE
// выполняется сессионным слоем.
type StunAuthenticator func(msg *stun.Message, src *net.UDPAddr) bool

// STUNHandler отвечает на STUN binding запросы проверок связности.
//
// Ответ содержит XOR-MAPPED-ADDRESS с адресом источника запроса: так
// удаленная сторона узнает свой адрес с точки зрения канала. Indication
// и ответы других агентов игнорируются.
type STUNHandler struct {
	channelID string
	pipeline  *Pipeline
	logger    *slog.Logger

	mutex        sync.RWMutex
	authenticate StunAuthenticator
}

// NewSTUNHandler создает обработчик STUN запросов.
func NewSTUNHandler(channelID string, pipeline *Pipeline) *STUNHandler {
	return &STUNHandler{
		channelID: channelID,
		pipeline:  pipeline,
		logger: slog.Default().With(
			slog.String("component", "stun_handler"),
			slog.String("channel_id", channelID)),
	}
}

// Protocol возвращает тег протокола обработчика
func (h *STUNHandler) Protocol() Protocol { return ProtocolSTUN }

// Priority возвращает приоритет обслуживания
func (h *STUNHandler) Priority() int { return PrioritySTUN }

// SetAuthenticator задает проверку входящих binding запросов.
func (h *STUNHandler) SetAuthenticator(auth StunAuthenticator) {
	h.mutex.Lock()
	h.authenticate = auth
	h.mutex.Unlock()
}

// HandlePacket разбирает STUN сообщение и отвечает на binding запрос.
func (h *STUNHandler) HandlePacket(data []byte, src *net.UDPAddr) error {
	msg := &stun.Message{Raw: append([]byte{}, data...)}
	if err := msg.Decode(); err != nil {
		return fmt.Errorf("разбор STUN сообщения: %w", err)
	}

	if msg.Type != stun.BindingRequest {
		h.logger.Debug("STUN сообщение проигнорировано",
			slog.String("type", msg.Type.String()))
		return nil
	}

	h.mutex.RLock()
	auth := h.authenticate
	h.mutex.RUnlock()

	if auth != nil && !auth(msg, src) {
		h.logger.Warn("STUN запрос отклонен аутентификатором",
			slog.String("src", src.String()))
		return nil
	}

	resp, err := stun.Build(msg, stun.BindingSuccess,
		&stun.XORMappedAddress{IP: src.IP, Port: src.Port},
		stun.Fingerprint)
	if err != nil {
		return fmt.Errorf("сборка STUN ответа: %w", err)
	}

	if _, err := h.pipeline.Write(resp.Raw, src); err != nil {
		return fmt.Errorf("отправка STUN ответа: %w", err)
	}
	h.pipeline.Metrics().PacketSent(ProtocolSTUN)

	h.logger.Debug("отправлен ответ на binding запрос",
		slog.String("src", src.String()))
	return nil
}

// Reset возвращает обработчик в исходное состояние.
// Обработчик не накапливает состояние между запросами, аутентификатор
// задается конфигурацией и сохраняется.
func (h *STUNHandler) Reset() {}
