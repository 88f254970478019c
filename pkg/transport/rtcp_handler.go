package transport

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/srtp/v2"
)

// Причина в RTCP BYE при штатном закрытии канала
const goodbyeReason = "session closed"

// RTCPHandler принимает отчеты RTCP на общем сокете канала (rtcp-mux,
// RFC 5761) и ведет членство в RTCP сессии. Вход в сессию происходит
// по завершении DTLS рукопожатия, выход - при закрытии канала, с отправкой
// Goodbye через конвейер. Вход и выход строго однократны на цикл привязки.
type RTCPHandler struct {
	channelID string
	stats     *Statistics
	pipeline  *Pipeline
	logger    *slog.Logger
	ssrc      uint32

	mutex    sync.Mutex
	joined   bool
	srtcpIn  *srtp.Context
	srtcpOut *srtp.Context
	onJoin   func()
	onLeave  func()
}

// NewRTCPHandler создает обработчик RTCP.
// ssrc - идентификатор источника канала, используется в Goodbye.
func NewRTCPHandler(channelID string, stats *Statistics, pipeline *Pipeline, ssrc uint32) *RTCPHandler {
	return &RTCPHandler{
		channelID: channelID,
		stats:     stats,
		pipeline:  pipeline,
		logger: slog.Default().With(
			slog.String("component", "rtcp_handler"),
			slog.String("channel_id", channelID)),
		ssrc: ssrc,
	}
}

// Protocol возвращает тег протокола обработчика
func (h *RTCPHandler) Protocol() Protocol { return ProtocolRTCP }

// Priority возвращает приоритет обслуживания
func (h *RTCPHandler) Priority() int { return PriorityRTCP }

// SetSessionObservers задает наблюдателей входа и выхода из RTCP сессии.
func (h *RTCPHandler) SetSessionObservers(onJoin, onLeave func()) {
	h.mutex.Lock()
	h.onJoin = onJoin
	h.onLeave = onLeave
	h.mutex.Unlock()
}

// EnableSRTCP взводит защиту RTCP: in расшифровывает входящие отчеты,
// out шифрует исходящие.
func (h *RTCPHandler) EnableSRTCP(in, out *srtp.Context) {
	h.mutex.Lock()
	h.srtcpIn = in
	h.srtcpOut = out
	h.mutex.Unlock()
}

// DisableSRTCP снимает защиту RTCP.
func (h *RTCPHandler) DisableSRTCP() {
	h.mutex.Lock()
	h.srtcpIn = nil
	h.srtcpOut = nil
	h.mutex.Unlock()
}

// Joined сообщает, состоит ли канал в RTCP сессии.
func (h *RTCPHandler) Joined() bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.joined
}

// JoinSession фиксирует вход в RTCP сессию. Повторный вход игнорируется.
func (h *RTCPHandler) JoinSession() {
	h.mutex.Lock()
	if h.joined {
		h.mutex.Unlock()
		return
	}
	h.joined = true
	onJoin := h.onJoin
	h.mutex.Unlock()

	h.logger.Info("вход в RTCP сессию", slog.Uint64("ssrc", uint64(h.ssrc)))
	if onJoin != nil {
		onJoin()
	}
}

// LeaveSession фиксирует выход из RTCP сессии и отправляет Goodbye.
// Вне сессии вызов игнорируется. Отправка best effort: неписуемый сокет
// не мешает выходу.
func (h *RTCPHandler) LeaveSession() {
	h.mutex.Lock()
	if !h.joined {
		h.mutex.Unlock()
		return
	}
	h.joined = false
	out := h.srtcpOut
	onLeave := h.onLeave
	h.mutex.Unlock()

	if err := h.sendGoodbye(out); err != nil {
		h.logger.Debug("Goodbye не отправлен",
			slog.String("error", err.Error()))
	}

	h.logger.Info("выход из RTCP сессии", slog.Uint64("ssrc", uint64(h.ssrc)))
	if onLeave != nil {
		onLeave()
	}
}

func (h *RTCPHandler) sendGoodbye(out *srtp.Context) error {
	bye := &rtcp.Goodbye{
		Sources: []uint32{h.ssrc},
		Reason:  goodbyeReason,
	}
	data, err := bye.Marshal()
	if err != nil {
		return fmt.Errorf("сборка Goodbye: %w", err)
	}

	if out != nil {
		data, err = out.EncryptRTCP(nil, data, nil)
		if err != nil {
			return fmt.Errorf("шифрование Goodbye: %w", err)
		}
	}

	if _, err := h.pipeline.Write(data, nil); err != nil {
		return err
	}
	h.stats.IncrementRTCPSent()
	h.pipeline.Metrics().PacketSent(ProtocolRTCP)
	return nil
}

// HandlePacket обрабатывает входящую RTCP датаграмму: расшифровывает
// при защищенном транспорте и разбирает составной пакет.
func (h *RTCPHandler) HandlePacket(data []byte, src *net.UDPAddr) error {
	h.mutex.Lock()
	in := h.srtcpIn
	h.mutex.Unlock()

	if in != nil {
		decrypted, err := in.DecryptRTCP(nil, data, nil)
		if err != nil {
			return fmt.Errorf("расшифровка SRTCP пакета: %w", err)
		}
		data = decrypted
	}

	packets, err := rtcp.Unmarshal(data)
	if err != nil {
		return fmt.Errorf("разбор RTCP пакета: %w", err)
	}

	h.stats.IncrementRTCPReceived()

	for _, packet := range packets {
		if bye, ok := packet.(*rtcp.Goodbye); ok {
			h.logger.Info("удаленная сторона покинула RTCP сессию",
				slog.String("reason", bye.Reason))
		}
	}
	return nil
}

// Reset возвращает обработчик в исходное состояние: членство в сессии
// и защита сняты. Наблюдатели сохраняются.
func (h *RTCPHandler) Reset() {
	h.mutex.Lock()
	h.joined = false
	h.srtcpIn = nil
	h.srtcpOut = nil
	h.mutex.Unlock()
}
