package transport

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/srtp/v2"
)

// RTPHandler принимает входящие RTP пакеты канала.
//
// Режим соединения задает два флага: receivable разрешает прием и разбор
// пакетов, loopable зеркалит датаграммы обратно отправителю без разбора
// (сетевая петля для диагностики). Когда канал защищен, входящие пакеты
// расшифровываются SRTP контекстом, взведенным по завершении рукопожатия.
type RTPHandler struct {
	channelID string
	stats     *Statistics
	pipeline  *Pipeline
	logger    *slog.Logger
	now       func() time.Time

	mutex      sync.RWMutex
	receivable bool
	loopable   bool
	srtpIn     *srtp.Context
	onPacket   func(*rtp.Packet, *net.UDPAddr)
}

// NewRTPHandler создает обработчик входящего RTP.
// now задает источник времени для отметок активности потока.
func NewRTPHandler(channelID string, stats *Statistics, pipeline *Pipeline, now func() time.Time) *RTPHandler {
	if now == nil {
		now = time.Now
	}
	return &RTPHandler{
		channelID: channelID,
		stats:     stats,
		pipeline:  pipeline,
		logger: slog.Default().With(
			slog.String("component", "rtp_handler"),
			slog.String("channel_id", channelID)),
		now: now,
	}
}

// Protocol возвращает тег протокола обработчика
func (h *RTPHandler) Protocol() Protocol { return ProtocolRTP }

// Priority возвращает приоритет обслуживания
func (h *RTPHandler) Priority() int { return PriorityRTP }

// SetFlags применяет флаги режима соединения.
func (h *RTPHandler) SetFlags(receivable, loopable bool) {
	h.mutex.Lock()
	h.receivable = receivable
	h.loopable = loopable
	h.mutex.Unlock()
}

// Receivable сообщает, принимает ли обработчик входящий RTP.
func (h *RTPHandler) Receivable() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.receivable
}

// Loopable сообщает, работает ли обработчик в режиме сетевой петли.
func (h *RTPHandler) Loopable() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.loopable
}

// SetPacketSink задает получателя разобранных RTP пакетов (медиа слой).
// Вызывается из читающей горутины канала и не должен блокировать.
func (h *RTPHandler) SetPacketSink(sink func(*rtp.Packet, *net.UDPAddr)) {
	h.mutex.Lock()
	h.onPacket = sink
	h.mutex.Unlock()
}

// EnableSRTP взводит расшифровку входящего потока.
func (h *RTPHandler) EnableSRTP(ctx *srtp.Context) {
	h.mutex.Lock()
	h.srtpIn = ctx
	h.mutex.Unlock()
}

// DisableSRTP снимает расшифровку входящего потока.
func (h *RTPHandler) DisableSRTP() {
	h.mutex.Lock()
	h.srtpIn = nil
	h.mutex.Unlock()
}

// HandlePacket обрабатывает входящую RTP датаграмму.
// В режиме петли датаграмма зеркалится отправителю как есть, без
// расшифровки и разбора. Вне режима приема датаграмма молча отбрасывается.
func (h *RTPHandler) HandlePacket(data []byte, src *net.UDPAddr) error {
	h.mutex.RLock()
	receivable := h.receivable
	loopable := h.loopable
	srtpIn := h.srtpIn
	sink := h.onPacket
	h.mutex.RUnlock()

	if loopable {
		h.stats.IncrementRTPReceived()
		h.stats.TouchActivity(h.now())
		if _, err := h.pipeline.Write(data, src); err != nil {
			return fmt.Errorf("отражение пакета в петле: %w", err)
		}
		h.stats.IncrementRTPSent()
		h.pipeline.Metrics().PacketSent(ProtocolRTP)
		return nil
	}

	if !receivable {
		return nil
	}

	if srtpIn != nil {
		decrypted, err := srtpIn.DecryptRTP(nil, data, nil)
		if err != nil {
			return fmt.Errorf("расшифровка SRTP пакета: %w", err)
		}
		data = decrypted
	}

	packet := &rtp.Packet{}
	if err := packet.Unmarshal(data); err != nil {
		return fmt.Errorf("разбор RTP пакета: %w", err)
	}

	h.stats.IncrementRTPReceived()
	h.stats.TouchActivity(h.now())

	if sink != nil {
		sink(packet, src)
	}
	return nil
}

// Reset возвращает обработчик в исходное состояние: флаги режима сняты,
// расшифровка отключена. Получатель пакетов сохраняется.
func (h *RTPHandler) Reset() {
	h.mutex.Lock()
	h.receivable = false
	h.loopable = false
	h.srtpIn = nil
	h.mutex.Unlock()
}
