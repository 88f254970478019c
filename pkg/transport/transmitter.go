package transport

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/srtp/v2"

	"github.com/arzzra/media_transport/pkg/format"
)

const (
	// Тактовая частота telephone-event (RFC 4733 раздел 2.2)
	dtmfClockRate = 8000

	// Громкость DTMF тона в -dBm
	dtmfVolume = 10

	// Повторы пакетов начала и конца события для надежности доставки
	dtmfRedundancy = 3
)

// Transmitter исходящий путь канала: сериализует RTP пакеты, шифрует их
// при защищенном транспорте и пишет в сокет через конвейер.
//
// Мьютекс передатчика служит барьером смены таблицы форматов: SwapFormats
// дожидается завершения текущей отправки, после чего ни один пакет не
// собирается по старой таблице.
type Transmitter struct {
	channelID string
	stats     *Statistics
	pipeline  *Pipeline
	logger    *slog.Logger
	ssrc      uint32

	mutex   sync.Mutex
	formats *format.Map
	srtpOut *srtp.Context
	seq     uint16
}

// NewTransmitter создает исходящий путь канала.
func NewTransmitter(channelID string, stats *Statistics, pipeline *Pipeline, ssrc uint32) *Transmitter {
	return &Transmitter{
		channelID: channelID,
		stats:     stats,
		pipeline:  pipeline,
		logger: slog.Default().With(
			slog.String("component", "transmitter"),
			slog.String("channel_id", channelID)),
		ssrc: ssrc,
		seq:  generateSequenceNumber(),
	}
}

// SetFormats задает таблицу форматов исходящего потока.
func (t *Transmitter) SetFormats(m *format.Map) {
	t.mutex.Lock()
	t.formats = m
	t.mutex.Unlock()
}

// Formats возвращает текущую таблицу форматов.
func (t *Transmitter) Formats() *format.Map {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.formats
}

// SwapFormats атомарно заменяет таблицу форматов и возвращает прежнюю.
// Захват мьютекса дожидается завершения текущей отправки: пакет,
// собранный по старой таблице, не пишется после замены.
func (t *Transmitter) SwapFormats(m *format.Map) *format.Map {
	t.mutex.Lock()
	old := t.formats
	t.formats = m
	t.mutex.Unlock()
	return old
}

// Flush дожидается завершения текущей отправки. Очереди у передатчика
// нет: запись в сокет происходит внутри Send, поэтому барьером служит
// захват мьютекса.
func (t *Transmitter) Flush() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
}

// EnableSRTP взводит шифрование исходящего потока.
func (t *Transmitter) EnableSRTP(ctx *srtp.Context) {
	t.mutex.Lock()
	t.srtpOut = ctx
	t.mutex.Unlock()
}

// DisableSRTP снимает шифрование исходящего потока.
func (t *Transmitter) DisableSRTP() {
	t.mutex.Lock()
	t.srtpOut = nil
	t.mutex.Unlock()
}

// Send сериализует и отправляет RTP пакет.
// Payload type пакета должен присутствовать в таблице форматов.
// Нулевой SSRC заменяется идентификатором канала.
func (t *Transmitter) Send(packet *rtp.Packet) error {
	if packet == nil {
		return fmt.Errorf("nil RTP пакет")
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	if packet.Version != 2 {
		return NewTransportError(ErrorCodeFormatUnknown, t.channelID,
			fmt.Sprintf("неподдерживаемая версия RTP: %d", packet.Version))
	}
	if t.formats != nil {
		if _, ok := t.formats.Get(packet.PayloadType); !ok {
			return NewTransportError(ErrorCodeFormatUnknown, t.channelID,
				fmt.Sprintf("payload type %d отсутствует в таблице форматов", packet.PayloadType))
		}
	}
	if packet.SSRC == 0 {
		packet.SSRC = t.ssrc
	}

	return t.write(packet)
}

// SendDTMF отправляет telephone-event (RFC 4733): пачка из трех пакетов
// начала события (маркер на первом) и трех пакетов конца с установленным
// E-флагом. Все пакеты события несут один timestamp.
func (t *Transmitter) SendDTMF(event uint8, duration time.Duration) error {
	if event > 15 {
		return fmt.Errorf("DTMF событие %d вне диапазона [0, 15]", event)
	}
	if duration <= 0 {
		return fmt.Errorf("длительность DTMF должна быть положительной")
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.formats == nil {
		return NewTransportError(ErrorCodeDTMFUnsupported, t.channelID,
			"таблица форматов не задана")
	}
	dtmf, ok := t.formats.DTMF()
	if !ok {
		return NewTransportError(ErrorCodeDTMFUnsupported, t.channelID,
			"telephone-event отсутствует в таблице форматов")
	}

	samples := duration.Seconds() * dtmfClockRate
	if samples > 0xFFFF {
		samples = 0xFFFF
	}
	durationInSamples := uint16(samples)

	// Один timestamp на все пакеты события
	timestamp := uint32(time.Now().UnixMilli() * (dtmfClockRate / 1000))

	for i := 0; i < dtmfRedundancy; i++ {
		packet := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == 0,
				PayloadType:    dtmf.PayloadType,
				SequenceNumber: t.seq,
				Timestamp:      timestamp,
				SSRC:           t.ssrc,
			},
			Payload: dtmfPayload(event, false, durationInSamples),
		}
		t.seq++
		if err := t.write(packet); err != nil {
			return err
		}
	}

	for i := 0; i < dtmfRedundancy; i++ {
		packet := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    dtmf.PayloadType,
				SequenceNumber: t.seq,
				Timestamp:      timestamp,
				SSRC:           t.ssrc,
			},
			Payload: dtmfPayload(event, true, durationInSamples),
		}
		t.seq++
		if err := t.write(packet); err != nil {
			return err
		}
	}

	t.logger.Debug("отправлено DTMF событие",
		slog.Int("event", int(event)),
		slog.Duration("duration", duration))
	return nil
}

// write сериализует, шифрует и пишет пакет. Вызывается под мьютексом.
func (t *Transmitter) write(packet *rtp.Packet) error {
	data, err := packet.Marshal()
	if err != nil {
		return fmt.Errorf("сериализация RTP пакета: %w", err)
	}

	if t.srtpOut != nil {
		data, err = t.srtpOut.EncryptRTP(nil, data, nil)
		if err != nil {
			return fmt.Errorf("шифрование RTP пакета: %w", err)
		}
	}

	if _, err := t.pipeline.Write(data, nil); err != nil {
		return err
	}

	t.stats.IncrementRTPSent()
	t.pipeline.Metrics().PacketSent(ProtocolRTP)
	return nil
}

// Reset возвращает передатчик в исходное состояние: шифрование снято.
// Таблица форматов и нумерация пакетов сохраняются.
func (t *Transmitter) Reset() {
	t.mutex.Lock()
	t.srtpOut = nil
	t.mutex.Unlock()
}

// dtmfPayload собирает 4-байтовый payload telephone-event:
// event, E-флаг и громкость, длительность big-endian (RFC 4733 раздел 2.3).
func dtmfPayload(event uint8, end bool, duration uint16) []byte {
	data := make([]byte, 4)
	data[0] = event & 0x0F
	if end {
		data[1] |= 0x80
	}
	data[1] |= dtmfVolume & 0x3F
	binary.BigEndian.PutUint16(data[2:4], duration)
	return data
}

// generateSequenceNumber возвращает случайный начальный sequence number
// (RFC 3550 раздел 5.1).
func generateSequenceNumber() uint16 {
	var seq uint16
	if err := binary.Read(rand.Reader, binary.BigEndian, &seq); err != nil {
		return uint16(time.Now().UnixNano())
	}
	return seq
}
