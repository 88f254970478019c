// Package transport содержит ядро медиа транспорта: канал, разделяющий
// один UDP сокет между RTP, RTCP, STUN и DTLS (мультиплексирование по
// содержимому датаграмм, RFC 5764 раздел 5.1.2), конвейер протокольных
// обработчиков, машину защищенного транспорта DTLS-SRTP и мониторинг
// тишины входящего потока.
package transport

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/arzzra/media_transport/pkg/format"
	"github.com/arzzra/media_transport/pkg/network"
	"github.com/arzzra/media_transport/pkg/scheduler"
)

// Listener наблюдатель фатальных событий медиа потока.
// Канал не закрывает себя сам: решение о завершении или пересогласовании
// сессии принимает владеющий слой.
type Listener interface {
	// OnRTPFailure вызывается при таймауте тишины RTP потока или сбое
	// DTLS рукопожатия. Вызов приходит из горутины планировщика или
	// рукопожатия и не должен блокировать.
	OnRTPFailure(err error)
}

// ChannelConfig конфигурация транспортного канала.
type ChannelConfig struct {
	// SSRC идентификатор источника исходящего потока, 0 - случайный
	SSRC uint32

	// Formats таблица форматов исходящего потока
	Formats *format.Map

	// DTLS конфигурация защищенного транспорта
	DTLS *DTLSConfig

	// ReadBufferSize размер буфера чтения датаграмм
	ReadBufferSize int

	// BatchSize максимум датаграмм, вычитываемых за один цикл ввода-вывода
	BatchSize int

	// Metrics сборщик метрик, nil - общий сборщик процесса
	Metrics *MetricsCollector
}

// DefaultChannelConfig возвращает конфигурацию по умолчанию.
func DefaultChannelConfig() *ChannelConfig {
	return &ChannelConfig{
		Formats:        format.DefaultAudioMap(),
		DTLS:           DefaultDTLSConfig(),
		ReadBufferSize: 1500,
		BatchSize:      32,
	}
}

// Validate проверяет корректность конфигурации.
func (c *ChannelConfig) Validate() error {
	if c.ReadBufferSize <= 0 {
		return fmt.Errorf("ReadBufferSize должен быть положительным")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("BatchSize должен быть положительным")
	}
	if c.DTLS != nil {
		if err := c.DTLS.Validate(); err != nil {
			return fmt.Errorf("DTLS: %w", err)
		}
	}
	return nil
}

// Channel транспортный канал медиа потока: один UDP сокет, разделяемый
// протоколами RTP, RTCP (rtcp-mux), STUN и DTLS.
//
// Канал создается отвязанным. Bind выделяет сокет из пула менеджера и
// активирует конвейер обработчиков, Close отвязывает и сбрасывает
// состояние. После Close канал пригоден для повторной привязки:
// идентификатор, SSRC и счетчики статистики переживают цикл.
//
// Мутации конфигурации (режим, удаленный адрес, rtcp-mux, защита)
// сериализуются мьютексом канала. Путь данных работает без него:
// читающая горутина использует собственные блокировки конвейера.
//
// Для роли DTLS клиента удаленный адрес должен быть известен к моменту
// рукопожатия: записи без адреса назначения отбрасываются до тех пор,
// пока SetRemotePeer не уточнит адрес, доставку обеспечивают повторные
// передачи flight механизма.
type Channel struct {
	id      string
	config  ChannelConfig
	manager *network.Manager
	sched   *scheduler.Scheduler
	logger  *slog.Logger
	metrics *MetricsCollector
	ssrc    uint32

	stats       *Statistics
	pipeline    *Pipeline
	rtpHandler  *RTPHandler
	transmitter *Transmitter
	heartbeat   *HeartbeatMonitor

	mutex      sync.Mutex
	bound      bool
	secure     bool
	rtcpMux    bool
	conn       *net.UDPConn
	remotePeer *net.UDPAddr
	poolPort   uint16
	ownsPort   bool
	done       chan struct{}
	listener   Listener
	onJoin     func()
	onLeave    func()

	// Обработчики, создаваемые по требованию. Экземпляры переживают
	// циклы enable/disable, чтобы не терять накопленное состояние.
	rtcp *RTCPHandler
	dtls *DTLSHandler
	stun *STUNHandler

	wg sync.WaitGroup
}

// NewChannel создает транспортный канал.
// manager выделяет и настраивает сокеты, sched выполняет heartbeat
// проверки. При config == nil используется конфигурация по умолчанию.
func NewChannel(id string, manager *network.Manager, sched *scheduler.Scheduler, config *ChannelConfig) (*Channel, error) {
	if id == "" {
		return nil, fmt.Errorf("идентификатор канала не может быть пустым")
	}
	if manager == nil {
		return nil, fmt.Errorf("менеджер сокетов не может быть nil")
	}
	if sched == nil {
		return nil, fmt.Errorf("планировщик не может быть nil")
	}
	if config == nil {
		config = DefaultChannelConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("невалидная конфигурация канала: %w", err)
	}

	ssrc := config.SSRC
	if ssrc == 0 {
		ssrc = generateSSRC()
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = DefaultMetricsCollector()
	}

	stats := NewStatistics()
	pipeline := NewPipeline(id, metrics)

	c := &Channel{
		id:      id,
		config:  *config,
		manager: manager,
		sched:   sched,
		logger: slog.Default().With(
			slog.String("component", "transport_channel"),
			slog.String("channel_id", id)),
		metrics:  metrics,
		ssrc:     ssrc,
		stats:    stats,
		pipeline: pipeline,
	}

	c.rtpHandler = NewRTPHandler(id, stats, pipeline, sched.Now)
	c.transmitter = NewTransmitter(id, stats, pipeline, ssrc)
	c.transmitter.SetFormats(config.Formats)
	c.heartbeat = NewHeartbeatMonitor(id, stats, sched, c.onHeartbeatTimeout)

	return c, nil
}

// ID возвращает идентификатор канала.
func (c *Channel) ID() string { return c.id }

// SSRC возвращает идентификатор источника исходящего потока.
func (c *Channel) SSRC() uint32 { return c.ssrc }

// SetListener задает наблюдателя фатальных событий канала.
func (c *Channel) SetListener(listener Listener) {
	c.mutex.Lock()
	c.listener = listener
	c.mutex.Unlock()
}

// SetPacketSink задает получателя разобранных входящих RTP пакетов.
func (c *Channel) SetPacketSink(sink func(*rtp.Packet, *net.UDPAddr)) {
	c.rtpHandler.SetPacketSink(sink)
}

// SetSessionObservers задает наблюдателей входа и выхода из RTCP сессии.
// Наблюдатели применяются и к обработчику, который будет создан позже
// через EnableRTCPMux.
func (c *Channel) SetSessionObservers(onJoin, onLeave func()) {
	c.mutex.Lock()
	c.onJoin = onJoin
	c.onLeave = onLeave
	if c.rtcp != nil {
		c.rtcp.SetSessionObservers(onJoin, onLeave)
	}
	c.mutex.Unlock()
}

// Bind выделяет сокет из пула менеджера и активирует канал.
// local выбирает loopback привязку вместо публичной. При неудаче канал
// остается отвязанным, повторная попытка допустима.
func (c *Channel) Bind(local bool) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.bound {
		return NewTransportError(ErrorCodeBind, c.id, "канал уже привязан")
	}

	conn, port, err := c.manager.OpenChannel(local)
	if err != nil {
		return WrapTransportError(ErrorCodeBind, c.id, "не удалось получить сокет", err)
	}

	c.conn = conn
	c.poolPort = port
	c.ownsPort = true
	c.activateLocked()
	c.bound = true
	c.startReadLoopLocked()
	c.metrics.ChannelOpened()

	c.logger.Info("канал привязан",
		slog.String("addr", conn.LocalAddr().String()),
		slog.Bool("local", local),
		slog.Bool("secure", c.secure),
		slog.Bool("rtcp_mux", c.rtcpMux))
	return nil
}

// BindTo активирует канал на внешнем, уже открытом сокете.
// Порт такого сокета пулом не управляется и при закрытии не возвращается.
func (c *Channel) BindTo(conn *net.UDPConn) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.bound {
		return NewTransportError(ErrorCodeSocketSetup, c.id, "канал уже привязан")
	}
	if conn == nil {
		return NewTransportError(ErrorCodeSocketSetup, c.id, "внешний сокет не может быть nil")
	}
	if err := c.manager.AdoptChannel(conn); err != nil {
		return WrapTransportError(ErrorCodeSocketSetup, c.id, "внешний сокет не настроен", err)
	}

	c.conn = conn
	c.ownsPort = false
	c.activateLocked()
	c.bound = true
	c.startReadLoopLocked()
	c.metrics.ChannelOpened()

	c.logger.Info("канал привязан к внешнему сокету",
		slog.String("addr", conn.LocalAddr().String()))
	return nil
}

// activateLocked активирует конвейер на сокете канала: RTP всегда,
// RTCP при включенном rtcp-mux, STUN и DTLS с запуском рукопожатия
// при защищенном транспорте. Вызывается под мьютексом канала.
func (c *Channel) activateLocked() {
	c.pipeline.Activate(c.conn)
	c.pipeline.SetPeer(c.remotePeer, false)

	c.pipeline.Register(c.rtpHandler)

	if c.rtcpMux && c.rtcp != nil {
		c.pipeline.Register(c.rtcp)
	}

	if c.secure && c.dtls != nil {
		c.pipeline.Register(c.stun)
		c.pipeline.Register(c.dtls)

		if err := c.dtls.Handshake(); err != nil {
			c.logger.Error("не удалось запустить DTLS рукопожатие",
				slog.String("error", err.Error()))
			go c.notifyFailure(err)
		}
	}
}

// startReadLoopLocked запускает читающую горутину канала.
// Вызывается под мьютексом канала после активации конвейера.
func (c *Channel) startReadLoopLocked() {
	done := make(chan struct{})
	c.done = done
	c.wg.Add(1)
	go c.readLoop(c.conn, done)
}

// IsBound сообщает, привязан ли канал к сокету.
func (c *Channel) IsBound() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.bound
}

// IsAvailable сообщает, готов ли канал к отправке медиа: удаленный адрес
// зафиксирован и, для защищенного канала, DTLS рукопожатие завершено.
func (c *Channel) IsAvailable() bool {
	c.mutex.Lock()
	secure := c.secure
	dtls := c.dtls
	c.mutex.Unlock()

	available := c.pipeline.Active() && c.pipeline.Connected()
	if secure && dtls != nil {
		available = available && dtls.IsHandshakeComplete()
	}
	return available
}

// SetRemotePeer задает удаленный адрес медиа потока.
// Зафиксированное ранее подключение сбрасывается. Подключение к новому
// адресу выполняется сразу, только если политика менеджера это разрешает;
// за SBC адрес уточняется позже через STUN проверки. Ошибка подключения
// к loopback адресу поглощается: канал остается пригодным для STUN.
func (c *Channel) SetRemotePeer(addr *net.UDPAddr) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.remotePeer = addr

	if addr == nil {
		c.pipeline.SetPeer(nil, false)
		c.heartbeat.Cancel()
		return
	}

	connected := false
	if c.conn != nil {
		if c.pipeline.Connected() {
			c.pipeline.SetPeer(nil, false)
			c.logger.Debug("канал отключен от прежнего адреса")
		}

		if c.manager.ConnectImmediately(addr) {
			if err := c.manager.ConnectChannel(c.conn, addr); err != nil {
				c.logger.Warn("подключение к удаленному адресу не удалось, "+
					"ожидаются STUN проверки",
					slog.String("remote", addr.String()),
					slog.String("error", err.Error()))
			} else {
				connected = true
			}
		}
	}

	c.pipeline.SetPeer(addr, connected)
	c.rearmHeartbeatLocked()

	c.logger.Info("задан удаленный адрес",
		slog.String("remote", addr.String()),
		slog.Bool("connected", connected))
}

// RemotePeer возвращает удаленный адрес канала или nil.
func (c *Channel) RemotePeer() *net.UDPAddr {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.remotePeer
}

// LocalAddr возвращает локальный адрес сокета канала или nil.
func (c *Channel) LocalAddr() net.Addr {
	return c.pipeline.LocalAddr()
}

// UpdateMode применяет режим соединения к каналу.
// Неизвестный режим не меняет флаги приема. После смены флагов
// пересматривается мониторинг тишины.
func (c *Channel) UpdateMode(mode ConnectionMode) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if receivable, loopable, ok := flagsForMode(mode); ok {
		c.rtpHandler.SetFlags(receivable, loopable)
		c.logger.Debug("режим соединения обновлен",
			slog.String("mode", mode.String()),
			slog.Bool("receivable", receivable),
			slog.Bool("loopable", loopable))
	}

	c.rearmHeartbeatLocked()
}

// rearmHeartbeatLocked пересматривает мониторинг тишины после смены
// удаленного адреса или режима. Мониторинг нужен, только когда живость
// потока нельзя вывести из состояния подключенного сокета: за SBC адрес
// источника медиа неизвестен до STUN проверок. Вызывается под мьютексом.
func (c *Channel) rearmHeartbeatLocked() {
	timeout := c.manager.RTPTimeout()
	if timeout <= 0 || c.remotePeer == nil {
		return
	}
	if c.manager.ConnectImmediately(c.remotePeer) {
		return
	}

	if c.rtpHandler.Receivable() {
		c.heartbeat.Arm(timeout)
	} else {
		c.heartbeat.Cancel()
	}
}

// EnableRTCPMux включает или выключает rtcp-mux (RFC 5761): прием RTCP
// на общем сокете канала вместо выделенного. Обработчик RTCP создается
// при первом включении и регистрируется в конвейере на следующей
// привязке. Выключение не снимает обработчик с активного конвейера,
// оно исключает RTCP из следующей активации.
func (c *Channel) EnableRTCPMux(enable bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.rtcpMux = enable
	if enable && c.rtcp == nil {
		c.rtcp = NewRTCPHandler(c.id, c.stats, c.pipeline, c.ssrc)
		c.rtcp.SetSessionObservers(c.onJoin, c.onLeave)
	}
}

// EnableSRTP включает защиту медиа потока через DTLS-SRTP.
// Создает обработчики DTLS и STUN при первом включении (повторные циклы
// используют те же экземпляры), фиксирует fingerprint сертификата
// удаленной стороны и аутентификатор STUN проверок. На привязанном
// канале рукопожатие запускается сразу, иначе при следующей привязке.
func (c *Channel) EnableSRTP(hashAlgorithm, remoteFingerprint string, authenticator StunAuthenticator) error {
	c.mutex.Lock()

	if c.dtls == nil {
		c.dtls = NewDTLSHandler(c.id, c.config.DTLS, c.pipeline,
			c.onHandshakeComplete, c.onHandshakeFailure)
	}
	if c.stun == nil {
		c.stun = NewSTUNHandler(c.id, c.pipeline)
	}
	c.stun.SetAuthenticator(authenticator)

	if err := c.dtls.SetRemoteFingerprint(hashAlgorithm, remoteFingerprint); err != nil {
		c.mutex.Unlock()
		return WrapTransportError(ErrorCodeHandshake, c.id,
			"fingerprint удаленной стороны отклонен", err)
	}

	c.secure = true
	bound := c.bound
	dtls := c.dtls
	stun := c.stun
	c.mutex.Unlock()

	c.logger.Info("включена защита SRTP",
		slog.String("fingerprint_alg", hashAlgorithm))

	if bound {
		c.pipeline.Register(stun)
		c.pipeline.Register(dtls)
		if err := dtls.Handshake(); err != nil {
			return err
		}
	}
	return nil
}

// DisableSRTP снимает защиту медиа потока: отменяет рукопожатие,
// очищает fingerprints, снимает STUN и DTLS с конвейера и отключает
// шифрование на обработчиках. Экземпляры обработчиков сохраняются
// для повторного включения.
func (c *Channel) DisableSRTP() {
	c.mutex.Lock()
	c.secure = false
	dtls := c.dtls
	rtcpHandler := c.rtcp
	mux := c.rtcpMux
	c.mutex.Unlock()

	if dtls != nil {
		dtls.Reset()
		_ = dtls.SetRemoteFingerprint("", "")
		dtls.ResetLocalFingerprint()
	}

	c.pipeline.Unregister(ProtocolSTUN)
	c.pipeline.Unregister(ProtocolDTLS)

	c.rtpHandler.DisableSRTP()
	c.transmitter.DisableSRTP()
	if mux && rtcpHandler != nil {
		rtcpHandler.DisableSRTCP()
	}

	c.logger.Info("защита SRTP отключена")
}

// LocalFingerprint возвращает fingerprint локального DTLS сертификата
// для SDP. Машина защищенного транспорта создается при первом обращении:
// fingerprint нужен в offer до того, как известен fingerprint ответа.
func (c *Channel) LocalFingerprint() (string, error) {
	c.mutex.Lock()
	if c.dtls == nil {
		c.dtls = NewDTLSHandler(c.id, c.config.DTLS, c.pipeline,
			c.onHandshakeComplete, c.onHandshakeFailure)
	}
	dtls := c.dtls
	c.mutex.Unlock()

	return dtls.LocalFingerprint()
}

// ExternalAddress возвращает публичный адрес за NAT или пустую строку.
func (c *Channel) ExternalAddress() string {
	return c.manager.ExternalAddress()
}

// HasExternalAddress сообщает, настроен ли публичный адрес за NAT.
func (c *Channel) HasExternalAddress() bool {
	return c.manager.ExternalAddress() != ""
}

// Send отправляет RTP пакет через канал.
// Отправка до привязки отклоняется с ошибкой NotBound, отправка до
// завершения DTLS рукопожатия - с ошибкой NotAvailable.
func (c *Channel) Send(packet *rtp.Packet) error {
	c.mutex.Lock()
	bound := c.bound
	secure := c.secure
	dtls := c.dtls
	c.mutex.Unlock()

	if !bound {
		return NewTransportError(ErrorCodeNotBound, c.id, "отправка до привязки канала")
	}
	if secure && (dtls == nil || !dtls.IsHandshakeComplete()) {
		return NewTransportError(ErrorCodeNotAvailable, c.id,
			"DTLS рукопожатие не завершено")
	}

	return c.transmitter.Send(packet)
}

// SendDTMF отправляет DTMF событие telephone-event потоком (RFC 4733).
// Требует telephone-event в таблице форматов канала.
func (c *Channel) SendDTMF(event uint8, duration time.Duration) error {
	c.mutex.Lock()
	bound := c.bound
	secure := c.secure
	dtls := c.dtls
	c.mutex.Unlock()

	if !bound {
		return NewTransportError(ErrorCodeNotBound, c.id, "отправка до привязки канала")
	}
	if secure && (dtls == nil || !dtls.IsHandshakeComplete()) {
		return NewTransportError(ErrorCodeNotAvailable, c.id,
			"DTLS рукопожатие не завершено")
	}

	return c.transmitter.SendDTMF(event, duration)
}

// SetFormats заменяет таблицу форматов исходящего потока.
// Замена дожидается завершения текущей отправки: после возврата ни один
// пакет не собирается по старой таблице.
func (c *Channel) SetFormats(m *format.Map) {
	c.transmitter.SwapFormats(m)
}

// Formats возвращает текущую таблицу форматов исходящего потока.
func (c *Channel) Formats() *format.Map {
	return c.transmitter.Formats()
}

// PacketsReceived возвращает количество принятых RTP пакетов.
func (c *Channel) PacketsReceived() uint64 {
	return c.stats.RTPReceived()
}

// PacketsTransmitted возвращает количество отправленных RTP пакетов.
func (c *Channel) PacketsTransmitted() uint64 {
	return c.stats.RTPSent()
}

// Statistics возвращает счетчики канала.
func (c *Channel) Statistics() *Statistics {
	return c.stats
}

// Close отвязывает канал и сбрасывает состояние обработчиков.
// При активном rtcp-mux перед отвязкой выполняется выход из RTCP сессии
// с отправкой Goodbye. Повторное закрытие безопасно. Канал пригоден
// для новой привязки: идентификатор, SSRC и счетчики сохраняются.
func (c *Channel) Close() {
	c.mutex.Lock()
	if !c.bound {
		c.mutex.Unlock()
		return
	}
	c.bound = false
	conn := c.conn
	c.conn = nil
	done := c.done
	c.done = nil
	ownsPort := c.ownsPort
	c.ownsPort = false
	port := c.poolPort
	mux := c.rtcpMux
	rtcpHandler := c.rtcp
	secure := c.secure
	dtls := c.dtls
	c.mutex.Unlock()

	// Выход из RTCP сессии до остановки сокета: Goodbye уходит через конвейер
	if mux && rtcpHandler != nil {
		rtcpHandler.LeaveSession()
	}

	c.heartbeat.Cancel()

	if done != nil {
		close(done)
	}
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()

	c.rtpHandler.Reset()
	c.transmitter.Reset()
	if mux && rtcpHandler != nil {
		rtcpHandler.Reset()
	}
	if secure && dtls != nil {
		dtls.Reset()
	}

	c.pipeline.Clear()
	c.pipeline.Deactivate()

	if ownsPort {
		c.manager.ReleasePort(port)
	}

	c.metrics.ChannelClosed()
	c.logger.Info("канал закрыт")
}

// readLoop читающая горутина канала: первое чтение цикла блокирующее,
// затем добираются датаграммы, уже ожидающие в сокете, и вся пачка
// обслуживается конвейером в порядке приоритета обработчиков.
func (c *Channel) readLoop(conn *net.UDPConn, done chan struct{}) {
	defer c.wg.Done()

	buf := make([]byte, c.config.ReadBufferSize)
	batch := make([]Datagram, 0, c.config.BatchSize)

	for {
		_ = conn.SetReadDeadline(time.Time{})
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if c.readStopped(done, err) {
				return
			}
			continue
		}

		batch = batch[:0]
		batch = c.appendDatagram(batch, buf[:n], src)

		for len(batch) < cap(batch) {
			_ = conn.SetReadDeadline(time.Now())
			n, src, err = conn.ReadFromUDP(buf)
			if err != nil {
				break
			}
			batch = c.appendDatagram(batch, buf[:n], src)
		}

		c.pipeline.DispatchBatch(batch)
	}
}

// appendDatagram копирует датаграмму в пачку диспетчеризации.
// Датаграммы посторонних источников на подключенном канале отбрасываются.
func (c *Channel) appendDatagram(batch []Datagram, data []byte, src *net.UDPAddr) []Datagram {
	if !c.pipeline.AcceptSource(src) {
		c.metrics.PacketDropped()
		c.logger.Debug("датаграмма постороннего источника отброшена",
			slog.String("src", src.String()))
		return batch
	}

	copied := make([]byte, len(data))
	copy(copied, data)
	return append(batch, Datagram{Data: copied, Src: src})
}

// readStopped распознает остановку читающей горутины.
// Остаточный дедлайн добора пачки дает ложный timeout на первом чтении
// следующего цикла - он не является остановкой.
func (c *Channel) readStopped(done chan struct{}, err error) bool {
	select {
	case <-done:
		return true
	default:
	}

	if errors.Is(err, net.ErrClosed) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}

	c.logger.Warn("ошибка чтения из сокета", slog.String("error", err.Error()))
	return false
}

// onHeartbeatTimeout вызывается монитором при превышении таймаута тишины.
// Канал не закрывается: решение принимает сессионный слой.
func (c *Channel) onHeartbeatTimeout(elapsed time.Duration) {
	c.metrics.HeartbeatTimeout()
	c.notifyFailure(NewTransportError(ErrorCodeTimeout, c.id,
		fmt.Sprintf("таймаут RTP потока: тишина %v превысила предел %v",
			elapsed.Round(time.Millisecond), c.manager.RTPTimeout())))
}

// onHandshakeComplete вызывается машиной защищенного транспорта после
// успешного рукопожатия: строит SRTP контексты из ключевого материала,
// взводит шифрование на обработчиках и входит в RTCP сессию при
// включенном rtcp-mux.
func (c *Channel) onHandshakeComplete(keys *srtpKeyMaterial) {
	c.mutex.Lock()
	mux := c.rtcpMux
	rtcpHandler := c.rtcp
	c.mutex.Unlock()

	rtpIn, err := keys.newInboundContext()
	if err != nil {
		c.notifyFailure(WrapTransportError(ErrorCodeHandshake, c.id,
			"создание входящего SRTP контекста", err))
		return
	}
	txOut, err := keys.newOutboundContext()
	if err != nil {
		c.notifyFailure(WrapTransportError(ErrorCodeHandshake, c.id,
			"создание исходящего SRTP контекста", err))
		return
	}

	c.rtpHandler.EnableSRTP(rtpIn)
	c.transmitter.EnableSRTP(txOut)

	if mux && rtcpHandler != nil {
		// Контексты RTCP отдельные: pion контекст не рассчитан на
		// конкурентное использование из нескольких горутин
		rtcpIn, err := keys.newInboundContext()
		if err != nil {
			c.notifyFailure(WrapTransportError(ErrorCodeHandshake, c.id,
				"создание входящего SRTCP контекста", err))
			return
		}
		rtcpOut, err := keys.newOutboundContext()
		if err != nil {
			c.notifyFailure(WrapTransportError(ErrorCodeHandshake, c.id,
				"создание исходящего SRTCP контекста", err))
			return
		}
		rtcpHandler.EnableSRTCP(rtcpIn, rtcpOut)
		rtcpHandler.JoinSession()
	}

	c.logger.Info("медиа поток защищен SRTP")
}

// onHandshakeFailure вызывается машиной защищенного транспорта при сбое
// рукопожатия. Сбой терминален для текущего цикла защиты: повторная
// попытка требует явного DisableSRTP/EnableSRTP. Канал остается привязан.
func (c *Channel) onHandshakeFailure(cause error) {
	c.notifyFailure(WrapTransportError(ErrorCodeHandshake, c.id,
		"DTLS рукопожатие не удалось", cause))
}

// notifyFailure доставляет фатальную ошибку наблюдателю канала.
func (c *Channel) notifyFailure(err error) {
	c.mutex.Lock()
	listener := c.listener
	c.mutex.Unlock()

	if listener != nil {
		listener.OnRTPFailure(err)
	}
}

// generateSSRC возвращает случайный идентификатор источника
// (RFC 3550 раздел 8).
func generateSSRC() uint32 {
	var ssrc uint32
	if err := binary.Read(rand.Reader, binary.BigEndian, &ssrc); err != nil {
		return uint32(time.Now().UnixNano())
	}
	return ssrc
}
