package transport

import (
	"log/slog"
	"net"
	"sort"
	"sync"
)

// Pipeline конвейер обработчиков одного канала: маршрутизирует входящие
// датаграммы по тегу протокола и сериализует исходящие записи в сокет.
//
// Диспетчеризация эксклюзивна: датаграмма попадает ровно в один обработчик
// или молча отбрасывается. Порядок внутри пакетной диспетчеризации
// определяется приоритетом обработчика, при равенстве сохраняется порядок
// прихода.
type Pipeline struct {
	channelID string
	logger    *slog.Logger
	metrics   *MetricsCollector

	mutex     sync.RWMutex
	handlers  map[Protocol]PacketHandler
	conn      *net.UDPConn
	peer      *net.UDPAddr
	connected bool

	// Один логический писатель: обработчики и передатчик пишут в общий
	// сокет из разных горутин
	writeMutex sync.Mutex
}

// NewPipeline создает конвейер канала.
// При metrics == nil используется общий коллектор процесса.
func NewPipeline(channelID string, metrics *MetricsCollector) *Pipeline {
	if metrics == nil {
		metrics = DefaultMetricsCollector()
	}
	return &Pipeline{
		channelID: channelID,
		logger: slog.Default().With(
			slog.String("component", "transport_pipeline"),
			slog.String("channel_id", channelID)),
		metrics:  metrics,
		handlers: make(map[Protocol]PacketHandler),
	}
}

// Register подписывает обработчик на его протокол.
// Повторная регистрация протокола игнорируется: на тег допускается
// ровно одна подписка.
func (p *Pipeline) Register(handler PacketHandler) {
	if handler == nil {
		return
	}

	p.mutex.Lock()
	if _, exists := p.handlers[handler.Protocol()]; exists {
		p.mutex.Unlock()
		return
	}
	p.handlers[handler.Protocol()] = handler
	p.mutex.Unlock()

	p.logger.Debug("обработчик зарегистрирован",
		slog.String("protocol", handler.Protocol().String()),
		slog.Int("priority", handler.Priority()))
}

// Unregister снимает подписку обработчика протокола.
// Отсутствующая подписка не считается ошибкой.
func (p *Pipeline) Unregister(proto Protocol) {
	p.mutex.Lock()
	_, existed := p.handlers[proto]
	delete(p.handlers, proto)
	p.mutex.Unlock()

	if existed {
		p.logger.Debug("обработчик снят", slog.String("protocol", proto.String()))
	}
}

// Handler возвращает обработчик протокола или nil.
func (p *Pipeline) Handler(proto Protocol) PacketHandler {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.handlers[proto]
}

// Metrics возвращает сборщик метрик конвейера.
func (p *Pipeline) Metrics() *MetricsCollector {
	return p.metrics
}

// Clear снимает все подписки. Используется при закрытии канала:
// следующая привязка регистрирует обработчики заново.
func (p *Pipeline) Clear() {
	p.mutex.Lock()
	p.handlers = make(map[Protocol]PacketHandler)
	p.mutex.Unlock()
}

// Activate передает конвейеру сокет канала для записи.
func (p *Pipeline) Activate(conn *net.UDPConn) {
	p.mutex.Lock()
	p.conn = conn
	p.mutex.Unlock()
}

// Deactivate отбирает сокет и сбрасывает состояние подключения.
func (p *Pipeline) Deactivate() {
	p.mutex.Lock()
	p.conn = nil
	p.peer = nil
	p.connected = false
	p.mutex.Unlock()
}

// Active сообщает, есть ли у конвейера сокет для записи.
func (p *Pipeline) Active() bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.conn != nil
}

// LocalAddr возвращает локальный адрес сокета конвейера или nil.
func (p *Pipeline) LocalAddr() net.Addr {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	if p.conn == nil {
		return nil
	}
	return p.conn.LocalAddr()
}

// SetPeer задает адрес назначения по умолчанию для исходящих записей.
// connected включает фильтрацию входящих датаграмм по источнику.
func (p *Pipeline) SetPeer(addr *net.UDPAddr, connected bool) {
	p.mutex.Lock()
	p.peer = addr
	p.connected = connected && addr != nil
	p.mutex.Unlock()
}

// Peer возвращает текущий адрес назначения или nil.
func (p *Pipeline) Peer() *net.UDPAddr {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.peer
}

// Connected сообщает, зафиксирован ли удаленный адрес канала.
func (p *Pipeline) Connected() bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.connected
}

// AcceptSource проверяет входящую датаграмму по адресу источника.
// Неподключенный канал принимает всё, подключенный - только датаграммы
// зафиксированного удаленного адреса.
func (p *Pipeline) AcceptSource(src *net.UDPAddr) bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if !p.connected || p.peer == nil {
		return true
	}
	if src == nil {
		return false
	}
	return p.peer.Port == src.Port && p.peer.IP.Equal(src.IP)
}

// Dispatch классифицирует датаграмму и передает ее обработчику протокола.
// Датаграммы без тега или без подписанного обработчика молча отбрасываются.
func (p *Pipeline) Dispatch(data []byte, src *net.UDPAddr) {
	proto := Classify(data)
	if proto == ProtocolUnknown {
		p.metrics.PacketDropped()
		p.logger.Debug("нераспознанная датаграмма отброшена",
			slog.Int("size", len(data)))
		return
	}

	p.mutex.RLock()
	handler := p.handlers[proto]
	p.mutex.RUnlock()

	if handler == nil {
		p.metrics.PacketDropped()
		p.logger.Debug("нет обработчика для протокола",
			slog.String("protocol", proto.String()))
		return
	}

	p.metrics.PacketReceived(proto)
	if err := handler.HandlePacket(data, src); err != nil {
		p.logger.Warn("ошибка обработки датаграммы",
			slog.String("protocol", proto.String()),
			slog.String("error", err.Error()))
	}
}

type dispatchEntry struct {
	handler  PacketHandler
	protocol Protocol
	datagram Datagram
}

// DispatchBatch раздает пачку датаграмм, накопившуюся в сокете, в порядке
// приоритета обработчиков: сначала RTP, затем STUN/DTLS, затем RTCP.
// Вся пачка обслуживается до следующего чтения из сокета.
func (p *Pipeline) DispatchBatch(batch []Datagram) {
	switch len(batch) {
	case 0:
		return
	case 1:
		p.Dispatch(batch[0].Data, batch[0].Src)
		return
	}

	entries := make([]dispatchEntry, 0, len(batch))

	p.mutex.RLock()
	for _, d := range batch {
		proto := Classify(d.Data)
		if proto == ProtocolUnknown {
			p.metrics.PacketDropped()
			continue
		}
		handler := p.handlers[proto]
		if handler == nil {
			p.metrics.PacketDropped()
			continue
		}
		entries = append(entries, dispatchEntry{handler: handler, protocol: proto, datagram: d})
	}
	p.mutex.RUnlock()

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].handler.Priority() > entries[j].handler.Priority()
	})

	for _, e := range entries {
		p.metrics.PacketReceived(e.protocol)
		if err := e.handler.HandlePacket(e.datagram.Data, e.datagram.Src); err != nil {
			p.logger.Warn("ошибка обработки датаграммы",
				slog.String("protocol", e.protocol.String()),
				slog.String("error", err.Error()))
		}
	}
}

// Write пишет датаграмму в сокет канала. При addr == nil используется
// адрес назначения, заданный через SetPeer.
func (p *Pipeline) Write(data []byte, addr *net.UDPAddr) (int, error) {
	p.mutex.RLock()
	conn := p.conn
	if addr == nil {
		addr = p.peer
	}
	p.mutex.RUnlock()

	if conn == nil {
		return 0, NewTransportError(ErrorCodeNotBound, p.channelID,
			"запись в неактивный конвейер")
	}
	if addr == nil {
		return 0, NewTransportError(ErrorCodeNotAvailable, p.channelID,
			"адрес назначения не задан")
	}

	p.writeMutex.Lock()
	defer p.writeMutex.Unlock()
	return conn.WriteToUDP(data, addr)
}
