package transport

import (
	"net"
	"sync"
	"testing"
	"time"
)

// captureHandler записывает полученные датаграммы для проверок.
type captureHandler struct {
	protocol Protocol
	priority int

	mutex   sync.Mutex
	packets [][]byte
	sources []*net.UDPAddr
	resets  int
	trace   *dispatchTrace
}

func (h *captureHandler) Protocol() Protocol { return h.protocol }
func (h *captureHandler) Priority() int      { return h.priority }

func (h *captureHandler) HandlePacket(data []byte, src *net.UDPAddr) error {
	h.mutex.Lock()
	h.packets = append(h.packets, append([]byte{}, data...))
	h.sources = append(h.sources, src)
	h.mutex.Unlock()

	if h.trace != nil {
		h.trace.record(h.protocol, data)
	}
	return nil
}

func (h *captureHandler) Reset() {
	h.mutex.Lock()
	h.resets++
	h.mutex.Unlock()
}

func (h *captureHandler) count() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.packets)
}

// dispatchTrace общий журнал порядка обслуживания пачки.
type dispatchTrace struct {
	mutex   sync.Mutex
	entries []traceEntry
}

type traceEntry struct {
	protocol Protocol
	mark     byte
}

func (tr *dispatchTrace) record(proto Protocol, data []byte) {
	tr.mutex.Lock()
	tr.entries = append(tr.entries, traceEntry{protocol: proto, mark: data[len(data)-1]})
	tr.mutex.Unlock()
}

// newLoopbackConn открывает UDP сокет на loopback со случайным портом.
func newLoopbackConn(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("не удалось открыть loopback сокет: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func udpAddrOf(t *testing.T, conn *net.UDPConn) *net.UDPAddr {
	t.Helper()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		t.Fatalf("ожидался UDP адрес, получен %T", conn.LocalAddr())
	}
	return addr
}

// readDatagram читает одну датаграмму с коротким дедлайном.
func readDatagram(t *testing.T, conn *net.UDPConn) []byte {
	t.Helper()
	buf := make([]byte, 2048)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("датаграмма не получена: %v", err)
	}
	return buf[:n]
}

func rtpDatagram(mark byte) []byte {
	data := append([]byte{0x80, 0x00}, make([]byte, 10)...)
	data[len(data)-1] = mark
	return data
}

func rtcpDatagram(mark byte) []byte {
	data := append([]byte{0x80, 200}, make([]byte, 6)...)
	data[len(data)-1] = mark
	return data
}

func stunDatagram(mark byte) []byte {
	data := make([]byte, 20)
	data[4], data[5], data[6], data[7] = 0x21, 0x12, 0xa4, 0x42
	data[len(data)-1] = mark
	return data
}

func TestPipelineRegisterAndUnregister(t *testing.T) {
	p := NewPipeline("test", NewMetricsCollector(nil))

	first := &captureHandler{protocol: ProtocolRTP, priority: PriorityRTP}
	second := &captureHandler{protocol: ProtocolRTP, priority: PriorityRTP}

	p.Register(first)
	if p.Handler(ProtocolRTP) != first {
		t.Fatal("обработчик должен быть доступен после регистрации")
	}

	// Повторная подписка на тот же протокол игнорируется
	p.Register(second)
	if p.Handler(ProtocolRTP) != first {
		t.Fatal("повторная регистрация протокола не должна заменять обработчик")
	}

	p.Unregister(ProtocolRTP)
	if p.Handler(ProtocolRTP) != nil {
		t.Fatal("обработчик должен быть снят")
	}

	// Снятие отсутствующей подписки безопасно
	p.Unregister(ProtocolRTP)
	p.Register(nil)
}

func TestPipelineDispatchRoutesByClassification(t *testing.T) {
	metrics := NewMetricsCollector(nil)
	p := NewPipeline("test", metrics)

	rtp := &captureHandler{protocol: ProtocolRTP, priority: PriorityRTP}
	rtcp := &captureHandler{protocol: ProtocolRTCP, priority: PriorityRTCP}
	p.Register(rtp)
	p.Register(rtcp)

	src := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4000}

	p.Dispatch(rtpDatagram(1), src)
	p.Dispatch(rtcpDatagram(2), src)

	if rtp.count() != 1 {
		t.Errorf("RTP обработчик: ожидалась 1 датаграмма, получено %d", rtp.count())
	}
	if rtcp.count() != 1 {
		t.Errorf("RTCP обработчик: ожидалась 1 датаграмма, получено %d", rtcp.count())
	}

	// Нераспознанная датаграмма и протокол без подписки отбрасываются
	p.Dispatch([]byte{0x10, 0x00, 0x00}, src)
	p.Dispatch(stunDatagram(3), src)

	counters := metrics.GetPerformanceCounters()
	if counters["packets_dropped"] != 2 {
		t.Errorf("ожидалось 2 отброшенных датаграммы, получено %d", counters["packets_dropped"])
	}
	if counters["rtp_received"] != 1 || counters["rtcp_received"] != 1 {
		t.Errorf("счетчики приема не совпадают: %v", counters)
	}
}

func TestPipelineDispatchBatchServesByPriority(t *testing.T) {
	p := NewPipeline("test", NewMetricsCollector(nil))
	trace := &dispatchTrace{}

	rtp := &captureHandler{protocol: ProtocolRTP, priority: PriorityRTP, trace: trace}
	stun := &captureHandler{protocol: ProtocolSTUN, priority: PrioritySTUN, trace: trace}
	rtcp := &captureHandler{protocol: ProtocolRTCP, priority: PriorityRTCP, trace: trace}
	p.Register(rtp)
	p.Register(stun)
	p.Register(rtcp)

	src := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4000}

	// Пачка в порядке прихода: RTCP, STUN, RTP, RTP
	p.DispatchBatch([]Datagram{
		{Data: rtcpDatagram(1), Src: src},
		{Data: stunDatagram(2), Src: src},
		{Data: rtpDatagram(3), Src: src},
		{Data: rtpDatagram(4), Src: src},
	})

	expected := []traceEntry{
		{ProtocolRTP, 3},
		{ProtocolRTP, 4},
		{ProtocolSTUN, 2},
		{ProtocolRTCP, 1},
	}

	trace.mutex.Lock()
	defer trace.mutex.Unlock()
	if len(trace.entries) != len(expected) {
		t.Fatalf("ожидалось %d записей, получено %d", len(expected), len(trace.entries))
	}
	for i, want := range expected {
		if trace.entries[i] != want {
			t.Errorf("позиция %d: ожидалось %v/%d, получено %v/%d",
				i, want.protocol, want.mark, trace.entries[i].protocol, trace.entries[i].mark)
		}
	}
}

func TestPipelineDispatchBatchDropsUnroutable(t *testing.T) {
	metrics := NewMetricsCollector(nil)
	p := NewPipeline("test", metrics)

	rtp := &captureHandler{protocol: ProtocolRTP, priority: PriorityRTP}
	p.Register(rtp)

	src := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4000}
	p.DispatchBatch([]Datagram{
		{Data: rtpDatagram(1), Src: src},
		{Data: []byte{0x10, 0x00}, Src: src},  // нераспознанная
		{Data: rtcpDatagram(2), Src: src},     // нет обработчика
	})

	if rtp.count() != 1 {
		t.Errorf("RTP обработчик: ожидалась 1 датаграмма, получено %d", rtp.count())
	}
	if dropped := metrics.GetPerformanceCounters()["packets_dropped"]; dropped != 2 {
		t.Errorf("ожидалось 2 отброшенных, получено %d", dropped)
	}
}

func TestPipelineAcceptSource(t *testing.T) {
	p := NewPipeline("test", NewMetricsCollector(nil))

	peer := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 10), Port: 5004}
	stranger := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 11), Port: 5004}
	samePeerOtherPort := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 10), Port: 5006}

	// Неподключенный канал принимает всё
	if !p.AcceptSource(peer) || !p.AcceptSource(stranger) || !p.AcceptSource(nil) {
		t.Fatal("неподключенный канал должен принимать любые источники")
	}

	p.SetPeer(peer, true)
	if !p.Connected() {
		t.Fatal("канал должен считаться подключенным")
	}
	if !p.AcceptSource(peer) {
		t.Error("датаграмма зафиксированного адреса должна приниматься")
	}
	if p.AcceptSource(stranger) {
		t.Error("посторонний IP должен отбрасываться")
	}
	if p.AcceptSource(samePeerOtherPort) {
		t.Error("посторонний порт должен отбрасываться")
	}
	if p.AcceptSource(nil) {
		t.Error("датаграмма без источника должна отбрасываться на подключенном канале")
	}

	// Адрес без подключения не фильтрует
	p.SetPeer(peer, false)
	if p.Connected() {
		t.Fatal("канал не должен считаться подключенным")
	}
	if !p.AcceptSource(stranger) {
		t.Error("неподключенный канал принимает посторонние источники")
	}

	// nil адрес не может быть подключенным
	p.SetPeer(nil, true)
	if p.Connected() {
		t.Fatal("nil адрес не фиксирует подключение")
	}
}

func TestPipelineWrite(t *testing.T) {
	p := NewPipeline("test", NewMetricsCollector(nil))

	payload := []byte("медиа данные")

	// Неактивный конвейер не пишет
	if _, err := p.Write(payload, nil); !HasErrorCode(err, ErrorCodeNotBound) {
		t.Fatalf("ожидалась ошибка NotBound, получено %v", err)
	}

	local := newLoopbackConn(t)
	remote := newLoopbackConn(t)
	p.Activate(local)

	if !p.Active() {
		t.Fatal("конвейер должен быть активен")
	}
	if p.LocalAddr() == nil {
		t.Fatal("активный конвейер должен сообщать локальный адрес")
	}

	// Без адреса назначения запись невозможна
	if _, err := p.Write(payload, nil); !HasErrorCode(err, ErrorCodeNotAvailable) {
		t.Fatalf("ожидалась ошибка NotAvailable, получено %v", err)
	}

	// Явный адрес назначения
	if _, err := p.Write(payload, udpAddrOf(t, remote)); err != nil {
		t.Fatalf("запись с явным адресом: %v", err)
	}
	if got := readDatagram(t, remote); string(got) != string(payload) {
		t.Errorf("получено %q, ожидалось %q", got, payload)
	}

	// Адрес по умолчанию через SetPeer
	p.SetPeer(udpAddrOf(t, remote), false)
	if _, err := p.Write(payload, nil); err != nil {
		t.Fatalf("запись по адресу назначения: %v", err)
	}
	readDatagram(t, remote)
}

func TestPipelineDeactivate(t *testing.T) {
	p := NewPipeline("test", NewMetricsCollector(nil))
	local := newLoopbackConn(t)

	p.Activate(local)
	p.SetPeer(udpAddrOf(t, local), true)
	p.Register(&captureHandler{protocol: ProtocolRTP, priority: PriorityRTP})

	p.Clear()
	p.Deactivate()

	if p.Active() {
		t.Error("конвейер должен быть неактивен")
	}
	if p.LocalAddr() != nil {
		t.Error("неактивный конвейер не сообщает адрес")
	}
	if p.Connected() {
		t.Error("подключение должно быть сброшено")
	}
	if p.Handler(ProtocolRTP) != nil {
		t.Error("подписки должны быть сняты")
	}
}
