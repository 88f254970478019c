package transport

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/pion/rtp"

	"github.com/arzzra/media_transport/pkg/format"
	"github.com/arzzra/media_transport/pkg/network"
	"github.com/arzzra/media_transport/pkg/scheduler"
)

// failureListener собирает фатальные события канала в буферизованный канал.
type failureListener struct {
	failures chan error
}

func newFailureListener() *failureListener {
	return &failureListener{failures: make(chan error, 4)}
}

func (l *failureListener) OnRTPFailure(err error) {
	l.failures <- err
}

func newTestManager(t *testing.T, mutate func(*network.ManagerConfig)) *network.Manager {
	t.Helper()

	config := network.DefaultManagerConfig()
	config.BindAddress = "127.0.0.1"
	// Диапазон не пересекается с портами тестов пакета network
	config.MinPort = 43000
	config.MaxPort = 43200
	if mutate != nil {
		mutate(config)
	}

	manager, err := network.NewManager(config)
	if err != nil {
		t.Fatalf("создание менеджера: %v", err)
	}
	return manager
}

func newTestScheduler(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	sched := scheduler.NewScheduler(nil)
	t.Cleanup(sched.Stop)
	return sched
}

func newBoundChannel(t *testing.T, manager *network.Manager, sched *scheduler.Scheduler, id string, config *ChannelConfig) *Channel {
	t.Helper()

	ch, err := NewChannel(id, manager, sched, config)
	if err != nil {
		t.Fatalf("создание канала %s: %v", id, err)
	}
	if err := ch.Bind(true); err != nil {
		t.Fatalf("привязка канала %s: %v", id, err)
	}
	t.Cleanup(ch.Close)
	return ch
}

func channelAddr(t *testing.T, ch *Channel) *net.UDPAddr {
	t.Helper()
	addr, ok := ch.LocalAddr().(*net.UDPAddr)
	if !ok || addr == nil {
		t.Fatalf("канал %s не имеет UDP адреса", ch.ID())
	}
	return addr
}

func waitUntil(t *testing.T, within time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(what)
}

func TestNewChannelValidation(t *testing.T) {
	manager := newTestManager(t, nil)
	sched := newTestScheduler(t)

	if _, err := NewChannel("", manager, sched, nil); err == nil {
		t.Error("пустой идентификатор должен отклоняться")
	}
	if _, err := NewChannel("ch", nil, sched, nil); err == nil {
		t.Error("nil менеджер должен отклоняться")
	}
	if _, err := NewChannel("ch", manager, nil, nil); err == nil {
		t.Error("nil планировщик должен отклоняться")
	}

	bad := DefaultChannelConfig()
	bad.BatchSize = 0
	if _, err := NewChannel("ch", manager, sched, bad); err == nil {
		t.Error("невалидная конфигурация должна отклоняться")
	}

	ch, err := NewChannel("ch", manager, sched, nil)
	if err != nil {
		t.Fatalf("nil конфигурация должна давать значения по умолчанию: %v", err)
	}
	if ch.SSRC() == 0 {
		t.Error("SSRC должен генерироваться при нулевом значении конфигурации")
	}

	explicit := DefaultChannelConfig()
	explicit.SSRC = 0x12345678
	ch, err = NewChannel("ch2", manager, sched, explicit)
	if err != nil {
		t.Fatalf("создание канала: %v", err)
	}
	if ch.SSRC() != 0x12345678 {
		t.Errorf("явный SSRC должен сохраняться: %08x", ch.SSRC())
	}
}

func TestChannelBindLifecycle(t *testing.T) {
	manager := newTestManager(t, nil)
	sched := newTestScheduler(t)
	available := manager.AvailablePorts()

	ch, err := NewChannel("lifecycle", manager, sched, nil)
	if err != nil {
		t.Fatalf("создание канала: %v", err)
	}

	if ch.IsBound() {
		t.Fatal("новый канал не должен быть привязан")
	}
	if err := ch.Send(&rtp.Packet{}); !HasErrorCode(err, ErrorCodeNotBound) {
		t.Fatalf("отправка до привязки должна давать NotBound: %v", err)
	}

	if err := ch.Bind(true); err != nil {
		t.Fatalf("привязка: %v", err)
	}
	if !ch.IsBound() {
		t.Fatal("канал должен быть привязан")
	}

	addr := channelAddr(t, ch)
	if !addr.IP.IsLoopback() {
		t.Errorf("локальная привязка должна использовать loopback: %s", addr)
	}
	if manager.AvailablePorts() != available-1 {
		t.Errorf("порт должен быть занят из пула: свободно %d", manager.AvailablePorts())
	}

	if err := ch.Bind(true); !HasErrorCode(err, ErrorCodeBind) {
		t.Fatalf("повторная привязка должна давать ошибку Bind: %v", err)
	}

	ch.Close()
	if ch.IsBound() {
		t.Fatal("после закрытия канал должен быть отвязан")
	}
	if manager.AvailablePorts() != available {
		t.Errorf("порт должен вернуться в пул: свободно %d", manager.AvailablePorts())
	}
	ch.Close() // повторное закрытие безопасно

	// Канал пригоден для повторной привязки
	if err := ch.Bind(true); err != nil {
		t.Fatalf("повторная привязка после закрытия: %v", err)
	}
	ch.Close()
}

func TestChannelBindToExternalSocket(t *testing.T) {
	manager := newTestManager(t, nil)
	sched := newTestScheduler(t)
	available := manager.AvailablePorts()

	ch, err := NewChannel("external", manager, sched, nil)
	if err != nil {
		t.Fatalf("создание канала: %v", err)
	}

	if err := ch.BindTo(nil); !HasErrorCode(err, ErrorCodeSocketSetup) {
		t.Fatalf("nil сокет должен отклоняться: %v", err)
	}

	conn := newLoopbackConn(t)
	if err := ch.BindTo(conn); err != nil {
		t.Fatalf("привязка к внешнему сокету: %v", err)
	}
	if !ch.IsBound() {
		t.Fatal("канал должен быть привязан")
	}
	if manager.AvailablePorts() != available {
		t.Error("внешний сокет не должен занимать порт пула")
	}

	ch.Close()
	if manager.AvailablePorts() != available {
		t.Error("закрытие канала с внешним сокетом не должно трогать пул")
	}
}

// mediaPair возвращает два подключенных друг к другу канала: приемная
// сторона отдает разобранные пакеты в возвращенный канал.
func mediaPair(t *testing.T, manager *network.Manager, sched *scheduler.Scheduler) (sender, receiver *Channel, received chan *rtp.Packet) {
	t.Helper()

	senderConfig := DefaultChannelConfig()
	senderConfig.SSRC = 0x00AA00AA
	sender = newBoundChannel(t, manager, sched, "sender", senderConfig)
	receiver = newBoundChannel(t, manager, sched, "receiver", nil)

	received = make(chan *rtp.Packet, 16)
	receiver.SetPacketSink(func(p *rtp.Packet, _ *net.UDPAddr) {
		received <- p
	})

	sender.SetRemotePeer(channelAddr(t, receiver))
	receiver.SetRemotePeer(channelAddr(t, sender))
	sender.UpdateMode(ModeSendRecv)
	receiver.UpdateMode(ModeRecvOnly)
	return sender, receiver, received
}

func TestChannelMediaExchange(t *testing.T) {
	manager := newTestManager(t, nil)
	sched := newTestScheduler(t)
	sender, receiver, received := mediaPair(t, manager, sched)

	if !sender.IsAvailable() {
		t.Fatal("подключенный незащищенный канал должен быть доступен")
	}

	err := sender.Send(&rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    format.PCMU.PayloadType,
			SequenceNumber: 1000,
		},
		Payload: []byte("медиа кадр"),
	})
	if err != nil {
		t.Fatalf("отправка: %v", err)
	}

	select {
	case packet := <-received:
		if string(packet.Payload) != "медиа кадр" {
			t.Errorf("payload искажен: %q", packet.Payload)
		}
		if packet.SSRC != 0x00AA00AA {
			t.Errorf("SSRC отправителя должен подставляться: %08x", packet.SSRC)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("пакет не дошел до приемной стороны")
	}

	if sender.PacketsTransmitted() != 1 {
		t.Errorf("счетчик отправки: %d", sender.PacketsTransmitted())
	}
	waitUntil(t, 2*time.Second,
		func() bool { return receiver.PacketsReceived() == 1 },
		"счетчик приема не обновился")

	// Формат вне таблицы канала отклоняется до выхода в сеть
	err = sender.Send(&rtp.Packet{
		Header: rtp.Header{Version: 2, PayloadType: 42},
	})
	if !HasErrorCode(err, ErrorCodeFormatUnknown) {
		t.Errorf("неизвестный payload type должен отклоняться: %v", err)
	}
}

func TestChannelSendDTMF(t *testing.T) {
	manager := newTestManager(t, nil)
	sched := newTestScheduler(t)
	sender, _, received := mediaPair(t, manager, sched)

	if err := sender.SendDTMF(5, 160*time.Millisecond); err != nil {
		t.Fatalf("отправка DTMF: %v", err)
	}

	var packets []*rtp.Packet
	for len(packets) < 6 {
		select {
		case packet := <-received:
			packets = append(packets, packet)
		case <-time.After(2 * time.Second):
			t.Fatalf("получено %d из 6 пакетов события", len(packets))
		}
	}

	if !packets[0].Marker {
		t.Error("первый пакет события должен нести marker")
	}
	for i, packet := range packets {
		if packet.PayloadType != format.TelephoneEvent.PayloadType {
			t.Errorf("пакет %d: payload type %d", i, packet.PayloadType)
		}
		if len(packet.Payload) != 4 || packet.Payload[0]&0x0F != 5 {
			t.Errorf("пакет %d: неожиданный payload события %v", i, packet.Payload)
		}
	}
}

func TestChannelHeartbeatTimeoutNotifiesListener(t *testing.T) {
	manager := newTestManager(t, func(c *network.ManagerConfig) {
		c.UseSBC = true
		c.RTPTimeout = 200 * time.Millisecond
	})
	sched := newTestScheduler(t)

	ch := newBoundChannel(t, manager, sched, "silent", nil)
	listener := newFailureListener()
	ch.SetListener(listener)

	remote := udpAddrOf(t, newLoopbackConn(t))
	ch.SetRemotePeer(remote)
	ch.UpdateMode(ModeRecvOnly)

	select {
	case err := <-listener.failures:
		if !HasErrorCode(err, ErrorCodeTimeout) {
			t.Fatalf("ожидалась ошибка Timeout: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("таймаут тишины не доставлен наблюдателю")
	}

	// Уведомление однократно: повторного без перевзвода не будет
	select {
	case err := <-listener.failures:
		t.Fatalf("повторное уведомление без перевзвода: %v", err)
	case <-time.After(300 * time.Millisecond):
	}

	// Сброс удаленного адреса снимает мониторинг
	ch.SetRemotePeer(remote)
	ch.SetRemotePeer(nil)
	select {
	case err := <-listener.failures:
		t.Fatalf("мониторинг должен сниматься вместе с адресом: %v", err)
	case <-time.After(400 * time.Millisecond):
	}

	// Режим без приема также снимает мониторинг
	ch.SetRemotePeer(remote)
	ch.UpdateMode(ModeSendOnly)
	select {
	case err := <-listener.failures:
		t.Fatalf("канал без приема не мониторится: %v", err)
	case <-time.After(400 * time.Millisecond):
	}
}

func TestChannelHeartbeatSkippedWhenConnected(t *testing.T) {
	// Подключенный сокет фильтрует источники сам, мониторинг тишины не нужен
	manager := newTestManager(t, func(c *network.ManagerConfig) {
		c.RTPTimeout = 150 * time.Millisecond
	})
	sched := newTestScheduler(t)

	ch := newBoundChannel(t, manager, sched, "connected", nil)
	listener := newFailureListener()
	ch.SetListener(listener)

	ch.SetRemotePeer(udpAddrOf(t, newLoopbackConn(t)))
	ch.UpdateMode(ModeRecvOnly)

	select {
	case err := <-listener.failures:
		t.Fatalf("подключенный канал не должен мониторить тишину: %v", err)
	case <-time.After(500 * time.Millisecond):
	}
}

// enableSecureLeg включает DTLS-SRTP на канале, передав ему fingerprint
// сертификата второй стороны.
func enableSecureLeg(t *testing.T, ch, other *Channel) {
	t.Helper()

	fp, err := other.LocalFingerprint()
	if err != nil {
		t.Fatalf("fingerprint канала %s: %v", other.ID(), err)
	}
	parts := strings.SplitN(fp, " ", 2)
	if len(parts) != 2 {
		t.Fatalf("неожиданный формат fingerprint: %q", fp)
	}
	if err := ch.EnableSRTP(parts[0], parts[1], nil); err != nil {
		t.Fatalf("включение SRTP на %s: %v", ch.ID(), err)
	}
}

func TestChannelSecureMediaExchange(t *testing.T) {
	manager := newTestManager(t, nil)
	sched := newTestScheduler(t)

	clientConfig := DefaultChannelConfig()
	clientConfig.SSRC = 0x0C11E117
	clientConfig.DTLS.Role = DTLSRoleClient
	clientConfig.DTLS.HandshakeTimeout = 5 * time.Second
	clientConfig.DTLS.RetransmitInterval = 100 * time.Millisecond

	serverConfig := DefaultChannelConfig()
	serverConfig.DTLS.HandshakeTimeout = 5 * time.Second

	client, err := NewChannel("secure_client", manager, sched, clientConfig)
	if err != nil {
		t.Fatalf("создание клиента: %v", err)
	}
	server, err := NewChannel("secure_server", manager, sched, serverConfig)
	if err != nil {
		t.Fatalf("создание сервера: %v", err)
	}

	clientFailures := newFailureListener()
	serverFailures := newFailureListener()
	client.SetListener(clientFailures)
	server.SetListener(serverFailures)

	clientJoined := make(chan struct{}, 1)
	serverJoined := make(chan struct{}, 1)
	serverLeft := make(chan struct{}, 1)
	client.SetSessionObservers(func() { clientJoined <- struct{}{} }, nil)
	server.SetSessionObservers(func() { serverJoined <- struct{}{} },
		func() { serverLeft <- struct{}{} })

	client.EnableRTCPMux(true)
	server.EnableRTCPMux(true)

	if err := client.Bind(true); err != nil {
		t.Fatalf("привязка клиента: %v", err)
	}
	t.Cleanup(client.Close)
	if err := server.Bind(true); err != nil {
		t.Fatalf("привязка сервера: %v", err)
	}
	t.Cleanup(server.Close)

	client.SetRemotePeer(channelAddr(t, server))
	server.SetRemotePeer(channelAddr(t, client))

	received := make(chan *rtp.Packet, 16)
	server.SetPacketSink(func(p *rtp.Packet, _ *net.UDPAddr) {
		received <- p
	})

	// Отвечающая сторона готовится первой: записи клиента не должны
	// приходить на конвейер без DTLS обработчика
	enableSecureLeg(t, server, client)
	enableSecureLeg(t, client, server)

	for _, joined := range []struct {
		name string
		ch   chan struct{}
	}{{"клиент", clientJoined}, {"сервер", serverJoined}} {
		select {
		case <-joined.ch:
		case <-time.After(5 * time.Second):
			t.Fatalf("%s не вошел в RTCP сессию", joined.name)
		}
	}

	if !client.IsAvailable() || !server.IsAvailable() {
		t.Fatal("после рукопожатия оба канала должны быть доступны")
	}

	client.UpdateMode(ModeSendRecv)
	server.UpdateMode(ModeSendRecv)

	err = client.Send(&rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    format.PCMU.PayloadType,
			SequenceNumber: 9000,
		},
		Payload: []byte("защищенный кадр"),
	})
	if err != nil {
		t.Fatalf("отправка через защищенный канал: %v", err)
	}

	select {
	case packet := <-received:
		if string(packet.Payload) != "защищенный кадр" {
			t.Errorf("payload после расшифровки искажен: %q", packet.Payload)
		}
		if packet.SSRC != 0x0C11E117 {
			t.Errorf("SSRC клиента: %08x", packet.SSRC)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("защищенный пакет не дошел до сервера")
	}

	// Выход сервера уведомляет его наблюдателя и шлет Goodbye клиенту
	server.Close()
	select {
	case <-serverLeft:
	case <-time.After(2 * time.Second):
		t.Fatal("закрытие не вывело сервер из RTCP сессии")
	}
	waitUntil(t, 2*time.Second,
		func() bool { return client.Statistics().RTCPReceived() >= 1 },
		"Goodbye сервера не дошел до клиента")

	client.Close()

	select {
	case err := <-clientFailures.failures:
		t.Errorf("клиент получил фатальное событие: %v", err)
	case err := <-serverFailures.failures:
		t.Errorf("сервер получил фатальное событие: %v", err)
	default:
	}
}

func TestChannelSendGatedUntilHandshakeCompletes(t *testing.T) {
	manager := newTestManager(t, nil)
	sched := newTestScheduler(t)

	ch := newBoundChannel(t, manager, sched, "gated", nil)
	if err := ch.EnableSRTP("", "", nil); err != nil {
		t.Fatalf("включение SRTP: %v", err)
	}

	err := ch.Send(&rtp.Packet{
		Header: rtp.Header{Version: 2, PayloadType: format.PCMU.PayloadType},
	})
	if !HasErrorCode(err, ErrorCodeNotAvailable) {
		t.Fatalf("отправка до завершения рукопожатия должна давать NotAvailable: %v", err)
	}
	if err := ch.SendDTMF(1, 100*time.Millisecond); !HasErrorCode(err, ErrorCodeNotAvailable) {
		t.Fatalf("DTMF до завершения рукопожатия должен давать NotAvailable: %v", err)
	}
	if ch.IsAvailable() {
		t.Error("канал с незавершенным рукопожатием не доступен")
	}
}

func TestChannelHandshakeFailureNotifiesListener(t *testing.T) {
	manager := newTestManager(t, nil)
	sched := newTestScheduler(t)

	config := DefaultChannelConfig()
	config.DTLS.HandshakeTimeout = 300 * time.Millisecond

	ch := newBoundChannel(t, manager, sched, "doomed", config)
	listener := newFailureListener()
	ch.SetListener(listener)

	if err := ch.EnableSRTP("", "", nil); err != nil {
		t.Fatalf("включение SRTP: %v", err)
	}

	select {
	case err := <-listener.failures:
		if !HasErrorCode(err, ErrorCodeHandshake) {
			t.Fatalf("ожидалась ошибка Handshake: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("сбой рукопожатия не доставлен наблюдателю")
	}

	// Сбой защиты не отвязывает канал
	if !ch.IsBound() {
		t.Error("канал должен оставаться привязанным после сбоя рукопожатия")
	}
}

func TestChannelDisableSRTPRestoresPlainSend(t *testing.T) {
	manager := newTestManager(t, nil)
	sched := newTestScheduler(t)
	sender, _, received := mediaPair(t, manager, sched)

	if err := sender.EnableSRTP("", "", nil); err != nil {
		t.Fatalf("включение SRTP: %v", err)
	}
	if err := sender.Send(&rtp.Packet{
		Header: rtp.Header{Version: 2, PayloadType: format.PCMU.PayloadType},
	}); !HasErrorCode(err, ErrorCodeNotAvailable) {
		t.Fatalf("защищенный канал без рукопожатия не отправляет: %v", err)
	}

	sender.DisableSRTP()
	if err := sender.Send(&rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: format.PCMU.PayloadType},
		Payload: []byte("открытый кадр"),
	}); err != nil {
		t.Fatalf("отправка после снятия защиты: %v", err)
	}

	select {
	case packet := <-received:
		if string(packet.Payload) != "открытый кадр" {
			t.Errorf("payload искажен: %q", packet.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("пакет после снятия защиты не дошел")
	}
}

func TestChannelFormatsSwap(t *testing.T) {
	manager := newTestManager(t, nil)
	sched := newTestScheduler(t)

	ch, err := NewChannel("formats", manager, sched, nil)
	if err != nil {
		t.Fatalf("создание канала: %v", err)
	}

	if ch.Formats().Len() != format.DefaultAudioMap().Len() {
		t.Error("канал должен стартовать с таблицей форматов конфигурации")
	}

	narrow := format.NewMap()
	narrow.Add(format.PCMA)
	ch.SetFormats(narrow)
	if ch.Formats().Len() != 1 {
		t.Errorf("таблица форматов не заменена: %d форматов", ch.Formats().Len())
	}
}
