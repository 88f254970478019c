package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/pion/dtls/v2"
	"github.com/pion/dtls/v2/pkg/crypto/fingerprint"
	"github.com/pion/dtls/v2/pkg/crypto/selfsign"
	"github.com/pion/srtp/v2"
)

// DTLSRole роль канала в DTLS рукопожатии.
type DTLSRole int

const (
	// DTLSRoleServer отвечающая сторона, ждет ClientHello (setup:passive)
	DTLSRoleServer DTLSRole = iota
	// DTLSRoleClient инициатор рукопожатия (setup:active)
	DTLSRoleClient
)

// String возвращает строковое представление роли
func (r DTLSRole) String() string {
	if r == DTLSRoleClient {
		return "client"
	}
	return "server"
}

// Состояния машины защищенного транспорта и события переходов между ними.
// Машина линейна: рукопожатие запускается из idle и завершается в complete
// или failed, возврат в idle возможен только через reset.
const (
	dtlsStateIdle        = "idle"
	dtlsStateHandshaking = "handshaking"
	dtlsStateComplete    = "complete"
	dtlsStateFailed      = "failed"

	dtlsEventHandshake = "handshake"
	dtlsEventComplete  = "complete"
	dtlsEventFail      = "fail"
	dtlsEventReset     = "reset"
)

// Метка экспорта ключевого материала DTLS-SRTP (RFC 5764 раздел 4.2)
const srtpExtractorLabel = "EXTRACTOR-dtls_srtp"

// Алгоритм fingerprint локального сертификата в SDP
const localFingerprintAlgorithm = "sha-256"

// srtpKeyMaterial ключевой материал SRTP, извлеченный из DTLS сессии.
// Потребители строят собственные контексты: pion контексты не рассчитаны
// на конкурентное использование из нескольких горутин.
type srtpKeyMaterial struct {
	profile    srtp.ProtectionProfile
	localKey   []byte
	localSalt  []byte
	remoteKey  []byte
	remoteSalt []byte
}

// newInboundContext создает контекст расшифровки входящего потока.
func (k *srtpKeyMaterial) newInboundContext() (*srtp.Context, error) {
	return srtp.CreateContext(k.remoteKey, k.remoteSalt, k.profile)
}

// newOutboundContext создает контекст шифрования исходящего потока.
func (k *srtpKeyMaterial) newOutboundContext() (*srtp.Context, error) {
	return srtp.CreateContext(k.localKey, k.localSalt, k.profile)
}

// DTLSConfig конфигурация защищенного транспорта канала.
type DTLSConfig struct {
	// Role роль в рукопожатии, по умолчанию сервер
	Role DTLSRole

	// HandshakeTimeout предельная длительность рукопожатия
	HandshakeTimeout time.Duration

	// RetransmitInterval интервал повторной передачи flight пакетов.
	// Первые записи клиента могут быть отброшены, пока удаленный адрес
	// не уточнен через STUN, поэтому интервал держится коротким.
	RetransmitInterval time.Duration

	// MTU максимальный размер DTLS записи
	MTU int

	// Certificate локальный сертификат. nil - самоподписанный сертификат
	// генерируется при первом рукопожатии
	Certificate *tls.Certificate
}

// DefaultDTLSConfig возвращает конфигурацию по умолчанию.
func DefaultDTLSConfig() *DTLSConfig {
	return &DTLSConfig{
		Role:               DTLSRoleServer,
		HandshakeTimeout:   30 * time.Second,
		RetransmitInterval: 500 * time.Millisecond,
		MTU:                1200,
	}
}

// Validate проверяет корректность конфигурации.
func (c *DTLSConfig) Validate() error {
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("HandshakeTimeout должен быть положительным")
	}
	if c.RetransmitInterval < 0 {
		return fmt.Errorf("RetransmitInterval не может быть отрицательным")
	}
	if c.MTU <= 0 {
		return fmt.Errorf("MTU должен быть положительным")
	}
	return nil
}

// DTLSHandler машина защищенного транспорта канала.
//
// Принимает демультиплексированные DTLS записи из конвейера, ведет
// рукопожатие pion/dtls в собственной горутине поверх packetio буфера
// и по завершении экспортирует ключевой материал SRTP. Подлинность
// удаленной стороны удостоверяет fingerprint сертификата из SDP,
// а не цепочка доверия.
//
// Поколение рукопожатия защищает от гонки с Reset: результат устаревшего
// рукопожатия молча отбрасывается вместо ложного уведомления.
type DTLSHandler struct {
	channelID  string
	config     DTLSConfig
	pipeline   *Pipeline
	logger     *slog.Logger
	machine    *fsm.FSM
	onComplete func(*srtpKeyMaterial)
	onFailure  func(error)

	mutex      sync.Mutex
	generation uint64
	conn       *demuxConn
	dtlsConn   *dtls.Conn
	localCert  *tls.Certificate

	remoteFingerprintAlg string
	remoteFingerprint    string

	// Источник последней DTLS записи: сервер отвечает туда, откуда
	// пришел ClientHello, еще до того как задан удаленный адрес канала
	lastSrc *net.UDPAddr
}

// NewDTLSHandler создает машину защищенного транспорта.
// onComplete и onFailure вызываются из горутины рукопожатия.
func NewDTLSHandler(channelID string, config *DTLSConfig, pipeline *Pipeline, onComplete func(*srtpKeyMaterial), onFailure func(error)) *DTLSHandler {
	if config == nil {
		config = DefaultDTLSConfig()
	}

	h := &DTLSHandler{
		channelID: channelID,
		config:    *config,
		pipeline:  pipeline,
		logger: slog.Default().With(
			slog.String("component", "dtls_handler"),
			slog.String("channel_id", channelID)),
		onComplete: onComplete,
		onFailure:  onFailure,
	}

	h.machine = fsm.NewFSM(dtlsStateIdle,
		fsm.Events{
			{Name: dtlsEventHandshake, Src: []string{dtlsStateIdle}, Dst: dtlsStateHandshaking},
			{Name: dtlsEventComplete, Src: []string{dtlsStateHandshaking}, Dst: dtlsStateComplete},
			{Name: dtlsEventFail, Src: []string{dtlsStateHandshaking}, Dst: dtlsStateFailed},
			{Name: dtlsEventReset, Src: []string{dtlsStateIdle, dtlsStateHandshaking, dtlsStateComplete, dtlsStateFailed}, Dst: dtlsStateIdle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				h.logger.Debug("переход защищенного транспорта",
					slog.String("from", e.Src),
					slog.String("to", e.Dst))
			},
		})

	return h
}

// Protocol возвращает тег протокола обработчика
func (h *DTLSHandler) Protocol() Protocol { return ProtocolDTLS }

// Priority возвращает приоритет обслуживания
func (h *DTLSHandler) Priority() int { return PriorityDTLS }

// State возвращает текущее состояние машины защищенного транспорта.
func (h *DTLSHandler) State() string {
	return h.machine.Current()
}

// IsHandshakeComplete сообщает, завершено ли рукопожатие успешно.
func (h *DTLSHandler) IsHandshakeComplete() bool {
	return h.machine.Is(dtlsStateComplete)
}

// SetRemoteFingerprint задает fingerprint сертификата удаленной стороны
// из SDP. Пустое значение очищает fingerprint. Алгоритм должен быть
// известен hash функциям DTLS (sha-256, sha-384, sha-512 и другие).
func (h *DTLSHandler) SetRemoteFingerprint(alg, value string) error {
	if value == "" {
		h.mutex.Lock()
		h.remoteFingerprintAlg = ""
		h.remoteFingerprint = ""
		h.mutex.Unlock()
		return nil
	}

	normalized := strings.ToLower(alg)
	if _, err := fingerprint.HashFromString(normalized); err != nil {
		return fmt.Errorf("неподдерживаемый алгоритм fingerprint %q: %w", alg, err)
	}

	h.mutex.Lock()
	h.remoteFingerprintAlg = normalized
	h.remoteFingerprint = value
	h.mutex.Unlock()
	return nil
}

// ResetLocalFingerprint сбрасывает локальный сертификат: следующее
// рукопожатие сгенерирует новый самоподписанный сертификат и,
// соответственно, новый fingerprint.
func (h *DTLSHandler) ResetLocalFingerprint() {
	h.mutex.Lock()
	h.localCert = nil
	h.mutex.Unlock()
}

// LocalFingerprint возвращает fingerprint локального сертификата в виде
// "sha-256 AB:CD:...". Сертификат генерируется при первом обращении.
func (h *DTLSHandler) LocalFingerprint() (string, error) {
	h.mutex.Lock()
	cert, err := h.ensureLocalCertLocked()
	h.mutex.Unlock()
	if err != nil {
		return "", err
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return "", fmt.Errorf("разбор локального сертификата: %w", err)
	}

	hash, err := fingerprint.HashFromString(localFingerprintAlgorithm)
	if err != nil {
		return "", err
	}
	fp, err := fingerprint.Fingerprint(leaf, hash)
	if err != nil {
		return "", fmt.Errorf("вычисление fingerprint: %w", err)
	}

	return fmt.Sprintf("%s %s", localFingerprintAlgorithm, strings.ToUpper(fp)), nil
}

// Handshake запускает асинхронное DTLS рукопожатие.
// Допустим только из состояния idle: повторное рукопожатие требует Reset.
func (h *DTLSHandler) Handshake() error {
	h.mutex.Lock()

	if err := h.machine.Event(context.Background(), dtlsEventHandshake); err != nil {
		current := h.machine.Current()
		h.mutex.Unlock()
		return WrapTransportError(ErrorCodeHandshake, h.channelID,
			fmt.Sprintf("рукопожатие из состояния %s невозможно", current), err)
	}

	cert, err := h.ensureLocalCertLocked()
	if err != nil {
		h.machine.SetState(dtlsStateFailed)
		h.mutex.Unlock()
		return WrapTransportError(ErrorCodeHandshake, h.channelID,
			"локальный сертификат недоступен", err)
	}

	gen := h.generation
	h.conn = newDemuxConn(h.pipeline.LocalAddr(), h.remoteAddr, h.writeRecord)
	conn := h.conn
	remoteAlg := h.remoteFingerprintAlg
	remoteFP := h.remoteFingerprint
	h.mutex.Unlock()

	if remoteFP == "" {
		h.logger.Warn("fingerprint удаленной стороны не задан, подлинность сертификата не проверяется")
	}

	h.logger.Info("запущено DTLS рукопожатие",
		slog.String("role", h.config.Role.String()),
		slog.Duration("timeout", h.config.HandshakeTimeout))

	go h.runHandshake(gen, conn, cert, remoteAlg, remoteFP)
	return nil
}

// HandlePacket буферизует демультиплексированную DTLS запись для горутины
// рукопожатия. Записи без активного рукопожатия отбрасываются.
func (h *DTLSHandler) HandlePacket(data []byte, src *net.UDPAddr) error {
	h.mutex.Lock()
	conn := h.conn
	if src != nil {
		h.lastSrc = src
	}
	h.mutex.Unlock()

	if conn == nil {
		h.logger.Debug("DTLS запись без активного рукопожатия отброшена")
		return nil
	}

	if err := conn.feed(data); err != nil {
		return fmt.Errorf("буферизация DTLS записи: %w", err)
	}
	return nil
}

// Reset отменяет рукопожатие и возвращает машину в idle.
// Поколение инвалидируется: результат незавершенного рукопожатия будет
// отброшен без уведомлений. Fingerprint удаленной стороны сохраняется,
// его очищает DisableSRTP канала.
func (h *DTLSHandler) Reset() {
	h.mutex.Lock()
	h.generation++
	if h.conn != nil {
		// Закрытие буфера прерывает заблокированное чтение рукопожатия
		h.conn.Close()
		h.conn = nil
	}
	dtlsConn := h.dtlsConn
	h.dtlsConn = nil
	h.lastSrc = nil
	if !h.machine.Is(dtlsStateIdle) {
		h.machine.SetState(dtlsStateIdle)
	}
	h.mutex.Unlock()

	if dtlsConn != nil {
		dtlsConn.Close()
	}
}

// runHandshake ведет рукопожатие в собственной горутине: читающую горутину
// канала блокировать нельзя.
func (h *DTLSHandler) runHandshake(gen uint64, conn *demuxConn, cert *tls.Certificate, remoteAlg, remoteFP string) {
	start := time.Now()
	dtlsConfig := h.buildDTLSConfig(cert)

	ctx, cancel := context.WithTimeout(context.Background(), h.config.HandshakeTimeout)
	defer cancel()

	var dtlsConn *dtls.Conn
	var err error
	if h.config.Role == DTLSRoleClient {
		dtlsConn, err = dtls.ClientWithContext(ctx, conn, dtlsConfig)
	} else {
		dtlsConn, err = dtls.ServerWithContext(ctx, conn, dtlsConfig)
	}
	if err != nil {
		h.completeFailure(gen, fmt.Errorf("ошибка DTLS %s: %w", h.config.Role, err))
		return
	}

	keys, err := h.extractSession(dtlsConn, remoteAlg, remoteFP)
	if err != nil {
		dtlsConn.Close()
		h.completeFailure(gen, err)
		return
	}

	h.completeSuccess(gen, dtlsConn, keys, time.Since(start))
}

func (h *DTLSHandler) buildDTLSConfig(cert *tls.Certificate) *dtls.Config {
	return &dtls.Config{
		Certificates: []tls.Certificate{*cert},
		SRTPProtectionProfiles: []dtls.SRTPProtectionProfile{
			dtls.SRTP_AES128_CM_HMAC_SHA1_80,
		},
		ClientAuth: dtls.RequireAnyClientCert,

		// Подлинность удостоверяет fingerprint из SDP, не цепочка CA
		InsecureSkipVerify: true,

		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		FlightInterval:       h.config.RetransmitInterval,
		MTU:                  h.config.MTU,
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(context.Background(), h.config.HandshakeTimeout)
		},
	}
}

// extractSession проверяет сертификат удаленной стороны и извлекает
// ключевой материал SRTP из завершенной DTLS сессии.
func (h *DTLSHandler) extractSession(dtlsConn *dtls.Conn, remoteAlg, remoteFP string) (*srtpKeyMaterial, error) {
	state := dtlsConn.ConnectionState()

	if remoteFP != "" {
		certs := state.PeerCertificates
		if len(certs) == 0 {
			return nil, fmt.Errorf("удаленная сторона не предъявила сертификат")
		}
		leaf, err := x509.ParseCertificate(certs[0])
		if err != nil {
			return nil, fmt.Errorf("разбор сертификата удаленной стороны: %w", err)
		}
		hash, err := fingerprint.HashFromString(remoteAlg)
		if err != nil {
			return nil, fmt.Errorf("алгоритм fingerprint %q: %w", remoteAlg, err)
		}
		actual, err := fingerprint.Fingerprint(leaf, hash)
		if err != nil {
			return nil, fmt.Errorf("вычисление fingerprint сертификата: %w", err)
		}
		if !strings.EqualFold(actual, remoteFP) {
			return nil, fmt.Errorf("fingerprint сертификата удаленной стороны не совпадает со значением из SDP")
		}
	}

	negotiated, ok := dtlsConn.SelectedSRTPProtectionProfile()
	if !ok || negotiated != dtls.SRTP_AES128_CM_HMAC_SHA1_80 {
		return nil, fmt.Errorf("SRTP профиль не согласован")
	}
	profile := srtp.ProtectionProfileAes128CmHmacSha1_80

	keyLen, err := profile.KeyLen()
	if err != nil {
		return nil, err
	}
	saltLen, err := profile.SaltLen()
	if err != nil {
		return nil, err
	}

	material, err := state.ExportKeyingMaterial(srtpExtractorLabel, nil, 2*(keyLen+saltLen))
	if err != nil {
		return nil, fmt.Errorf("экспорт ключевого материала: %w", err)
	}

	// Раскладка материала по RFC 5764: client_key | server_key | client_salt | server_salt
	offset := 0
	clientKey := material[offset : offset+keyLen]
	offset += keyLen
	serverKey := material[offset : offset+keyLen]
	offset += keyLen
	clientSalt := material[offset : offset+saltLen]
	offset += saltLen
	serverSalt := material[offset : offset+saltLen]

	keys := &srtpKeyMaterial{profile: profile}
	if h.config.Role == DTLSRoleClient {
		keys.localKey, keys.localSalt = clientKey, clientSalt
		keys.remoteKey, keys.remoteSalt = serverKey, serverSalt
	} else {
		keys.localKey, keys.localSalt = serverKey, serverSalt
		keys.remoteKey, keys.remoteSalt = clientKey, clientSalt
	}
	return keys, nil
}

// completeSuccess фиксирует успех рукопожатия. Устаревшее поколение
// (Reset во время рукопожатия) закрывает соединение и молчит.
func (h *DTLSHandler) completeSuccess(gen uint64, dtlsConn *dtls.Conn, keys *srtpKeyMaterial, elapsed time.Duration) {
	h.mutex.Lock()
	if gen != h.generation || !h.machine.Is(dtlsStateHandshaking) {
		h.mutex.Unlock()
		dtlsConn.Close()
		return
	}
	if err := h.machine.Event(context.Background(), dtlsEventComplete); err != nil {
		h.mutex.Unlock()
		dtlsConn.Close()
		return
	}
	h.dtlsConn = dtlsConn
	cb := h.onComplete
	h.mutex.Unlock()

	h.pipeline.Metrics().HandshakeCompleted(elapsed)
	h.logger.Info("DTLS рукопожатие завершено",
		slog.Duration("elapsed", elapsed))

	if cb != nil {
		cb(keys)
	}
}

// completeFailure фиксирует сбой рукопожатия. Отмена через Reset сбоем
// не считается и уведомлений не порождает.
func (h *DTLSHandler) completeFailure(gen uint64, cause error) {
	h.mutex.Lock()
	if gen != h.generation || !h.machine.Is(dtlsStateHandshaking) {
		h.mutex.Unlock()
		return
	}
	if err := h.machine.Event(context.Background(), dtlsEventFail); err != nil {
		h.mutex.Unlock()
		return
	}
	cb := h.onFailure
	h.mutex.Unlock()

	h.pipeline.Metrics().HandshakeFailed()
	h.logger.Error("DTLS рукопожатие не удалось",
		slog.String("error", cause.Error()))

	if cb != nil {
		cb(cause)
	}
}

// writeRecord пишет исходящую DTLS запись через конвейер.
// Сервер отвечает источнику последней записи, клиент - удаленному
// адресу канала. Запись без известного адреса назначения отбрасывается
// как потерянная датаграмма: flight механизм DTLS повторит ее, когда
// адрес уточнится через STUN.
func (h *DTLSHandler) writeRecord(b []byte) (int, error) {
	h.mutex.Lock()
	dst := h.lastSrc
	h.mutex.Unlock()

	n, err := h.pipeline.Write(b, dst)
	if err != nil {
		if HasErrorCode(err, ErrorCodeNotAvailable) {
			h.logger.Debug("DTLS запись отброшена: адрес назначения не задан")
			return len(b), nil
		}
		return n, err
	}
	h.pipeline.Metrics().PacketSent(ProtocolDTLS)
	return n, nil
}

// remoteAddr возвращает адрес удаленной стороны рукопожатия для net.Conn.
func (h *DTLSHandler) remoteAddr() net.Addr {
	h.mutex.Lock()
	last := h.lastSrc
	h.mutex.Unlock()

	if last != nil {
		return last
	}
	if peer := h.pipeline.Peer(); peer != nil {
		return peer
	}
	return nil
}

// ensureLocalCertLocked возвращает локальный сертификат, генерируя
// самоподписанный при необходимости. Вызывается под мьютексом.
func (h *DTLSHandler) ensureLocalCertLocked() (*tls.Certificate, error) {
	if h.localCert != nil {
		return h.localCert, nil
	}
	if h.config.Certificate != nil {
		h.localCert = h.config.Certificate
		return h.localCert, nil
	}

	cert, err := selfsign.GenerateSelfSigned()
	if err != nil {
		return nil, fmt.Errorf("генерация самоподписанного сертификата: %w", err)
	}
	h.localCert = &cert
	return h.localCert, nil
}
