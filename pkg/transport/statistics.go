package transport

import (
	"sync/atomic"
	"time"
)

// Statistics счетчики трафика канала.
// Все операции атомарные, структура безопасна для использования из
// читающей горутины, передатчика и монитора активности одновременно.
// Счетчики переживают переподключение канала и обнуляются только
// при создании нового канала.
type Statistics struct {
	rtpReceived  atomic.Uint64
	rtpSent      atomic.Uint64
	rtcpReceived atomic.Uint64
	rtcpSent     atomic.Uint64

	// Момент последнего принятого RTP пакета, UnixNano.
	// Ноль означает, что пакетов еще не было.
	lastActivity atomic.Int64
}

// NewStatistics создает пустой набор счетчиков
func NewStatistics() *Statistics {
	return &Statistics{}
}

// IncrementRTPReceived увеличивает счетчик принятых RTP пакетов
func (s *Statistics) IncrementRTPReceived() {
	s.rtpReceived.Add(1)
}

// IncrementRTPSent увеличивает счетчик отправленных RTP пакетов
func (s *Statistics) IncrementRTPSent() {
	s.rtpSent.Add(1)
}

// IncrementRTCPReceived увеличивает счетчик принятых RTCP пакетов
func (s *Statistics) IncrementRTCPReceived() {
	s.rtcpReceived.Add(1)
}

// IncrementRTCPSent увеличивает счетчик отправленных RTCP пакетов
func (s *Statistics) IncrementRTCPSent() {
	s.rtcpSent.Add(1)
}

// RTPReceived возвращает количество принятых RTP пакетов
func (s *Statistics) RTPReceived() uint64 {
	return s.rtpReceived.Load()
}

// RTPSent возвращает количество отправленных RTP пакетов
func (s *Statistics) RTPSent() uint64 {
	return s.rtpSent.Load()
}

// RTCPReceived возвращает количество принятых RTCP пакетов
func (s *Statistics) RTCPReceived() uint64 {
	return s.rtcpReceived.Load()
}

// RTCPSent возвращает количество отправленных RTCP пакетов
func (s *Statistics) RTCPSent() uint64 {
	return s.rtcpSent.Load()
}

// TouchActivity отмечает момент приема медиа пакета
func (s *Statistics) TouchActivity(t time.Time) {
	s.lastActivity.Store(t.UnixNano())
}

// LastActivity возвращает момент последнего принятого пакета.
// Если пакетов не было, возвращает нулевое время.
func (s *Statistics) LastActivity() time.Time {
	nano := s.lastActivity.Load()
	if nano == 0 {
		return time.Time{}
	}
	return time.Unix(0, nano)
}
