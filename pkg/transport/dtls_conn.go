package transport

import (
	"net"
	"time"

	"github.com/pion/transport/v2/packetio"
)

// Предел буфера входящих DTLS записей в пакетах. Переполнение означает,
// что рукопожатие зависло и записи копятся впустую: лишние отбрасываются.
const demuxBufferLimit = 512

// demuxConn реализует net.Conn поверх демультиплексированных DTLS записей.
//
// Чтения обслуживает packetio буфер, который наполняет обработчик DTLS
// из читающей горутины канала. Записи уходят в общий сокет канала через
// сериализованный писатель конвейера. Закрытие буфера прерывает
// заблокированное чтение: так отменяется зависшее рукопожатие.
type demuxConn struct {
	buffer *packetio.Buffer
	write  func(b []byte) (int, error)
	local  net.Addr
	remote func() net.Addr
}

func newDemuxConn(local net.Addr, remote func() net.Addr, write func([]byte) (int, error)) *demuxConn {
	buffer := packetio.NewBuffer()
	buffer.SetLimitCount(demuxBufferLimit)
	return &demuxConn{
		buffer: buffer,
		write:  write,
		local:  local,
		remote: remote,
	}
}

// feed кладет входящую DTLS запись в буфер чтения.
func (c *demuxConn) feed(data []byte) error {
	_, err := c.buffer.Write(data)
	return err
}

func (c *demuxConn) Read(p []byte) (int, error) {
	return c.buffer.Read(p)
}

func (c *demuxConn) Write(p []byte) (int, error) {
	return c.write(p)
}

func (c *demuxConn) Close() error {
	return c.buffer.Close()
}

func (c *demuxConn) LocalAddr() net.Addr {
	if c.local != nil {
		return c.local
	}
	return &net.UDPAddr{}
}

func (c *demuxConn) RemoteAddr() net.Addr {
	if addr := c.remote(); addr != nil {
		return addr
	}
	return &net.UDPAddr{}
}

func (c *demuxConn) SetDeadline(t time.Time) error {
	return c.buffer.SetReadDeadline(t)
}

func (c *demuxConn) SetReadDeadline(t time.Time) error {
	return c.buffer.SetReadDeadline(t)
}

func (c *demuxConn) SetWriteDeadline(t time.Time) error {
	// Записи уходят в неблокирующий UDP сокет
	return nil
}
