// Общие утилиты транспортов медиа трека
//
// Этот файл содержит константы, работу с адресами, классификацию ошибок и
// статистику, используемые DTLS транспортом, а также применение DSCP
// маркировки к UDP сокету.
package rtp

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

const (
	// DefaultBufferSize размер буфера чтения (MTU Ethernet)
	DefaultBufferSize = 1500

	// DefaultReceiveTimeout таймаут одного чтения в цикле Serve
	DefaultReceiveTimeout = 100 * time.Millisecond

	// DefaultHandshakeTimeout таймаут DTLS рукопожатия
	DefaultHandshakeTimeout = 30 * time.Second
)

// createUDPAddr создает *net.UDPAddr из строкового адреса с проверкой
func createUDPAddr(addr string) (*net.UDPAddr, error) {
	if addr == "" {
		return nil, fmt.Errorf("адрес не может быть пустым")
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("ошибка разрешения UDP адреса '%s': %w", addr, err)
	}

	return udpAddr, nil
}

// setConnDSCP применяет DSCP маркировку ко всем последующим датаграммам сокета
func setConnDSCP(conn *net.UDPConn, dscp int) error {
	if conn == nil {
		return fmt.Errorf("соединение не может быть nil")
	}
	if dscp < 0 || dscp > 63 {
		return fmt.Errorf("DSCP должен быть в диапазоне 0-63: %d", dscp)
	}

	rawConn, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("не удалось получить системный сокет: %w", err)
	}

	var sockOptErr error
	err = rawConn.Control(func(fd uintptr) {
		sockOptErr = setSockOptDSCP(int(fd), dscp)
	})
	if err != nil {
		return fmt.Errorf("ошибка управления сокетом: %w", err)
	}
	return sockOptErr
}

// isTemporaryError проверяет, можно ли повторить чтение (таймаут дедлайна)
func isTemporaryError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// TransportStatistics статистика транспорта
type TransportStatistics struct {
	PacketsSent     uint64 // Отправлено пакетов
	PacketsReceived uint64 // Получено пакетов
	BytesSent       uint64 // Отправлено байт
	BytesReceived   uint64 // Получено байт
	ErrorsSend      uint64 // Ошибки отправки
	ErrorsReceive   uint64 // Ошибки получения
	ConnectionTime  time.Time
}

// GetUptime возвращает время работы транспорта
func (ts *TransportStatistics) GetUptime() time.Duration {
	if ts.ConnectionTime.IsZero() {
		return 0
	}
	return time.Since(ts.ConnectionTime)
}

// GetErrorRate возвращает общий процент ошибок
func (ts *TransportStatistics) GetErrorRate() float64 {
	totalOps := ts.PacketsSent + ts.PacketsReceived
	if totalOps == 0 {
		return 0
	}
	totalErrors := ts.ErrorsSend + ts.ErrorsReceive
	return float64(totalErrors) / float64(totalOps) * 100.0
}

// transportCounters атомарные счетчики для горячего пути отправки/приема
type transportCounters struct {
	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64
	bytesSent       atomic.Uint64
	bytesReceived   atomic.Uint64
	sendErrors      atomic.Uint64
	receiveErrors   atomic.Uint64
	startTime       time.Time
}

func (c *transportCounters) snapshot() TransportStatistics {
	return TransportStatistics{
		PacketsSent:     c.packetsSent.Load(),
		PacketsReceived: c.packetsReceived.Load(),
		BytesSent:       c.bytesSent.Load(),
		BytesReceived:   c.bytesReceived.Load(),
		ErrorsSend:      c.sendErrors.Load(),
		ErrorsReceive:   c.receiveErrors.Load(),
		ConnectionTime:  c.startTime,
	}
}
