package rtp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/arzzra/rtc_track/pkg/message"
	"github.com/sirupsen/logrus"
)

// Ограничения размера датаграммы
const (
	MinPacketSize = MinRTCPSize // Минимальный размер RTCP пакета
	MaxPacketSize = 1500        // Максимальный размер (MTU Ethernet)
)

// UDPTransportConfig конфигурация UDP транспорта
type UDPTransportConfig struct {
	LocalAddr  string // Локальный адрес для привязки
	RemoteAddr string // Удаленный адрес; пустой - первый отправитель
	BufferSize int    // Размер буфера чтения

	Logger *logrus.Entry
}

// DefaultUDPTransportConfig возвращает конфигурацию по умолчанию
func DefaultUDPTransportConfig() UDPTransportConfig {
	return UDPTransportConfig{
		LocalAddr:  "127.0.0.1:0",
		BufferSize: DefaultBufferSize,
	}
}

// Validate проверяет корректность конфигурации
func (c *UDPTransportConfig) Validate() error {
	if c.LocalAddr == "" {
		return fmt.Errorf("локальный адрес обязателен")
	}
	if c.BufferSize < 0 {
		return fmt.Errorf("размер буфера не может быть отрицательным")
	}
	return nil
}

// UDPTransport нешифрованный транспорт медиа поверх UDP.
//
// Используется в локальной отладке и тестах вместо DTLSTransport: тот же
// примитив SendMedia с DSCP маркировкой и тот же цикл Serve.
type UDPTransport struct {
	conn       *net.UDPConn
	remoteAddr *net.UDPAddr
	config     UDPTransportConfig
	logger     *logrus.Entry

	active bool
	mutex  sync.RWMutex

	sendMutex sync.Mutex
	dscp      int

	stats transportCounters
}

// NewUDPTransport создает UDP транспорт
func NewUDPTransport(config UDPTransportConfig) (*UDPTransport, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("некорректная конфигурация UDP: %w", err)
	}
	if config.BufferSize == 0 {
		config.BufferSize = DefaultBufferSize
	}
	if config.Logger == nil {
		config.Logger = logrus.WithField("component", "udp_transport")
	}

	localAddr, err := createUDPAddr(config.LocalAddr)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания UDP соединения: %w", err)
	}

	transport := &UDPTransport{
		conn:   conn,
		config: config,
		logger: config.Logger.WithField("local", conn.LocalAddr().String()),
		active: true,
	}
	transport.stats.startTime = time.Now()

	if config.RemoteAddr != "" {
		remoteAddr, err := createUDPAddr(config.RemoteAddr)
		if err != nil {
			conn.Close()
			return nil, err
		}
		transport.remoteAddr = remoteAddr
	}

	return transport, nil
}

// SendMedia отправляет сообщение удаленной стороне
func (t *UDPTransport) SendMedia(msg *message.Message) bool {
	if msg == nil || len(msg.Data) == 0 {
		return false
	}

	t.mutex.RLock()
	active := t.active
	conn := t.conn
	remoteAddr := t.remoteAddr
	t.mutex.RUnlock()

	if !active || remoteAddr == nil {
		return false
	}
	if err := validatePacketSize(len(msg.Data)); err != nil {
		t.stats.sendErrors.Add(1)
		t.logger.WithError(err).Debug("Пакет не отправлен")
		return false
	}

	t.sendMutex.Lock()
	defer t.sendMutex.Unlock()

	if msg.DSCP != t.dscp {
		if err := setConnDSCP(conn, msg.DSCP); err != nil {
			t.logger.WithError(err).WithField("dscp", msg.DSCP).Debug("Не удалось установить DSCP")
		}
		t.dscp = msg.DSCP
	}

	if _, err := conn.WriteToUDP(msg.Data, remoteAddr); err != nil {
		t.stats.sendErrors.Add(1)
		t.logger.WithError(classifyNetworkError("UDP write", err)).Debug("Ошибка отправки UDP пакета")
		return false
	}

	t.stats.packetsSent.Add(1)
	t.stats.bytesSent.Add(uint64(len(msg.Data)))
	return true
}

// Serve читает датаграммы до отмены контекста или закрытия транспорта.
// Удаленный адрес, если он не задан, берется из первого пакета.
func (t *UDPTransport) Serve(ctx context.Context, deliver func(*message.Message)) error {
	t.mutex.RLock()
	conn := t.conn
	t.mutex.RUnlock()

	buffer := make([]byte, t.config.BufferSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(DefaultReceiveTimeout))
		n, addr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if isTemporaryError(err) {
				continue
			}
			if !t.IsActive() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			t.stats.receiveErrors.Add(1)
			return classifyNetworkError("UDP read", err)
		}

		if err := validatePacketSize(n); err != nil {
			t.stats.receiveErrors.Add(1)
			t.logger.WithError(err).Trace("Датаграмма отброшена")
			continue
		}

		t.mutex.Lock()
		if t.remoteAddr == nil {
			t.remoteAddr = addr
		}
		t.mutex.Unlock()

		data := make([]byte, n)
		copy(data, buffer[:n])

		typ := message.Binary
		if IsRTCP(data) {
			typ = message.Control
		}

		t.stats.packetsReceived.Add(1)
		t.stats.bytesReceived.Add(uint64(n))
		deliver(message.New(data, typ))
	}
}

// LocalAddr возвращает локальный адрес
func (t *UDPTransport) LocalAddr() net.Addr {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.conn.LocalAddr()
}

// RemoteAddr возвращает удаленный адрес
func (t *UDPTransport) RemoteAddr() net.Addr {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	if t.remoteAddr == nil {
		return nil
	}
	return t.remoteAddr
}

// SetRemoteAddr устанавливает удаленный адрес
func (t *UDPTransport) SetRemoteAddr(addr string) error {
	remoteAddr, err := createUDPAddr(addr)
	if err != nil {
		return err
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.remoteAddr = remoteAddr
	return nil
}

// IsActive проверяет активность транспорта
func (t *UDPTransport) IsActive() bool {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.active
}

// Statistics возвращает статистику транспорта
func (t *UDPTransport) Statistics() TransportStatistics {
	return t.stats.snapshot()
}

// Close закрывает транспорт
func (t *UDPTransport) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if !t.active {
		return nil
	}
	t.active = false
	return t.conn.Close()
}

// validatePacketSize проверяет размер датаграммы
func validatePacketSize(size int) error {
	if size < MinPacketSize {
		return fmt.Errorf("пакет слишком мал: %d байт (минимум %d)", size, MinPacketSize)
	}
	if size > MaxPacketSize {
		return fmt.Errorf("пакет слишком велик: %d байт (максимум %d)", size, MaxPacketSize)
	}
	return nil
}

// NetworkErrorType тип сетевой ошибки
type NetworkErrorType int

const (
	ErrorTypeTemporary  NetworkErrorType = iota // Временная ошибка
	ErrorTypePermanent                          // Постоянная ошибка
	ErrorTypeTimeout                            // Таймаут
	ErrorTypeConnection                         // Проблемы соединения
	ErrorTypeUnknown                            // Неклассифицированная ошибка
)

// ClassifiedError сетевая ошибка с типом и признаком возможности повтора
type ClassifiedError struct {
	Type      NetworkErrorType
	Operation string
	Err       error
	Retryable bool
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %s (type: %s, retryable: %t)",
		e.Operation, e.Err.Error(), e.typeString(), e.Retryable)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

func (e *ClassifiedError) typeString() string {
	switch e.Type {
	case ErrorTypeTemporary:
		return "temporary"
	case ErrorTypePermanent:
		return "permanent"
	case ErrorTypeTimeout:
		return "timeout"
	case ErrorTypeConnection:
		return "connection"
	default:
		return "unknown"
	}
}

// classifyNetworkError классифицирует сетевую ошибку
func classifyNetworkError(operation string, err error) error {
	if err == nil {
		return nil
	}

	classified := &ClassifiedError{
		Operation: operation,
		Err:       err,
		Type:      ErrorTypeUnknown,
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		classified.Type = ErrorTypeTimeout
		classified.Retryable = true
		return classified
	}

	msg := err.Error()
	switch {
	case containsAny(msg, "connection refused", "connection reset", "network is unreachable",
		"host is unreachable", "no route to host"):
		classified.Type = ErrorTypeConnection
		classified.Retryable = true
	case containsAny(msg, "invalid argument", "address family not supported",
		"permission denied", "operation not supported"):
		classified.Type = ErrorTypePermanent
	}

	return classified
}

func containsAny(s string, substrs ...string) bool {
	for _, substr := range substrs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
