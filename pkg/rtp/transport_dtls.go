package rtp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arzzra/rtc_track/pkg/message"
	"github.com/pion/dtls/v2"
	"github.com/sirupsen/logrus"
)

// DTLSTransport шифрованный транспорт медиа поверх DTLS.
//
// Реализует примитив SendMedia, через который трек отправляет RTP и RTCP,
// и цикл чтения Serve, который классифицирует входящие датаграммы на
// RTP (message.Binary) и RTCP (message.Control).
type DTLSTransport struct {
	udpConn    *net.UDPConn
	dtlsConn   *dtls.Conn
	localAddr  net.Addr
	remoteAddr net.Addr
	config     DTLSTransportConfig
	logger     *logrus.Entry

	active bool
	mutex  sync.RWMutex

	// Отправка сериализуется, чтобы DSCP маркировка сокета соответствовала
	// отправляемому сообщению
	sendMutex sync.Mutex
	dscp      int

	stats transportCounters
}

// DTLSTransportConfig конфигурация для DTLS транспорта
type DTLSTransportConfig struct {
	LocalAddr  string // Локальный адрес для привязки
	RemoteAddr string // Удаленный адрес (обязателен для клиента)
	BufferSize int    // Размер буфера чтения

	// DTLS специфичные настройки
	Certificates       []tls.Certificate
	RootCAs            *x509.CertPool
	ServerName         string
	InsecureSkipVerify bool

	// PSK (Pre-Shared Key) настройки
	PSK             func([]byte) ([]byte, error)
	PSKIdentityHint []byte

	CipherSuites []dtls.CipherSuiteID

	// Таймаут DTLS рукопожатия
	HandshakeTimeout time.Duration

	// Размер MTU для фрагментации DTLS сообщений
	MTU int

	Logger *logrus.Entry
}

// DefaultDTLSTransportConfig возвращает конфигурацию DTLS по умолчанию
func DefaultDTLSTransportConfig() DTLSTransportConfig {
	return DTLSTransportConfig{
		LocalAddr:        "127.0.0.1:0",
		BufferSize:       DefaultBufferSize,
		HandshakeTimeout: DefaultHandshakeTimeout,
		MTU:              1200,
	}
}

// Validate проверяет корректность конфигурации
func (c *DTLSTransportConfig) Validate() error {
	if c.LocalAddr == "" {
		return fmt.Errorf("локальный адрес обязателен")
	}
	if c.PSK == nil && len(c.Certificates) == 0 {
		return fmt.Errorf("необходимо указать PSK или сертификаты")
	}
	if c.BufferSize < 0 {
		return fmt.Errorf("размер буфера не может быть отрицательным")
	}
	if c.MTU < 0 {
		return fmt.Errorf("MTU не может быть отрицательным")
	}
	return nil
}

func (c *DTLSTransportConfig) applyDefaults() {
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.MTU == 0 {
		c.MTU = 1200
	}
	if c.Logger == nil {
		c.Logger = logrus.WithField("component", "dtls_transport")
	}
	if len(c.CipherSuites) == 0 {
		if c.PSK != nil {
			c.CipherSuites = []dtls.CipherSuiteID{dtls.TLS_PSK_WITH_AES_128_GCM_SHA256}
		} else {
			c.CipherSuites = []dtls.CipherSuiteID{
				dtls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
				dtls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			}
		}
	}
}

// NewDTLSTransportClient создает DTLS клиент и выполняет рукопожатие
func NewDTLSTransportClient(ctx context.Context, config DTLSTransportConfig) (*DTLSTransport, error) {
	if config.RemoteAddr == "" {
		return nil, fmt.Errorf("удаленный адрес обязателен для клиента")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	localAddr, err := createUDPAddr(config.LocalAddr)
	if err != nil {
		return nil, err
	}
	remoteAddr, err := createUDPAddr(config.RemoteAddr)
	if err != nil {
		return nil, err
	}

	conn, err := net.DialUDP("udp", localAddr, remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания UDP соединения: %w", err)
	}

	t := newDTLSTransport(conn, config)
	t.remoteAddr = remoteAddr

	hsCtx, cancel := context.WithTimeout(ctx, config.HandshakeTimeout)
	defer cancel()

	dtlsConn, err := dtls.ClientWithContext(hsCtx, conn, t.buildDTLSConfig())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ошибка DTLS клиента: %w", err)
	}

	t.mutex.Lock()
	t.dtlsConn = dtlsConn
	t.active = true
	t.mutex.Unlock()

	t.logger.WithField("remote", remoteAddr.String()).Debug("DTLS рукопожатие клиента завершено")
	return t, nil
}

// ListenDTLS создает UDP сокет для DTLS сервера. Рукопожатие выполняется в Accept.
func ListenDTLS(config DTLSTransportConfig) (*DTLSTransport, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	localAddr, err := createUDPAddr(config.LocalAddr)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания UDP соединения: %w", err)
	}

	return newDTLSTransport(conn, config), nil
}

// Accept ожидает первого клиента и выполняет DTLS рукопожатие как сервер
func (t *DTLSTransport) Accept(ctx context.Context) error {
	hsCtx, cancel := context.WithTimeout(ctx, t.config.HandshakeTimeout)
	defer cancel()

	peer := newPeerConn(t.udpConn)
	dtlsConn, err := dtls.ServerWithContext(hsCtx, peer, t.buildDTLSConfig())
	if err != nil {
		return fmt.Errorf("ошибка DTLS сервера: %w", err)
	}

	t.mutex.Lock()
	t.dtlsConn = dtlsConn
	t.remoteAddr = peer.RemoteAddr()
	t.active = true
	t.mutex.Unlock()

	t.logger.WithField("remote", fmt.Sprint(peer.RemoteAddr())).Debug("DTLS рукопожатие сервера завершено")
	return nil
}

func newDTLSTransport(conn *net.UDPConn, config DTLSTransportConfig) *DTLSTransport {
	return &DTLSTransport{
		udpConn:   conn,
		localAddr: conn.LocalAddr(),
		config:    config,
		logger:    config.Logger.WithField("local", conn.LocalAddr().String()),
		dscp:      -1,
		stats:     transportCounters{startTime: time.Now()},
	}
}

// buildDTLSConfig создает конфигурацию DTLS
func (t *DTLSTransport) buildDTLSConfig() *dtls.Config {
	return &dtls.Config{
		Certificates:         t.config.Certificates,
		RootCAs:              t.config.RootCAs,
		ServerName:           t.config.ServerName,
		CipherSuites:         t.config.CipherSuites,
		InsecureSkipVerify:   t.config.InsecureSkipVerify,
		PSK:                  t.config.PSK,
		PSKIdentityHint:      t.config.PSKIdentityHint,
		MTU:                  t.config.MTU,
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
	}
}

// SendMedia отправляет сообщение через DTLS. Перед отправкой на сокет
// применяется DSCP маркировка сообщения, если она изменилась.
func (t *DTLSTransport) SendMedia(msg *message.Message) bool {
	if msg == nil || len(msg.Data) == 0 {
		return false
	}

	t.mutex.RLock()
	active := t.active
	dtlsConn := t.dtlsConn
	udpConn := t.udpConn
	t.mutex.RUnlock()

	if !active || dtlsConn == nil {
		return false
	}

	t.sendMutex.Lock()
	defer t.sendMutex.Unlock()

	if msg.DSCP != t.dscp {
		if err := setConnDSCP(udpConn, msg.DSCP); err != nil {
			t.logger.WithError(err).WithField("dscp", msg.DSCP).Debug("Не удалось установить DSCP")
		}
		t.dscp = msg.DSCP
	}

	if _, err := dtlsConn.Write(msg.Data); err != nil {
		t.stats.sendErrors.Add(1)
		t.logger.WithError(err).Debug("Ошибка отправки DTLS пакета")
		return false
	}

	t.stats.packetsSent.Add(1)
	t.stats.bytesSent.Add(uint64(len(msg.Data)))
	return true
}

// Serve читает датаграммы до отмены контекста или закрытия транспорта и
// передает их в deliver. RTCP пакеты помечаются как message.Control.
func (t *DTLSTransport) Serve(ctx context.Context, deliver func(*message.Message)) error {
	t.mutex.RLock()
	dtlsConn := t.dtlsConn
	t.mutex.RUnlock()

	if dtlsConn == nil {
		return fmt.Errorf("DTLS соединение не установлено")
	}

	buffer := make([]byte, t.config.BufferSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_ = dtlsConn.SetReadDeadline(time.Now().Add(DefaultReceiveTimeout))
		n, err := dtlsConn.Read(buffer)
		if err != nil {
			if isTemporaryError(err) {
				continue
			}
			if !t.IsActive() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			t.stats.receiveErrors.Add(1)
			return fmt.Errorf("ошибка чтения DTLS: %w", err)
		}

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
func (t *DTLSTransport) LocalAddr() net.Addr {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.localAddr
}

// RemoteAddr возвращает удаленный адрес
func (t *DTLSTransport) RemoteAddr() net.Addr {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.remoteAddr
}

// IsActive проверяет, что рукопожатие завершено и транспорт не закрыт
func (t *DTLSTransport) IsActive() bool {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.active && t.dtlsConn != nil
}

// Statistics возвращает снимок статистики транспорта
func (t *DTLSTransport) Statistics() TransportStatistics {
	return t.stats.snapshot()
}

// Close закрывает DTLS и UDP соединения
func (t *DTLSTransport) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if !t.active && t.udpConn == nil {
		return nil
	}
	t.active = false

	var errs []error
	if t.dtlsConn != nil {
		if err := t.dtlsConn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("ошибка закрытия DTLS соединения: %w", err))
		}
	}
	if t.udpConn != nil {
		if err := t.udpConn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("ошибка закрытия UDP соединения: %w", err))
		}
		t.udpConn = nil
	}

	return errors.Join(errs...)
}

// ExportKeyingMaterial экспортирует ключевой материал (RFC 5705), например для SRTP
func (t *DTLSTransport) ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error) {
	t.mutex.RLock()
	dtlsConn := t.dtlsConn
	t.mutex.RUnlock()

	if dtlsConn == nil {
		return nil, fmt.Errorf("DTLS соединение не установлено")
	}

	state := dtlsConn.ConnectionState()
	return state.ExportKeyingMaterial(label, context, length)
}

// peerConn адаптирует неподключенный UDP сокет сервера к net.Conn:
// адрес первого отправителя становится адресом пира, датаграммы от
// других адресов отбрасываются.
type peerConn struct {
	*net.UDPConn
	remote atomic.Pointer[net.UDPAddr]
}

func newPeerConn(conn *net.UDPConn) *peerConn {
	return &peerConn{UDPConn: conn}
}

func (c *peerConn) Read(b []byte) (int, error) {
	for {
		n, addr, err := c.UDPConn.ReadFromUDP(b)
		if err != nil {
			return n, err
		}
		if c.remote.CompareAndSwap(nil, addr) {
			return n, nil
		}
		if peer := c.remote.Load(); peer.IP.Equal(addr.IP) && peer.Port == addr.Port {
			return n, nil
		}
	}
}

func (c *peerConn) Write(b []byte) (int, error) {
	peer := c.remote.Load()
	if peer == nil {
		return 0, fmt.Errorf("адрес пира неизвестен")
	}
	return c.UDPConn.WriteToUDP(b, peer)
}

func (c *peerConn) RemoteAddr() net.Addr {
	if peer := c.remote.Load(); peer != nil {
		return peer
	}
	return nil
}
