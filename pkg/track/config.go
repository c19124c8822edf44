package track

import (
	"fmt"

	"github.com/arzzra/rtc_track/pkg/message"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultRecvQueueLimit емкость входящей очереди в байтах
	DefaultRecvQueueLimit = 1024 * 1024

	// DefaultMTU MTU пути, если сессия его не задает
	DefaultMTU = 1280

	// Overhead служебные заголовки SRTP (12), UDP (8) и IPv6 (40)
	Overhead = 12 + 8 + 40
)

// Session сессия (peer connection), которой принадлежит трек.
// Трек читает из нее только MTU.
type Session interface {
	// MTU возвращает MTU пути, если он задан конфигурацией
	MTU() (int, bool)
}

// MediaTransport зашифрованный транспорт, через который трек отправляет
// пакеты. Реализуется rtp.DTLSTransport.
type MediaTransport interface {
	SendMedia(msg *message.Message) bool
}

// Config конфигурация трека
type Config struct {
	// RecvQueueLimit емкость входящей очереди в байтах
	RecvQueueLimit int
	// DefaultMTU используется, когда сессия недоступна или не задает MTU
	DefaultMTU int
	// EnableMidTagging включает MID расширение заголовка у исходящих RTP пакетов
	EnableMidTagging bool

	Logger  *logrus.Entry
	Metrics Metrics
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		RecvQueueLimit:   DefaultRecvQueueLimit,
		DefaultMTU:       DefaultMTU,
		EnableMidTagging: true,
	}
}

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	if c.RecvQueueLimit <= 0 {
		return newTrackError(ErrorCodeInvalidConfig, "",
			fmt.Sprintf("емкость очереди должна быть положительной: %d", c.RecvQueueLimit), nil)
	}
	if c.DefaultMTU <= Overhead {
		return newTrackError(ErrorCodeInvalidConfig, "",
			fmt.Sprintf("MTU %d не больше служебных заголовков (%d)", c.DefaultMTU, Overhead), nil)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = logrus.WithField("component", "track")
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}
}
