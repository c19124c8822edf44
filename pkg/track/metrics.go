package track

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Направления потока для меток метрик
const (
	PathIncoming = "incoming"
	PathOutgoing = "outgoing"
)

// Metrics счетчики трека. Реализация передается в Config и должна быть
// потокобезопасной.
type Metrics interface {
	// BadDirection сообщение отброшено из-за направления медиа
	BadDirection(mid, path string)
	// QueueFull входящее сообщение отброшено из-за полной очереди
	QueueFull(mid string)
	// Sent сообщение передано транспорту
	Sent(mid string, bytes int)
	// Received сообщение помещено во входящую очередь
	Received(mid string, bytes int)
}

// NopMetrics ничего не считает
type NopMetrics struct{}

func (NopMetrics) BadDirection(string, string) {}
func (NopMetrics) QueueFull(string)            {}
func (NopMetrics) Sent(string, int)            {}
func (NopMetrics) Received(string, int)        {}

// MetricsConfig параметры Prometheus метрик
type MetricsConfig struct {
	Namespace string
	Subsystem string
}

// DefaultMetricsConfig возвращает конфигурацию по умолчанию
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "rtc",
		Subsystem: "track",
	}
}

// PrometheusMetrics реализация Metrics на Prometheus счетчиках
type PrometheusMetrics struct {
	badDirection *prometheus.CounterVec
	queueFull    *prometheus.CounterVec
	messages     *prometheus.CounterVec
	bytes        *prometheus.CounterVec
}

var _ Metrics = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics создает счетчики и регистрирует их в reg.
// Повторная регистрация в том же реестре приводит к панике promauto.
func NewPrometheusMetrics(reg prometheus.Registerer, config MetricsConfig) *PrometheusMetrics {
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		badDirection: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "bad_direction_total",
			Help:      "Number of media packets dropped due to an invalid direction",
		}, []string{"mid", "path"}),
		queueFull: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "queue_full_total",
			Help:      "Number of media packets dropped due to a full receive queue",
		}, []string{"mid"}),
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "messages_total",
			Help:      "Number of messages passed to the transport or the receive queue",
		}, []string{"mid", "path"}),
		bytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "bytes_total",
			Help:      "Number of bytes passed to the transport or the receive queue",
		}, []string{"mid", "path"}),
	}
}

func (m *PrometheusMetrics) BadDirection(mid, path string) {
	m.badDirection.WithLabelValues(mid, path).Inc()
}

func (m *PrometheusMetrics) QueueFull(mid string) {
	m.queueFull.WithLabelValues(mid).Inc()
}

func (m *PrometheusMetrics) Sent(mid string, bytes int) {
	m.messages.WithLabelValues(mid, PathOutgoing).Inc()
	m.bytes.WithLabelValues(mid, PathOutgoing).Add(float64(bytes))
}

func (m *PrometheusMetrics) Received(mid string, bytes int) {
	m.messages.WithLabelValues(mid, PathIncoming).Inc()
	m.bytes.WithLabelValues(mid, PathIncoming).Add(float64(bytes))
}
