// track_loopback поднимает DTLS-PSK соединение на localhost и передает
// RTP пакеты между двумя треками: отправляющим (sendonly) и
// принимающим (recvonly). Принимающий трек отвечает Receiver Report и PLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/arzzra/rtc_track/pkg/handler"
	"github.com/arzzra/rtc_track/pkg/message"
	"github.com/arzzra/rtc_track/pkg/rtp"
	"github.com/arzzra/rtc_track/pkg/sdpmedia"
	"github.com/arzzra/rtc_track/pkg/track"
	"github.com/pion/rtcp"
	pionrtp "github.com/pion/rtp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

type options struct {
	transport   string
	mediaType   string
	mid         string
	packets     int
	interval    time.Duration
	payloadSize int
	mtu         int
	psk         string
	metricsAddr string
	logLevel    string
}

// endpoint транспорт, с которым работает loopback
type endpoint interface {
	track.MediaTransport
	Serve(ctx context.Context, deliver func(*message.Message)) error
	LocalAddr() net.Addr
	Statistics() rtp.TransportStatistics
	Close() error
}

// loopbackSession сессия с фиксированным MTU
type loopbackSession struct {
	mtu int
}

func (s loopbackSession) MTU() (int, bool) {
	return s.mtu, s.mtu > 0
}

func main() {
	var opts options
	pflag.StringVarP(&opts.transport, "transport", "t", "dtls", "Transport between the tracks (dtls, udp)")
	pflag.StringVarP(&opts.mediaType, "media", "m", "audio", "Media type of the track (audio, video)")
	pflag.StringVar(&opts.mid, "mid", "0", "Media identifier carried in the RTP MID extension")
	pflag.IntVarP(&opts.packets, "packets", "n", 50, "Number of RTP packets to send")
	pflag.DurationVarP(&opts.interval, "interval", "i", 20*time.Millisecond, "Interval between packets")
	pflag.IntVar(&opts.payloadSize, "payload-size", 160, "RTP payload size in bytes")
	pflag.IntVar(&opts.mtu, "mtu", track.DefaultMTU, "Path MTU reported by the session")
	pflag.StringVar(&opts.psk, "psk", "rtc-track-loopback", "DTLS pre-shared key")
	pflag.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	pflag.StringVarP(&opts.logLevel, "log-level", "l", "info", "Log level (trace, debug, info, warn, error)")
	pflag.Parse()

	logrus.SetFormatter(&prefixed.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
	level, err := logrus.ParseLevel(opts.logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q: %v\n", opts.logLevel, err)
		os.Exit(2)
	}
	logrus.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		logrus.WithError(err).Error("Loopback завершился с ошибкой")
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	logger := logrus.WithField("prefix", "loopback")

	registry := prometheus.NewRegistry()
	metrics := track.NewPrometheusMetrics(registry, track.DefaultMetricsConfig())
	if opts.metricsAddr != "" {
		go serveMetrics(opts.metricsAddr, registry, logger)
	}

	var server, client endpoint
	var err error
	switch opts.transport {
	case "dtls":
		server, client, err = connectDTLS(ctx, opts.psk)
	case "udp":
		server, client, err = connectUDP()
	default:
		err = fmt.Errorf("неизвестный транспорт %q", opts.transport)
	}
	if err != nil {
		return err
	}
	defer server.Close()
	defer client.Close()

	logger.WithFields(logrus.Fields{
		"server": server.LocalAddr(),
		"client": client.LocalAddr(),
		"transport": opts.transport,
	}).Info("Соединение установлено")

	session := track.NewRef[track.Session](loopbackSession{mtu: opts.mtu})
	defer session.Release()

	sender, err := newTrack(session, opts, rtp.DirectionSendOnly, metrics, "sender")
	if err != nil {
		return err
	}
	defer sender.Close()

	receiver, err := newTrack(session, opts, rtp.DirectionRecvOnly, metrics, "receiver")
	if err != nil {
		return err
	}
	defer receiver.Close()

	reports := handler.NewReceiverReportStage(0x52454356, 10, logger.WithField("prefix", "rtcp"))
	receiver.SetHandler(handler.NewChain(reports))

	var (
		receivedRTP  atomic.Int64
		receivedRTCP atomic.Int64
		lastSSRC     atomic.Uint32
	)
	receiver.OnMessage(func(msg *message.Message) {
		var packet pionrtp.Packet
		if err := packet.Unmarshal(msg.Data); err != nil {
			logger.WithError(err).Warn("Некорректный RTP пакет")
			return
		}
		receivedRTP.Add(1)
		lastSSRC.Store(packet.SSRC)
		logger.WithFields(logrus.Fields{
			"seq": packet.SequenceNumber,
			"mid": string(packet.GetExtension(uint8(receiver.MidExtensionID()))),
		}).Trace("RTP пакет получен")
	})
	sender.OnMessage(func(msg *message.Message) {
		packets, err := rtcp.Unmarshal(msg.Data)
		if err != nil {
			logger.WithError(err).Warn("Некорректный RTCP пакет")
			return
		}
		for _, p := range packets {
			receivedRTCP.Add(1)
			logger.WithField("type", fmt.Sprintf("%T", p)).Debug("RTCP пакет получен отправителем")
		}
	})

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go serve(serveCtx, client, sender, logger)
	go serve(serveCtx, server, receiver, logger)

	if err := sender.Open(track.NewRef[track.MediaTransport](client)); err != nil {
		return err
	}
	if err := receiver.Open(track.NewRef[track.MediaTransport](server)); err != nil {
		return err
	}

	if err := sendPackets(ctx, sender, opts, logger); err != nil {
		return err
	}

	// Запрос ключевого кадра от получателя
	pli := &rtcp.PictureLossIndication{SenderSSRC: 0x52454356, MediaSSRC: lastSSRC.Load()}
	data, err := pli.Marshal()
	if err != nil {
		return fmt.Errorf("ошибка сериализации PLI: %w", err)
	}
	if _, err := receiver.Send(message.NewControl(data)); err != nil {
		return fmt.Errorf("ошибка отправки PLI: %w", err)
	}

	// Ожидание доставки последних пакетов
	select {
	case <-ctx.Done():
	case <-time.After(200 * time.Millisecond):
	}

	stats := client.Statistics()
	logger.WithFields(logrus.Fields{
		"sent":          opts.packets,
		"received_rtp":  receivedRTP.Load(),
		"received_rtcp": receivedRTCP.Load(),
		"reports":       reports.Reports(),
		"bytes_sent":    stats.BytesSent,
		"max_message":   sender.MaxMessageSize(),
		"mid_ext_id":    sender.MidExtensionID(),
	}).Info("Loopback завершен")

	if opts.metricsAddr != "" {
		logger.Info("Метрики доступны до прерывания (Ctrl+C)")
		<-ctx.Done()
	}
	return nil
}

// connectDTLS поднимает DTLS сервер и клиент на localhost
func connectDTLS(ctx context.Context, psk string) (endpoint, endpoint, error) {
	config := rtp.DefaultDTLSTransportConfig()
	config.PSK = func([]byte) ([]byte, error) {
		return []byte(psk), nil
	}
	config.PSKIdentityHint = []byte("track_loopback")
	config.Logger = logrus.WithField("prefix", "dtls")

	server, err := rtp.ListenDTLS(config)
	if err != nil {
		return nil, nil, err
	}

	handshakeCtx, cancel := context.WithTimeout(ctx, config.HandshakeTimeout)
	defer cancel()

	accepted := make(chan error, 1)
	go func() { accepted <- server.Accept(handshakeCtx) }()

	clientConfig := config
	clientConfig.RemoteAddr = server.LocalAddr().String()
	client, err := rtp.NewDTLSTransportClient(handshakeCtx, clientConfig)
	if err != nil {
		server.Close()
		return nil, nil, err
	}

	if err := <-accepted; err != nil {
		client.Close()
		server.Close()
		return nil, nil, err
	}
	return server, client, nil
}

// connectUDP создает пару нешифрованных UDP транспортов на localhost
func connectUDP() (endpoint, endpoint, error) {
	config := rtp.DefaultUDPTransportConfig()
	config.Logger = logrus.WithField("prefix", "udp")

	server, err := rtp.NewUDPTransport(config)
	if err != nil {
		return nil, nil, err
	}

	config.RemoteAddr = server.LocalAddr().String()
	client, err := rtp.NewUDPTransport(config)
	if err != nil {
		server.Close()
		return nil, nil, err
	}

	if err := server.SetRemoteAddr(client.LocalAddr().String()); err != nil {
		client.Close()
		server.Close()
		return nil, nil, err
	}
	return server, client, nil
}

func newTrack(session *track.Ref[track.Session], opts options, dir rtp.Direction, metrics track.Metrics, name string) (*track.Track, error) {
	config := track.DefaultConfig()
	config.Metrics = metrics
	config.Logger = logrus.WithField("prefix", name)

	return track.New(session, sdpmedia.New(opts.mediaType, opts.mid, dir), config)
}

// serve передает входящие датаграммы транспорта в трек
func serve(ctx context.Context, transport endpoint, t *track.Track, logger *logrus.Entry) {
	if err := transport.Serve(ctx, t.Incoming); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).WithField("track", t.ID()).Warn("Чтение транспорта прервано")
	}
}

func sendPackets(ctx context.Context, sender *track.Track, opts options, logger *logrus.Entry) error {
	if opts.payloadSize > sender.MaxMessageSize()-rtp.FixedHeaderSize {
		logger.WithField("max", sender.MaxMessageSize()).Warn("Размер пакета превышает допустимый для MTU")
	}

	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()

	payload := make([]byte, opts.payloadSize)
	for i := 0; i < opts.packets; i++ {
		packet := &pionrtp.Packet{
			Header: pionrtp.Header{
				Version:        2,
				Marker:         i == 0,
				PayloadType:    111,
				SequenceNumber: uint16(i),
				Timestamp:      uint32(i) * 960,
				SSRC:           0x53454e44,
			},
			Payload: payload,
		}
		data, err := packet.Marshal()
		if err != nil {
			return fmt.Errorf("ошибка сериализации RTP: %w", err)
		}

		ok, err := sender.Send(message.NewBinary(data))
		if err != nil {
			return err
		}
		if !ok {
			logger.WithField("seq", i).Warn("Транспорт не принял пакет")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *logrus.Entry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	logger.WithField("addr", addr).Info("Prometheus метрики доступны на /metrics")
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Error("HTTP сервер метрик остановлен")
	}
}
