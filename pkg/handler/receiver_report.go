package handler

import (
	"cmp"
	"slices"
	"sync"

	"github.com/arzzra/rtc_track/pkg/message"
	"github.com/arzzra/rtc_track/pkg/sdpmedia"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
)

// DefaultReportInterval количество RTP пакетов между Receiver Report
const DefaultReportInterval = 100

const (
	// maxTotalLost максимум 24-битного знакового поля cumulative lost
	maxTotalLost = 0x7FFFFF
	// maxReportBlocks Receiver Report вмещает не более 31 блока
	maxReportBlocks = 31
	// maxSources ограничение числа отслеживаемых SSRC
	maxSources = 256
	// sourceExpiryReports источник без пакетов столько отчетов подряд забывается
	sourceExpiryReports = 3
)

// ReceiverReportStage входящая стадия, которая ведет статистику приема по
// SSRC (RFC 3550 Appendix A.3) и каждые Interval RTP пакетов отправляет
// RTCP Receiver Report напрямую в транспорт. Сообщения проходят без изменений.
type ReceiverReportStage struct {
	interval   int
	senderSSRC uint32
	logger     *logrus.Entry

	sources map[uint32]*sourceStats
	pending int
	reports uint64
	mutex   sync.Mutex
}

// sourceStats статистика приема одного источника
type sourceStats struct {
	baseSeq       uint16
	maxSeq        uint16
	cycles        uint32
	received      uint32
	expectedPrior uint32
	receivedPrior uint32
	lastRound     uint64 // Номер отчета, в интервал которого пришел последний пакет
}

var _ Handler = (*ReceiverReportStage)(nil)

// NewReceiverReportStage создает стадию. interval <= 0 заменяется DefaultReportInterval.
func NewReceiverReportStage(senderSSRC uint32, interval int, logger *logrus.Entry) *ReceiverReportStage {
	if interval <= 0 {
		interval = DefaultReportInterval
	}
	if logger == nil {
		logger = logrus.WithField("component", "receiver_report")
	}
	return &ReceiverReportStage{
		interval:   interval,
		senderSSRC: senderSSRC,
		logger:     logger,
		sources:    make(map[uint32]*sourceStats),
	}
}

func (s *ReceiverReportStage) Media(desc *sdpmedia.Media) {}

func (s *ReceiverReportStage) OutgoingChain(messages []*message.Message, send SendFunc) []*message.Message {
	return messages
}

// IncomingChain учитывает RTP пакеты и при необходимости отправляет отчет
func (s *ReceiverReportStage) IncomingChain(messages []*message.Message, send SendFunc) []*message.Message {
	var report *rtcp.ReceiverReport

	s.mutex.Lock()
	for _, m := range messages {
		if m == nil || m.Type == message.Control {
			continue
		}
		var header rtp.Header
		if _, err := header.Unmarshal(m.Data); err != nil {
			continue
		}
		s.update(header.SSRC, header.SequenceNumber)
		s.pending++
	}
	if s.pending >= s.interval {
		report = s.buildReport()
		s.pending = 0
		s.reports++
	}
	s.mutex.Unlock()

	if report != nil && send != nil {
		data, err := report.Marshal()
		if err != nil {
			s.logger.WithError(err).Warn("Не удалось сериализовать Receiver Report")
			return messages
		}
		send(message.NewControl(data))
	}
	return messages
}

// Reports возвращает количество отправленных отчетов
func (s *ReceiverReportStage) Reports() uint64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.reports
}

// update обновляет статистику источника. Вызывается под мьютексом.
func (s *ReceiverReportStage) update(ssrc uint32, seq uint16) {
	src, ok := s.sources[ssrc]
	if !ok {
		if len(s.sources) >= maxSources {
			s.evictIdlest()
		}
		s.sources[ssrc] = &sourceStats{baseSeq: seq, maxSeq: seq, received: 1, lastRound: s.reports}
		return
	}
	src.lastRound = s.reports

	// Переход через 0 определяется по малой положительной разнице
	// номеров (RFC 3550 Appendix A.1)
	delta := seq - src.maxSeq
	if delta != 0 && delta < 0x8000 {
		if seq < src.maxSeq {
			src.cycles += 1 << 16
		}
		src.maxSeq = seq
	}
	src.received++
}

// evictIdlest удаляет источник, дольше всех не присылавший пакетов
func (s *ReceiverReportStage) evictIdlest() {
	var (
		victim uint32
		oldest *sourceStats
	)
	for ssrc, src := range s.sources {
		if oldest == nil || src.lastRound < oldest.lastRound ||
			(src.lastRound == oldest.lastRound && ssrc < victim) {
			victim, oldest = ssrc, src
		}
	}
	if oldest != nil {
		delete(s.sources, victim)
		s.logger.WithField("ssrc", victim).Debug("Источник вытеснен из статистики приема")
	}
}

// buildReport собирает Receiver Report по активным источникам, начиная с
// недавно активных. Источники без пакетов за sourceExpiryReports отчетов
// удаляются. Вызывается под мьютексом.
func (s *ReceiverReportStage) buildReport() *rtcp.ReceiverReport {
	report := &rtcp.ReceiverReport{SSRC: s.senderSSRC}

	ssrcs := make([]uint32, 0, len(s.sources))
	for ssrc, src := range s.sources {
		if s.reports-src.lastRound >= sourceExpiryReports {
			delete(s.sources, ssrc)
			s.logger.WithField("ssrc", ssrc).Debug("Источник без пакетов удален из статистики приема")
			continue
		}
		ssrcs = append(ssrcs, ssrc)
	}
	slices.SortFunc(ssrcs, func(a, b uint32) int {
		if c := cmp.Compare(s.sources[b].lastRound, s.sources[a].lastRound); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})

	for _, ssrc := range ssrcs {
		src := s.sources[ssrc]
		extendedMax := src.cycles | uint32(src.maxSeq)
		expected := extendedMax - uint32(src.baseSeq) + 1

		lost := int64(expected) - int64(src.received)
		if lost < 0 {
			lost = 0
		}
		if lost > maxTotalLost {
			lost = maxTotalLost
		}

		expectedInterval := expected - src.expectedPrior
		receivedInterval := src.received - src.receivedPrior
		src.expectedPrior = expected
		src.receivedPrior = src.received

		var fraction uint8
		if lostInterval := int64(expectedInterval) - int64(receivedInterval); expectedInterval > 0 && lostInterval > 0 {
			fraction = uint8(min((lostInterval<<8)/int64(expectedInterval), 255))
		}

		report.Reports = append(report.Reports, rtcp.ReceptionReport{
			SSRC:               ssrc,
			FractionLost:       fraction,
			TotalLost:          uint32(lost),
			LastSequenceNumber: extendedMax,
		})

		if len(report.Reports) == maxReportBlocks {
			break
		}
	}
	return report
}
