package handler

import (
	"testing"

	"github.com/arzzra/rtc_track/pkg/message"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rtpMessage(t *testing.T, ssrc uint32, seq uint16) *message.Message {
	t.Helper()
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    111,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 960,
			SSRC:           ssrc,
		},
		Payload: []byte{0xde, 0xad},
	}
	data, err := pkt.Marshal()
	require.NoError(t, err)
	return message.NewBinary(data)
}

func TestReceiverReportStage_EmitsReport(t *testing.T) {
	stage := NewReceiverReportStage(0x1111, 4, nil)

	var sent []*message.Message
	send := func(m *message.Message) { sent = append(sent, m) }

	// Пакет 3 потерян
	for _, seq := range []uint16{1, 2, 4} {
		batch := []*message.Message{rtpMessage(t, 0xCAFE, seq)}
		out := stage.IncomingChain(batch, send)
		assert.Equal(t, batch, out, "сообщения проходят без изменений")
	}
	assert.Empty(t, sent)

	stage.IncomingChain([]*message.Message{rtpMessage(t, 0xCAFE, 5)}, send)
	require.Len(t, sent, 1)
	assert.Equal(t, message.Control, sent[0].Type)
	assert.Equal(t, uint64(1), stage.Reports())

	packets, err := rtcp.Unmarshal(sent[0].Data)
	require.NoError(t, err)
	require.Len(t, packets, 1)

	rr, ok := packets[0].(*rtcp.ReceiverReport)
	require.True(t, ok)
	assert.Equal(t, uint32(0x1111), rr.SSRC)
	require.Len(t, rr.Reports, 1)
	assert.Equal(t, uint32(0xCAFE), rr.Reports[0].SSRC)
	assert.Equal(t, uint32(5), rr.Reports[0].LastSequenceNumber)
	assert.Equal(t, uint32(1), rr.Reports[0].TotalLost)
	assert.Equal(t, uint8(256/5), rr.Reports[0].FractionLost)
}

func TestReceiverReportStage_SequenceWrap(t *testing.T) {
	stage := NewReceiverReportStage(1, 4, nil)

	var sent []*message.Message
	batch := []*message.Message{
		rtpMessage(t, 7, 65534),
		rtpMessage(t, 7, 65535),
		rtpMessage(t, 7, 0),
		rtpMessage(t, 7, 1),
	}
	stage.IncomingChain(batch, func(m *message.Message) { sent = append(sent, m) })
	require.Len(t, sent, 1)

	packets, err := rtcp.Unmarshal(sent[0].Data)
	require.NoError(t, err)
	rr := packets[0].(*rtcp.ReceiverReport)
	require.Len(t, rr.Reports, 1)
	assert.Equal(t, uint32(1<<16|1), rr.Reports[0].LastSequenceNumber)
	assert.Zero(t, rr.Reports[0].TotalLost)
}

func reportedSources(t *testing.T, m *message.Message) []uint32 {
	t.Helper()
	packets, err := rtcp.Unmarshal(m.Data)
	require.NoError(t, err)
	rr, ok := packets[0].(*rtcp.ReceiverReport)
	require.True(t, ok)

	var ssrcs []uint32
	for _, r := range rr.Reports {
		ssrcs = append(ssrcs, r.SSRC)
	}
	return ssrcs
}

func TestReceiverReportStage_ExpiresIdleSources(t *testing.T) {
	stage := NewReceiverReportStage(1, 2, nil)

	var sent []*message.Message
	send := func(m *message.Message) { sent = append(sent, m) }

	stage.IncomingChain([]*message.Message{rtpMessage(t, 0xA, 1), rtpMessage(t, 0xB, 1)}, send)
	require.Len(t, sent, 1)
	assert.Equal(t, []uint32{0xA, 0xB}, reportedSources(t, sent[0]))

	// Дальше пакеты приходят только от 0xB
	seq := uint16(2)
	for i := 0; i < sourceExpiryReports; i++ {
		stage.IncomingChain([]*message.Message{rtpMessage(t, 0xB, seq), rtpMessage(t, 0xB, seq+1)}, send)
		seq += 2
	}
	require.Len(t, sent, 1+sourceExpiryReports)

	// Недавно активный источник идет первым
	assert.Equal(t, []uint32{0xB, 0xA}, reportedSources(t, sent[sourceExpiryReports-1]))
	assert.Equal(t, []uint32{0xB}, reportedSources(t, sent[sourceExpiryReports]))
}

func TestReceiverReportStage_SourceLimit(t *testing.T) {
	stage := NewReceiverReportStage(1, maxSources+10, nil)

	var sent []*message.Message
	send := func(m *message.Message) { sent = append(sent, m) }

	for ssrc := uint32(1); ssrc <= maxSources+9; ssrc++ {
		stage.IncomingChain([]*message.Message{rtpMessage(t, ssrc, 1)}, send)
	}
	stage.mutex.Lock()
	assert.Len(t, stage.sources, maxSources)
	_, firstKept := stage.sources[1]
	_, lastKept := stage.sources[maxSources+9]
	stage.mutex.Unlock()
	assert.False(t, firstKept, "вытесняется самый давний источник")
	assert.True(t, lastKept)

	stage.IncomingChain([]*message.Message{rtpMessage(t, maxSources+9, 2)}, send)
	require.Len(t, sent, 1)
	ssrcs := reportedSources(t, sent[0])
	require.Len(t, ssrcs, maxReportBlocks)
	// Одинаково активные источники упорядочены по SSRC
	assert.Equal(t, uint32(10), ssrcs[0])
	assert.Equal(t, uint32(10+maxReportBlocks-1), ssrcs[maxReportBlocks-1])
}

func TestReceiverReportStage_IgnoresControlAndGarbage(t *testing.T) {
	stage := NewReceiverReportStage(1, 1, nil)

	var sent int
	send := func(*message.Message) { sent++ }

	stage.IncomingChain([]*message.Message{
		message.NewControl([]byte{0x80, 200, 0, 6}),
		message.NewBinary([]byte{0x80}),
		nil,
	}, send)
	assert.Zero(t, sent)
	assert.Zero(t, stage.Reports())

	// Исходящие не учитываются
	out := stage.OutgoingChain([]*message.Message{rtpMessage(t, 1, 1)}, send)
	assert.Len(t, out, 1)
	assert.Zero(t, sent)
}

func TestReceiverReportStage_InChain(t *testing.T) {
	stage := NewReceiverReportStage(9, 2, nil)
	chain := NewChain(&Func{}, stage)

	var sent []*message.Message
	out := chain.IncomingChain([]*message.Message{
		rtpMessage(t, 3, 10),
		rtpMessage(t, 3, 11),
	}, func(m *message.Message) { sent = append(sent, m) })

	assert.Len(t, out, 2)
	require.Len(t, sent, 1)
	assert.True(t, len(sent[0].Data) >= 8)
}
