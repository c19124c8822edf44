package rtp

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/arzzra/rtc_track/pkg/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// udpPair создает два UDP транспорта, направленных друг на друга
func udpPair(t *testing.T) (a, b *UDPTransport) {
	t.Helper()

	a, err := NewUDPTransport(DefaultUDPTransportConfig())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	config := DefaultUDPTransportConfig()
	config.RemoteAddr = a.LocalAddr().String()
	b, err = NewUDPTransport(config)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	require.NoError(t, a.SetRemoteAddr(b.LocalAddr().String()))
	return a, b
}

func TestUDPTransportConfig_Validate(t *testing.T) {
	config := DefaultUDPTransportConfig()
	assert.NoError(t, config.Validate())

	config.LocalAddr = ""
	assert.Error(t, config.Validate())

	config = DefaultUDPTransportConfig()
	config.BufferSize = -1
	assert.Error(t, config.Validate())

	_, err := NewUDPTransport(UDPTransportConfig{})
	assert.Error(t, err)
}

func TestUDPTransport_SendMediaLoopback(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, b := udpPair(t)

	received := make(chan *message.Message, 4)
	go func() { _ = a.Serve(ctx, func(m *message.Message) { received <- m }) }()

	rtpPacket := buildPacket(t, nil, []byte{0x01, 0x02, 0x03})
	rtcpPacket := []byte{0x80, 201, 0x00, 0x01, 0x11, 0x22, 0x33, 0x44}

	require.True(t, b.SendMedia(&message.Message{Type: message.Binary, Data: rtpPacket, DSCP: DSCPExpeditedForwarding}))
	require.True(t, b.SendMedia(&message.Message{Type: message.Control, Data: rtcpPacket, DSCP: DSCPAssuredForwarding42}))

	for _, want := range []struct {
		data []byte
		typ  message.Type
	}{
		{rtpPacket, message.Binary},
		{rtcpPacket, message.Control},
	} {
		select {
		case m := <-received:
			assert.Equal(t, want.typ, m.Type)
			assert.Equal(t, want.data, m.Data)
		case <-ctx.Done():
			t.Fatal("пакет не получен")
		}
	}

	assert.Equal(t, uint64(2), b.Statistics().PacketsSent)
	assert.Equal(t, uint64(2), a.Statistics().PacketsReceived)
}

func TestUDPTransport_LearnsRemoteAddr(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	server, err := NewUDPTransport(DefaultUDPTransportConfig())
	require.NoError(t, err)
	defer server.Close()
	assert.Nil(t, server.RemoteAddr())
	assert.False(t, server.SendMedia(message.NewBinary(make([]byte, 12))), "удаленный адрес неизвестен")

	config := DefaultUDPTransportConfig()
	config.RemoteAddr = server.LocalAddr().String()
	client, err := NewUDPTransport(config)
	require.NoError(t, err)
	defer client.Close()

	received := make(chan struct{}, 1)
	go func() { _ = server.Serve(ctx, func(*message.Message) { received <- struct{}{} }) }()

	require.True(t, client.SendMedia(message.NewBinary(buildPacket(t, nil, []byte{1}))))
	select {
	case <-received:
	case <-ctx.Done():
		t.Fatal("пакет не получен")
	}

	require.NotNil(t, server.RemoteAddr())
	assert.Equal(t, client.LocalAddr().String(), server.RemoteAddr().String())
}

func TestUDPTransport_PacketSize(t *testing.T) {
	_, b := udpPair(t)

	assert.False(t, b.SendMedia(message.NewBinary([]byte{0x80, 0x00})), "меньше минимального размера")
	assert.False(t, b.SendMedia(message.NewBinary(make([]byte, MaxPacketSize+1))))
	assert.Equal(t, uint64(2), b.Statistics().ErrorsSend)

	require.NoError(t, b.Close())
	assert.NoError(t, b.Close())
	assert.False(t, b.IsActive())
	assert.False(t, b.SendMedia(message.NewBinary(make([]byte, 12))))
}

func TestClassifyNetworkError(t *testing.T) {
	assert.Nil(t, classifyNetworkError("op", nil))

	timeout := &net.OpError{Op: "read", Err: &timeoutError{}}
	var classified *ClassifiedError
	require.True(t, errors.As(classifyNetworkError("read", timeout), &classified))
	assert.Equal(t, ErrorTypeTimeout, classified.Type)
	assert.True(t, classified.Retryable)

	require.True(t, errors.As(classifyNetworkError("write", errors.New("connection refused")), &classified))
	assert.Equal(t, ErrorTypeConnection, classified.Type)

	require.True(t, errors.As(classifyNetworkError("write", errors.New("permission denied")), &classified))
	assert.Equal(t, ErrorTypePermanent, classified.Type)
	assert.False(t, classified.Retryable)
	assert.Contains(t, classified.Error(), "permanent")
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
