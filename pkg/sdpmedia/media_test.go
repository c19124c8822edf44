package sdpmedia

import (
	"strings"
	"testing"

	"github.com/arzzra/rtc_track/pkg/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSDP = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=extmap:1 urn:ietf:params:rtp-hdrext:ssrc-audio-level\r\n" +
	"a=extmap:4 urn:ietf:params:rtp-hdrext:sdes:mid\r\n" +
	"a=sendonly\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:1\r\n" +
	"a=recvonly\r\n" +
	"a=rtpmap:96 VP8/90000\r\n"

func TestNew(t *testing.T) {
	m := New("audio", "0", rtp.DirectionRecvOnly)

	assert.Equal(t, "audio", m.Type())
	assert.Equal(t, "0", m.Mid())
	assert.Equal(t, rtp.DirectionRecvOnly, m.Direction())
	assert.Empty(t, m.ExtMaps())
}

func TestParseMedia(t *testing.T) {
	audio, err := ParseMedia(testSDP, "0")
	require.NoError(t, err)
	assert.Equal(t, "audio", audio.Type())
	assert.Equal(t, rtp.DirectionSendOnly, audio.Direction())

	id, ok := audio.FindExtID(rtp.SDESMidURI)
	require.True(t, ok)
	assert.Equal(t, 4, id)

	video, err := ParseMedia(testSDP, "1")
	require.NoError(t, err)
	assert.Equal(t, "video", video.Type())
	assert.Equal(t, rtp.DirectionRecvOnly, video.Direction())
	_, ok = video.FindExtID(rtp.SDESMidURI)
	assert.False(t, ok)

	first, err := ParseMedia(testSDP, "")
	require.NoError(t, err)
	assert.Equal(t, "0", first.Mid())

	_, err = ParseMedia(testSDP, "7")
	assert.Error(t, err)

	_, err = ParseMedia("garbage", "0")
	assert.Error(t, err)
}

func TestMedia_DefaultDirection(t *testing.T) {
	raw := strings.Replace(testSDP, "a=recvonly\r\n", "", 1)
	video, err := ParseMedia(raw, "1")
	require.NoError(t, err)
	assert.Equal(t, rtp.DirectionSendRecv, video.Direction())
}

func TestMedia_SetDirection(t *testing.T) {
	m := New("video", "1", rtp.DirectionSendRecv)

	m.SetDirection(rtp.DirectionInactive)
	assert.Equal(t, rtp.DirectionInactive, m.Direction())

	count := 0
	for _, attr := range m.Attributes() {
		if _, err := rtp.ParseDirection(attr.Key); err == nil {
			count++
		}
	}
	assert.Equal(t, 1, count, "атрибут направления не дублируется")
	assert.Equal(t, "1", m.Mid())
}

func TestMedia_NextExtID(t *testing.T) {
	m := New("audio", "0", rtp.DirectionSendRecv)
	assert.Equal(t, 1, m.NextExtID())

	require.NoError(t, m.AddExtMap(1, "urn:ietf:params:rtp-hdrext:ssrc-audio-level"))
	require.NoError(t, m.AddExtMap(3, "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time"))
	assert.Equal(t, 2, m.NextExtID(), "заполняются пропуски")

	for id := 2; id <= MaxExtID; id++ {
		if id == 3 {
			continue
		}
		require.NoError(t, m.AddExtMap(id, "urn:example:ext:"+string(rune('a'+id))))
	}
	assert.Equal(t, 0, m.NextExtID(), "все идентификаторы заняты")
}

func TestMedia_AddExtMap(t *testing.T) {
	m := New("audio", "0", rtp.DirectionSendRecv)

	require.NoError(t, m.AddExtMap(2, rtp.SDESMidURI))
	require.NoError(t, m.AddExtMap(2, rtp.SDESMidURI), "идемпотентно")
	assert.Len(t, m.ExtMaps(), 1)

	assert.Error(t, m.AddExtMap(2, "urn:other"), "id занят")
	assert.Error(t, m.AddExtMap(5, rtp.SDESMidURI), "URI уже сопоставлен")
	assert.Error(t, m.AddExtMap(0, "urn:other"))
	assert.Error(t, m.AddExtMap(15, "urn:other"))
	assert.Error(t, m.AddExtMap(6, " "))

	id, ok := m.FindExtID(rtp.SDESMidURI)
	require.True(t, ok)
	assert.Equal(t, 2, id)
}

func TestMedia_Clone(t *testing.T) {
	m := New("audio", "0", rtp.DirectionSendRecv)
	c := m.Clone()

	require.NoError(t, c.AddExtMap(1, rtp.SDESMidURI))
	c.SetDirection(rtp.DirectionInactive)

	_, ok := m.FindExtID(rtp.SDESMidURI)
	assert.False(t, ok, "оригинал не изменился")
	assert.Equal(t, rtp.DirectionSendRecv, m.Direction())

	raw := m.Raw()
	raw.Attributes = nil
	assert.Equal(t, "0", m.Mid(), "Raw возвращает копию")

	var nilMedia *Media
	assert.Nil(t, nilMedia.Clone())
	assert.Nil(t, FromSDP(nil))
}
