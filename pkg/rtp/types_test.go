package rtp

import (
	"testing"
)

func TestDirection_String(t *testing.T) {
	tests := []struct {
		name      string
		direction Direction
		want      string
	}{
		{
			name:      "SendRecv",
			direction: DirectionSendRecv,
			want:      "sendrecv",
		},
		{
			name:      "SendOnly",
			direction: DirectionSendOnly,
			want:      "sendonly",
		},
		{
			name:      "RecvOnly",
			direction: DirectionRecvOnly,
			want:      "recvonly",
		},
		{
			name:      "Inactive",
			direction: DirectionInactive,
			want:      "inactive",
		},
		{
			name:      "Unknown",
			direction: Direction(999),
			want:      "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.direction.String()
			if got != tt.want {
				t.Errorf("Direction.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDirection_CanSend(t *testing.T) {
	tests := []struct {
		name      string
		direction Direction
		want      bool
	}{
		{
			name:      "SendRecv can send",
			direction: DirectionSendRecv,
			want:      true,
		},
		{
			name:      "SendOnly can send",
			direction: DirectionSendOnly,
			want:      true,
		},
		{
			name:      "RecvOnly cannot send",
			direction: DirectionRecvOnly,
			want:      false,
		},
		{
			name:      "Inactive cannot send",
			direction: DirectionInactive,
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.direction.CanSend()
			if got != tt.want {
				t.Errorf("Direction.CanSend() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDirection_CanReceive(t *testing.T) {
	tests := []struct {
		name      string
		direction Direction
		want      bool
	}{
		{
			name:      "SendRecv can receive",
			direction: DirectionSendRecv,
			want:      true,
		},
		{
			name:      "SendOnly cannot receive",
			direction: DirectionSendOnly,
			want:      false,
		},
		{
			name:      "RecvOnly can receive",
			direction: DirectionRecvOnly,
			want:      true,
		},
		{
			name:      "Inactive cannot receive",
			direction: DirectionInactive,
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.direction.CanReceive()
			if got != tt.want {
				t.Errorf("Direction.CanReceive() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseDirection(t *testing.T) {
	for _, d := range []Direction{DirectionSendRecv, DirectionSendOnly, DirectionRecvOnly, DirectionInactive} {
		got, err := ParseDirection(d.String())
		if err != nil {
			t.Fatalf("ParseDirection(%q) вернул ошибку: %v", d.String(), err)
		}
		if got != d {
			t.Errorf("ParseDirection(%q) = %v, want %v", d.String(), got, d)
		}
	}

	if _, err := ParseDirection("sideways"); err == nil {
		t.Error("ожидалась ошибка для неизвестного направления")
	}
}

func TestDSCPForMedia(t *testing.T) {
	if got := DSCPForMedia("audio"); got != DSCPExpeditedForwarding {
		t.Errorf("DSCPForMedia(audio) = %d, want %d", got, DSCPExpeditedForwarding)
	}
	if got := DSCPForMedia("video"); got != DSCPAssuredForwarding42 {
		t.Errorf("DSCPForMedia(video) = %d, want %d", got, DSCPAssuredForwarding42)
	}
	if got := DSCPForMedia("application"); got != DSCPAssuredForwarding42 {
		t.Errorf("DSCPForMedia(application) = %d, want %d", got, DSCPAssuredForwarding42)
	}
}
