package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseStreamID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		ms   int64
		seq  int64
	}{
		{"full", "1712345678901-3", 1712345678901, 3},
		{"no seq", "1712345678901", 1712345678901, 0},
		{"zero", "0-0", 0, 0},
		{"garbage", "not-an-id", 0, 0},
		{"empty", "", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms, seq := ParseStreamID(tt.id)
			assert.Equal(t, tt.ms, ms)
			assert.Equal(t, tt.seq, seq)
		})
	}
}

func TestStreamIDAfter(t *testing.T) {
	tests := []struct {
		name  string
		a, b  string
		after bool
	}{
		{"later ms", "200-0", "100-5", true},
		{"earlier ms", "100-5", "200-0", false},
		{"same ms later seq", "100-2", "100-1", true},
		{"same ms same seq", "100-1", "100-1", false},
		{"same ms earlier seq", "100-1", "100-2", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.after, StreamIDAfter(tt.a, tt.b))
		})
	}
}
