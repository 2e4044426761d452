package logger

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		level string
		env   string
		want  zerolog.Level
	}{
		{"info", "production", zerolog.InfoLevel},
		{"WARN", "production", zerolog.WarnLevel},
		{"garbage", "production", zerolog.InfoLevel},
		{"", "production", zerolog.InfoLevel},
		{"info", "development", zerolog.DebugLevel},
		{"trace", "development", zerolog.TraceLevel},
	}
	for _, tt := range tests {
		l := New(tt.level, tt.env)
		assert.Equal(t, tt.want, l.GetLevel(), "%s/%s", tt.level, tt.env)
	}
}
