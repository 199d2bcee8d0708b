package logger

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestSetOutput 测试输出重定向
func TestSetOutput(t *testing.T) {
	buf := &bytes.Buffer{}
	SetOutput(buf)

	log := Logger("test/output")
	SetLevel("test/output", slog.LevelDebug)
	log.Info("test message", "key", "value")

	output := buf.String()
	assert.Contains(t, output, "test message")
	assert.Contains(t, output, "key=value")
	assert.Contains(t, output, "subsystem=test/output")
}

// TestSetLevel 测试动态调整级别
func TestSetLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	SetOutput(buf)

	log := Logger("test/level")
	SetLevel("test/level", slog.LevelWarn)
	log.Info("hidden")
	assert.NotContains(t, buf.String(), "hidden")

	// 派生的 Logger 共享级别
	child := log.With("peer", "abc")
	SetLevel("test/level", slog.LevelDebug)
	child.Debug("visible")
	assert.Contains(t, buf.String(), "visible")
	assert.Contains(t, buf.String(), "peer=abc")
}

// TestParseConfig 测试环境变量配置解析
func TestParseConfig(t *testing.T) {
	cfg := ParseConfig("core=debug, core/peer=error,warn", "json", "true")

	assert.Equal(t, slog.LevelWarn, cfg.DefaultLevel)
	assert.Equal(t, slog.LevelError, cfg.LevelForSubsystem("core/peer"))
	assert.Equal(t, slog.LevelDebug, cfg.LevelForSubsystem("core/multicast"))
	assert.Equal(t, slog.LevelWarn, cfg.LevelForSubsystem("host"))
	assert.Equal(t, FormatJSON, cfg.Format)
	assert.True(t, cfg.AddSource)

	empty := ParseConfig("", "", "")
	assert.Equal(t, slog.LevelInfo, empty.DefaultLevel)
	assert.Equal(t, FormatText, empty.Format)
	assert.False(t, empty.AddSource)
}

// TestDiscard 测试丢弃 Logger
func TestDiscard(t *testing.T) {
	log := Discard()
	log.Error("nothing")
	assert.False(t, log.Enabled(context.Background(), slog.LevelError))
}
