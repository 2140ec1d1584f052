package logger

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestNew_DefaultsOnBadLevel(t *testing.T) {
	l := New(Config{Level: "not-a-level", Format: "text"})
	require.Equal(t, logrus.InfoLevel, l.GetLevel())
}

func TestNew_JSONFormat(t *testing.T) {
	l := New(Config{Level: "debug", Format: "json"})
	_, ok := l.Formatter.(*logrus.JSONFormatter)
	require.True(t, ok)
}

func TestDiscard_NeverPanics(t *testing.T) {
	l := Discard()
	require.NotPanics(t, func() {
		l.Info("ignored")
	})
}

func TestWithContext_CarriesRequestID(t *testing.T) {
	l := New(Config{})
	ctx := ContextWithRequestID(context.Background(), "req-1")
	entry := l.WithContext(ctx)
	require.Equal(t, "req-1", entry.Data["request_id"])
}

func TestWithContext_NoRequestID(t *testing.T) {
	l := New(Config{})
	entry := l.WithContext(context.Background())
	_, ok := entry.Data["request_id"]
	require.False(t, ok)
}

func TestComponent(t *testing.T) {
	l := New(Config{})
	entry := l.Component("health")
	require.Equal(t, "health", entry.Data["component"])
}
