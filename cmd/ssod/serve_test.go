package main

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		logger, err := newLogger(loggerConfig{Format: "json", Level: "info"})
		require.NoError(t, err)
		require.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
		require.Equal(t, logrus.InfoLevel, logger.Level)
	})

	t.Run("default level", func(t *testing.T) {
		logger, err := newLogger(loggerConfig{})
		require.NoError(t, err)
		require.Equal(t, logrus.InfoLevel, logger.Level)
	})

	t.Run("unknown level", func(t *testing.T) {
		_, err := newLogger(loggerConfig{Level: "not-a-level"})
		require.Error(t, err)
	})
}

func TestOpenStorage_MemoryIsDefault(t *testing.T) {
	store, err := openStorage(storageConfig{}, logrus.StandardLogger())
	require.NoError(t, err)
	require.NotNil(t, store)
	defer store.Close()

	_, err = store.GetService(context.Background(), "missing")
	require.Error(t, err)
}

func TestOpenStorage_UnknownTypeFails(t *testing.T) {
	_, err := openStorage(storageConfig{Type: "dynamodb"}, logrus.StandardLogger())
	require.Error(t, err)
}
