package logger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "chatty"})
	require.Error(t, err)
}

func TestWithContextAddsRequestID(t *testing.T) {
	out := filepath.Join(t.TempDir(), "log.json")
	_, err := Init(Config{Level: "debug", OutputPaths: []string{out}})
	require.NoError(t, err)

	ctx := WithRequest(context.Background(), "req-42")
	WithContext(ctx).Info("hello")
	_ = Sync()

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"request_id":"req-42"`)
	assert.Contains(t, string(data), `"message":"hello"`)
}
