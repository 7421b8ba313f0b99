package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateWithNilConfigUsesDefaults(t *testing.T) {
	log := Create(nil)
	require.NotNil(t, log)
	assert.NotEqual(t, zerolog.Disabled, log.GetLevel())
}

func TestCreateWritesToFile(t *testing.T) {
	dir := t.TempDir()
	log := Create(&Config{
		FileConfig: &FileConfig{Dirname: dir, Filename: "gateway.log"},
		MinLevel:   "debug",
	})

	log.Info().Str("component", "test").Msg("file sink check")

	data, err := os.ReadFile(filepath.Join(dir, "gateway.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "file sink check")
}
