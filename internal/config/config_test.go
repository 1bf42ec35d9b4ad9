package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `
llm:
  provider: local
  base_url: http://127.0.0.1:8080/v1
  model: llama-3.2
  stop: ["<|eot_id|>"]
server:
  host: 127.0.0.1
  port: "9000"
storage:
  output_dir: /tmp/chatrelay-out
analysis:
  url: http://analysis:8001/analyze
  dispatch_timeout: 500ms
  mode: llm
blob:
  dir: /tmp/chatrelay-blob
`

// TestLoad_File verifies that Load correctly unmarshals a YAML config file.
func TestLoad_File(t *testing.T) {
	// Write config to temp file
	tmp, err := os.CreateTemp(t.TempDir(), "cfg-*.yaml")
	if err != nil {
		t.Fatalf("temp file: %v", err)
	}
	if _, err := tmp.WriteString(sampleConfig); err != nil {
		t.Fatalf("write: %v", err)
	}
	tmp.Close()

	t.Setenv("CONFIG_PATH", tmp.Name())

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "local", cfg.LLM.Provider)
	require.Equal(t, "http://127.0.0.1:8080/v1", cfg.LLM.BaseURL)
	require.Equal(t, []string{"<|eot_id|>"}, cfg.LLM.Stop)
	require.Equal(t, "9000", cfg.Server.Port)
	require.Equal(t, 500*time.Millisecond, cfg.Analysis.DispatchTimeout)
	require.Equal(t, 2*time.Minute, cfg.Analysis.RunTimeout)
	require.Equal(t, "llm", cfg.Analysis.Mode)

	// untouched keys keep their defaults
	require.Equal(t, 4, cfg.Analysis.MinMessages)
	require.Equal(t, 3, cfg.Analysis.Interval)
	require.Equal(t, "Max", cfg.Analysis.SpeakerUser)
	require.Equal(t, "Moritz", cfg.Analysis.SpeakerAssistant)
	require.Len(t, cfg.Analysis.Labels, 6)

	// derived paths
	require.Equal(t, filepath.Join("/tmp/chatrelay-blob", "templates"), cfg.Storage.TemplateDir)
	require.Equal(t, filepath.Join("/tmp/chatrelay-out", "sessions.db"), cfg.Storage.IndexDB)
}

func TestLoad_EnvOverrides(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("CHATRELAY_SERVER_PORT", "7000")
	t.Setenv("CHATRELAY_LLM_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "7000", cfg.Server.Port)
	require.Equal(t, "sk-test", cfg.LLM.APIKey)
	require.Equal(t, "openai", cfg.LLM.Provider)
	require.Equal(t, "output_data", cfg.Storage.OutputDir)
}
