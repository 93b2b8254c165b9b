package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dedupgw/dedupgw/internal/blob"
	"github.com/dedupgw/dedupgw/internal/config"
	"github.com/dedupgw/dedupgw/internal/meta"
)

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "dedupgw dev")
}

func TestSetupLogging(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg := config.Default()
	cfg.LogLevel = "warn"
	setupLogging(cfg)
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

	logLevel = "debug"
	defer func() { logLevel = "" }()
	setupLogging(cfg)
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())

	logLevel = "bogus"
	setupLogging(nil)
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}

func TestOpenBackendLocal(t *testing.T) {
	ctx := context.Background()
	for _, backend := range []string{config.BackendFS, config.BackendPebble} {
		t.Run(backend, func(t *testing.T) {
			cfg, err := config.ParseServerConfig([]byte("data_dir: " + t.TempDir() + "\nblob:\n  backend: " + backend + "\n"))
			require.NoError(t, err)

			b, closer, err := openBackend(ctx, cfg)
			require.NoError(t, err)
			defer func() { _ = closer.Close() }()

			path := blob.StoragePath(blob.ContentHash([]byte("x")))
			require.NoError(t, b.Put(ctx, path, []byte("x"), ""))
			got, err := b.Get(ctx, path)
			require.NoError(t, err)
			assert.Equal(t, "x", string(got))
		})
	}
}

func TestOpenBackendUnknown(t *testing.T) {
	cfg := config.Default()
	cfg.Blob.Backend = "tape"
	_, _, err := openBackend(context.Background(), cfg)
	assert.Error(t, err)
}

func TestPrintStats(t *testing.T) {
	r := statsReport{
		Stats: meta.Stats{Buckets: 1, Entries: 4, Blobs: 1, References: 4, PhysicalBytes: 1024, LogicalBytes: 4096},
		Discrepancies: []meta.Discrepancy{
			{BlobID: 1, Hash: "abc", RefCount: 5, Bindings: 4},
		},
	}
	r.SavedBytes = r.Stats.SavedBytes()

	var out bytes.Buffer
	require.NoError(t, printStats(&out, r, true))
	s := out.String()
	assert.Contains(t, s, "Keys:")
	assert.Contains(t, s, "3.00 KiB (75.0%)")
	assert.Contains(t, s, "1 blob(s) with wrong reference counts")
	assert.Contains(t, s, "ref_count=5 bindings=4")
}

func TestStatsCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dedupgw.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: "+dir+"\n"), 0o600))

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"stats", "--config", path, "--audit"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "Blobs:")
	assert.Contains(t, out.String(), "Audit:")
}
