package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/dedupgw/dedupgw/testutil"
)

func TestLoadServerConfig(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
listen: "127.0.0.1:9000"
data_dir: "/srv/dedupgw"
log_level: debug
logging:
  format: json
auth:
  access_key: "minioadmin"
  secret_key: "minioadmin"
blob:
  backend: minio
  minio:
    endpoint: "minio:9000"
    bucket: "dedup-store"
    insecure: true
presign:
  default_expiry: 10m
limits:
  max_object_size: 512MB
buckets:
  auto_create: false
`
	configPath := testutil.TempFile(t, dir, "server.yaml", content)

	cfg, err := LoadServerConfig(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, BackendMinio, cfg.Blob.Backend)
	assert.Equal(t, "minio:9000", cfg.Blob.Minio.Endpoint)
	assert.True(t, cfg.Blob.Minio.Insecure)
	assert.Equal(t, 10*time.Minute, cfg.Presign.DefaultExpiry)
	assert.Equal(t, 512*MiB, cfg.Limits.MaxObjectSize)
	assert.False(t, cfg.Buckets.AutoCreateEnabled())
	assert.Equal(t, "/srv/dedupgw/metadata.db", cfg.Metadata.DSN)
	assert.Equal(t, "minioadmin", cfg.Presign.Secret)
}

func TestLoadServerConfig_Defaults(t *testing.T) {
	cfg, err := ParseServerConfig([]byte(`auth: {access_key: a, secret_key: s}`))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "/var/lib/dedupgw", cfg.DataDir)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.True(t, cfg.Auth.IsEnabled())
	assert.Equal(t, "sqlite", cfg.Metadata.Driver)
	assert.Equal(t, BackendFS, cfg.Blob.Backend)
	assert.Equal(t, "/var/lib/dedupgw/blobs", cfg.Blob.FS.Dir)
	assert.Equal(t, time.Hour, cfg.Presign.DefaultExpiry)
	assert.Equal(t, 7*24*time.Hour, cfg.Presign.MaxExpiry)
	assert.True(t, cfg.Metrics.IsEnabled())
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, 5*GiB, cfg.Limits.MaxObjectSize)
	assert.Equal(t, 10*MiB, cfg.Admin.TraceBuffer)
	assert.Empty(t, cfg.Admin.Listen)
	assert.True(t, cfg.Buckets.AutoCreateEnabled())
	require.NoError(t, cfg.Validate())
}

func TestLoadServerConfig_FileNotFound(t *testing.T) {
	_, err := LoadServerConfig("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoadServerConfig_InvalidYAML(t *testing.T) {
	_, err := ParseServerConfig([]byte("listen: [unclosed"))
	assert.Error(t, err)
}

func TestLoadServerConfig_ExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	cfg, err := ParseServerConfig([]byte(`data_dir: "~/dedup"`))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "dedup"), cfg.DataDir)
	assert.Equal(t, filepath.Join(home, "dedup", "blobs"), cfg.Blob.FS.Dir)
}

func TestLoadServerConfig_EnvOverrides(t *testing.T) {
	t.Setenv(EnvAccessKey, "env-access")
	t.Setenv(EnvSecretKey, "env-secret")

	cfg, err := ParseServerConfig([]byte(`auth: {access_key: file, secret_key: file}`))
	require.NoError(t, err)
	assert.Equal(t, "env-access", cfg.Auth.AccessKey)
	assert.Equal(t, "env-secret", cfg.Auth.SecretKey)
	assert.Equal(t, "env-secret", cfg.Presign.Secret)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"auth disabled needs no keys", "auth: {enabled: false}", ""},
		{"missing credentials", "auth: {enabled: true}", "access_key"},
		{"bad listen", "listen: nope\nauth: {enabled: false}", "listen"},
		{"unknown backend", "auth: {enabled: false}\nblob: {backend: tape}", "blob.backend"},
		{"s3 needs bucket", "auth: {enabled: false}\nblob: {backend: s3}", "blob.s3.bucket"},
		{"minio needs endpoint", "auth: {enabled: false}\nblob: {backend: minio}", "blob.minio"},
		{"unsupported driver", "auth: {enabled: false}\nmetadata: {driver: postgres}", "metadata.driver"},
		{"expiry order", "auth: {enabled: false}\npresign: {default_expiry: 2h, max_expiry: 1h}", "max_expiry"},
		{"metrics path", "auth: {enabled: false}\nmetrics: {path: metrics}", "metrics.path"},
		{"admin listener", "auth: {enabled: false}\nadmin: {listen: '127.0.0.1:9091'}", ""},
		{"bad admin listen", "auth: {enabled: false}\nadmin: {listen: nope}", "admin.listen"},
		{"admin on api port", "auth: {enabled: false}\nlisten: ':9000'\nadmin: {listen: ':9000'}", "must differ"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseServerConfig([]byte(tt.yaml))
			require.NoError(t, err)
			err = cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in      string
		want    ByteSize
		wantErr bool
	}{
		{"1024", 1024, false},
		{"1KB", KiB, false},
		{"100MB", 100 * MiB, false},
		{"1.5GiB", GiB + GiB/2, false},
		{"10Gi", 10 * GiB, false},
		{" 2 tb ", 2 * TiB, false},
		{"", 0, true},
		{"-5MB", 0, true},
		{"10 parsecs", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseByteSize(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

func TestByteSizeYAML(t *testing.T) {
	var v struct {
		A ByteSize `yaml:"a"`
		B ByteSize `yaml:"b"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("a: 4096\nb: 2MB\n"), &v))
	assert.Equal(t, ByteSize(4096), v.A)
	assert.Equal(t, 2*MiB, v.B)

	assert.Error(t, yaml.Unmarshal([]byte("a: [1, 2]\n"), &v))
	assert.Error(t, yaml.Unmarshal([]byte("a: lots\n"), &v))

	out, err := yaml.Marshal(map[string]ByteSize{"size": 3 * MiB})
	require.NoError(t, err)
	assert.Equal(t, "size: 3.00 MiB\n", string(out))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "0 B", FormatBytes(0))
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.50 KiB", FormatBytes(1536))
	assert.Equal(t, "5.00 GiB", (5 * GiB).String())
	assert.Equal(t, "-2.00 MiB", FormatBytes(-2*int64(MiB)))
}
