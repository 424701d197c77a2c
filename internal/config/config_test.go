package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/guided-traffic/agency-interchange/internal/workflow"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setTestServers() {
	for _, name := range []string{"lta", "mha", "toppan"} {
		viper.Set("sftp.servers."+name+".host", name+".example.gov")
		viper.Set("sftp.servers."+name+".user", "nro")
		viper.Set("sftp.servers."+name+".password", "secretsmanager:sftp/"+name+"#password")
		viper.Set("sftp.servers."+name+".insecure_ignore_host_key", true)
	}
}

func resetConfig() {
	viper.Reset()
	setDefaults()
	setTestServers()
}

func TestLoad_Defaults(t *testing.T) {
	resetConfig()

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "0.0.0.0:8080", cfg.BindAddress)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.False(t, cfg.TLS.Enabled)
	assert.Equal(t, ":9090", cfg.Monitoring.BindAddress)
	assert.Equal(t, "loopback", cfg.Provider.Type)
	assert.Equal(t, "memory", cfg.Registry.Backend)
	assert.Equal(t, "log", cfg.Ingest.Sink)
	assert.Equal(t, 1, cfg.Orchestrator.TokenRetries)
	assert.Equal(t, time.Second, cfg.Orchestrator.TokenBackoff)
	assert.Equal(t, 30*time.Minute, cfg.Orchestrator.OperationTimeout)
	assert.Equal(t, workflow.DefaultProfiles(), cfg.Profiles)
	assert.Len(t, cfg.SFTP.Servers, 3)
	assert.Equal(t, "nro", cfg.SFTP.Servers["lta"].User)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		set     map[string]any
		wantErr string
	}{
		{
			name: "http provider",
			set:  map[string]any{"provider.type": "http", "provider.base_url": "https://crypto.example.gov"},
		},
		{
			name:    "http provider without base url",
			set:     map[string]any{"provider.type": "http"},
			wantErr: "BaseURL",
		},
		{
			name:    "unknown provider type",
			set:     map[string]any{"provider.type": "grpc"},
			wantErr: "oneof",
		},
		{
			name:    "invalid log level",
			set:     map[string]any{"log_level": "loud"},
			wantErr: "LogLevel",
		},
		{
			name:    "postgres without url",
			set:     map[string]any{"registry.backend": "postgres"},
			wantErr: "registry.postgres.url is required",
		},
		{
			name: "redis with url",
			set:  map[string]any{"registry.backend": "redis", "registry.redis.url": "redis://localhost:6379/0"},
		},
		{
			name:    "kafka without brokers",
			set:     map[string]any{"ingest.sink": "kafka"},
			wantErr: "ingest.kafka.brokers is required",
		},
		{
			name: "kafka with brokers",
			set:  map[string]any{"ingest.sink": "kafka", "ingest.kafka.brokers": []string{"localhost:9092"}},
		},
		{
			name:    "part size below minimum",
			set:     map[string]any{"storage.part_size": 1024},
			wantErr: "PartSize",
		},
		{
			name:    "sftp server without credentials",
			set:     map[string]any{"sftp.servers.mha.password": ""},
			wantErr: "sftp server mha needs a password or private_key",
		},
		{
			name:    "sftp server without host key policy",
			set:     map[string]any{"sftp.servers.toppan.insecure_ignore_host_key": false},
			wantErr: "sftp server toppan needs known_hosts_file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetConfig()
			for k, v := range tt.set {
				viper.Set(k, v)
			}

			cfg, err := Load()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, cfg)
		})
	}
}

func TestLoad_ProfileWithUnknownServer(t *testing.T) {
	viper.Reset()
	setDefaults()
	viper.Set("sftp.servers.lta.host", "lta.example.gov")
	viper.Set("sftp.servers.lta.user", "nro")
	viper.Set("sftp.servers.lta.password", "pw")
	viper.Set("sftp.servers.lta.insecure_ignore_host_key", true)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured under sftp.servers")
}

func TestLoad_CustomProfiles(t *testing.T) {
	resetConfig()
	viper.Set("profiles", []map[string]any{
		{
			"profile":         "LTA",
			"app_code":        "LTAVRLS",
			"transfer_server": "lta",
			"scheme":          "SCHEME_A",
			"ingest":          true,
			"encryption":      true,
			"encrypt":         map[string]any{"storage_folder": "offence/lta/input/", "transfer_folder": "/upload"},
			"decrypt":         map[string]any{"storage_folder": "offence/lta/output/", "transfer_folder": "/download"},
		},
	})

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Profiles, 1)
	assert.Equal(t, "LTAVRLS", cfg.Profiles[0].AppCode)
	assert.Equal(t, "/download", cfg.Profiles[0].Decrypt.TransferFolder)
}

func TestTLSConfig(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, []byte("cert"), 0o600))
	require.NoError(t, os.WriteFile(keyFile, []byte("key"), 0o600))

	tests := []struct {
		name    string
		tls     map[string]any
		wantErr string
	}{
		{name: "disabled", tls: map[string]any{"enabled": false}},
		{name: "valid files", tls: map[string]any{"enabled": true, "cert_file": certFile, "key_file": keyFile}},
		{
			name:    "missing cert_file",
			tls:     map[string]any{"enabled": true, "key_file": keyFile},
			wantErr: "tls.cert_file is required when TLS is enabled",
		},
		{
			name:    "missing key_file",
			tls:     map[string]any{"enabled": true, "cert_file": certFile},
			wantErr: "tls.key_file is required when TLS is enabled",
		},
		{
			name:    "nonexistent cert",
			tls:     map[string]any{"enabled": true, "cert_file": filepath.Join(dir, "nope.pem"), "key_file": keyFile},
			wantErr: "TLS certificate file does not exist",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetConfig()
			viper.Set("tls", tt.tls)

			_, err := Load()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestInitConfig_File(t *testing.T) {
	viper.Reset()
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	content := `
bind_address: "127.0.0.1:9000"
log_level: debug
provider:
  type: http
  base_url: https://crypto.example.gov
sftp:
  servers:
    lta: {host: lta.example.gov, user: nro, password: pw, insecure_ignore_host_key: true}
    mha: {host: mha.example.gov, user: nro, password: pw, insecure_ignore_host_key: true}
    toppan: {host: toppan.example.gov, user: nro, password: pw, insecure_ignore_host_key: true}
`
	require.NoError(t, os.WriteFile(file, []byte(content), 0o600))

	InitConfig(file)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.BindAddress)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "https://crypto.example.gov", cfg.Provider.BaseURL)
	assert.Equal(t, "/api/v1/token", cfg.Provider.TokenPath)
}

func TestInitConfig_EnvOverride(t *testing.T) {
	viper.Reset()
	t.Setenv("AIX_LOG_LEVEL", "warn")
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
sftp:
  servers:
    lta: {host: a, user: u, password: p, insecure_ignore_host_key: true}
    mha: {host: a, user: u, password: p, insecure_ignore_host_key: true}
    toppan: {host: a, user: u, password: p, insecure_ignore_host_key: true}
`), 0o600))

	InitConfig(file)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
}
