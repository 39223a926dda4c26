package rewardd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vendorvote/core/voting"
	"vendorvote/services/rewardd/store"
)

const testSignerKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(strings.TrimLeft(body, "\n")), 0o600))
	return path
}

func TestLoadConfigSampleYAML(t *testing.T) {
	t.Setenv("REWARDD_SIGNER_KEY", testSignerKey)
	t.Setenv("REWARDD_JWT_SECRET", "jwt-secret")
	t.Setenv("REWARDD_ADMIN_TOKEN", "admin-token")

	cfg, err := LoadConfig("config.yaml")
	require.NoError(t, err)
	require.Equal(t, ":7090", cfg.ListenAddress)
	require.Equal(t, store.DriverSQLite, cfg.Database.Driver)
	require.True(t, strings.HasPrefix(cfg.Database.DSN, "file:/"))
	require.Equal(t, testSignerKey, cfg.Chain.Signer.Key)
	require.Equal(t, "jwt-secret", cfg.Auth.HMACSecret)
	require.Equal(t, "admin-token", cfg.Admin.BearerToken)
	require.Equal(t, voting.DefaultSchedule(), cfg.Schedule())
	require.Equal(t, 60*time.Second, cfg.Chain.ConfirmTimeout.Duration)
	require.Equal(t, 5*time.Minute, cfg.Distribution.SweepInterval.Duration)
	require.Equal(t, 20, cfg.Distribution.SweepBatchSize)
	require.Equal(t, 2, cfg.RetryPolicy().MaxRetries)
	require.Equal(t, 2*time.Second, cfg.RetryPolicy().BaseDelay)
}

func TestLoadConfigTOMLAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "rewardd.toml", `
timezone = "America/New_York"

[database]
dsn = "postgres://rewardd@localhost/rewardd"

[chain]
rpc_url = "http://localhost:8545"
chain_id = 1
token_address = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
confirm_timeout = "90s"

[chain.signer]
key = "0x`+testSignerKey+`"

[retry]
max_retries = 0
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, store.DriverPostgres, cfg.Database.Driver)
	require.Equal(t, 90*time.Second, cfg.Chain.ConfirmTimeout.Duration)
	require.Equal(t, 5*time.Second, cfg.Chain.ProbeTimeout.Duration)
	require.EqualValues(t, 18, *cfg.Chain.TokenDecimals)
	require.EqualValues(t, 20, *cfg.Chain.GasBufferPercent)
	require.Equal(t, 0, cfg.RetryPolicy().MaxRetries, "explicit zero retries is kept")
	require.Equal(t, "America/New_York", cfg.Location().String())
	require.Equal(t, 64, cfg.Distribution.SignerQueue)
	require.Equal(t, 256, cfg.Distribution.DispatchBuffer)
	require.Equal(t, 2, cfg.Distribution.DispatchWorkers)
	require.Equal(t, 20, cfg.Distribution.SweepBatchSize)
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	yamlPath := writeConfig(t, "rewardd.yaml", `
chain:
  rpc_url: http://localhost:8545
  chain_id: 1
  token_address: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
  signer:
    key: "`+testSignerKey+`"
database:
  dsn: postgres://localhost/rewardd
rewardz:
  base: 10
`)
	_, err := LoadConfig(yamlPath)
	require.ErrorContains(t, err, "decode config")

	tomlPath := writeConfig(t, "rewardd.toml", `
[chain]
rpc_url = "http://localhost:8545"
gas_bufer = 10
`)
	_, err = LoadConfig(tomlPath)
	require.ErrorContains(t, err, "unknown fields")
}

func TestLoadConfigSecretsFromFiles(t *testing.T) {
	dir := t.TempDir()
	secretPath := filepath.Join(dir, "jwt")
	keyPath := filepath.Join(dir, "signer")
	require.NoError(t, os.WriteFile(secretPath, []byte("from-file\n"), 0o600))
	require.NoError(t, os.WriteFile(keyPath, []byte(testSignerKey+"\n"), 0o600))

	path := writeConfig(t, "rewardd.yaml", `
database:
  driver: sqlite
  dsn: "file::memory:"
chain:
  rpc_url: http://localhost:8545
  chain_id: 1
  token_address: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
  signer:
    key_file: `+keyPath+`
auth:
  enabled: true
  hmac_secret: inline-loses
  hmac_secret_file: `+secretPath+`
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "from-file", cfg.Auth.HMACSecret)
	require.Equal(t, testSignerKey, cfg.Chain.Signer.Key)
	require.Equal(t, "file::memory:", cfg.Database.DSN)
}

func TestLoadConfigValidation(t *testing.T) {
	base := `
database:
  dsn: postgres://localhost/rewardd
chain:
  rpc_url: http://localhost:8545
  chain_id: 1
  token_address: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
  signer:
    key: "` + testSignerKey + `"
`
	cases := map[string]struct {
		body string
		want string
	}{
		"missing rpc": {
			body: strings.Replace(base, "rpc_url: http://localhost:8545", "rpc_url: \"\"", 1),
			want: "rpc_url",
		},
		"missing signer": {
			body: strings.Replace(base, "key: \""+testSignerKey+"\"", "key_env: REWARDD_TEST_MISSING_KEY", 1),
			want: "REWARDD_TEST_MISSING_KEY",
		},
		"auth without secret": {
			body: base + "auth:\n  enabled: true\n",
			want: "hmac_secret",
		},
		"bad timezone": {
			body: base + "timezone: Mars/Olympus\n",
			want: "timezone",
		},
		"bad duration": {
			body: base + "retry:\n  base_delay: soon\n",
			want: "parse duration",
		},
		"bad driver": {
			body: strings.Replace(base, "dsn: postgres://localhost/rewardd", "driver: oracle", 1),
			want: "unsupported driver",
		},
		"negative step": {
			body: base + "rewards:\n  step: -1\n",
			want: "reward step",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, "rewardd.yaml", tc.body))
			require.ErrorContains(t, err, tc.want)
		})
	}
}
