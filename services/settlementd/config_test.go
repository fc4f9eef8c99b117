package settlementd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigYAMLDefaults(t *testing.T) {
	path := writeConfig(t, "settlementd.yaml", `
wallet:
  url: http://127.0.0.1:18082
  daemon_url: http://127.0.0.1:18081
  timeout: 5s
admin:
  jwt_secret: s3cret
jobs:
  poll_interval: 10s
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.EqualValues(t, 10, cfg.RequiredConfirmations)
	require.NotNil(t, cfg.SettlementFeeBps)
	require.EqualValues(t, 25, *cfg.SettlementFeeBps)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, 5*time.Second, cfg.Wallet.Timeout.Duration)
	require.Equal(t, 10*time.Second, cfg.Jobs.PollInterval.Duration)
	require.Equal(t, 4, cfg.Jobs.Workers)
	require.Equal(t, ":7090", cfg.Admin.Listen)

	policy := cfg.Policy()
	require.EqualValues(t, 10, policy.RequiredConfirmations)
	require.EqualValues(t, 25, policy.FeeBasisPoints)
}

func TestLoadConfigTOMLKeepsZeroFee(t *testing.T) {
	path := writeConfig(t, "settlementd.toml", `
required_confirmations = 3
settlement_fee_bps = 0

[database]
driver = "postgres"
dsn = "postgres://settle@localhost/settle"

[wallet]
url = "http://wallet:18082"
daemon_url = "http://daemon:18081"

[admin]
jwt_secret = "s3cret"

[recon]
interval = "30m"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.EqualValues(t, 3, cfg.RequiredConfirmations)
	require.EqualValues(t, 0, cfg.Policy().FeeBasisPoints)
	require.Equal(t, "postgres", cfg.Database.Driver)
	require.Equal(t, 30*time.Minute, cfg.Recon.Interval.Duration)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("SETTLEMENTD_ADMIN_JWT_SECRET", "from-env")
	t.Setenv("SETTLEMENTD_WALLET_TOKEN", "wallet-pass")
	t.Setenv("SETTLEMENTD_DB_DSN", "file:override.db")
	t.Setenv("SETTLEMENTD_ENV", "staging")
	path := writeConfig(t, "settlementd.yaml", `
wallet:
  url: http://wallet
  daemon_url: http://daemon
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Admin.JWTSecret)
	require.Equal(t, "wallet-pass", cfg.Wallet.Token)
	require.Equal(t, "file:override.db", cfg.Database.DSN)
	require.Equal(t, "staging", cfg.Env)
}

func TestLoadConfigValidation(t *testing.T) {
	cases := map[string]string{
		"missing wallet": "admin:\n  jwt_secret: x\n",
		"missing secret": "wallet:\n  url: http://w\n  daemon_url: http://d\n",
		"fee too high":   "settlement_fee_bps: 10001\nadmin:\n  jwt_secret: x\nwallet:\n  url: http://w\n  daemon_url: http://d\n",
		"bad driver":     "database:\n  driver: mysql\nadmin:\n  jwt_secret: x\nwallet:\n  url: http://w\n  daemon_url: http://d\n",
		"bad duration":   "jobs:\n  poll_interval: soon\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, "cfg.yaml", body))
			require.Error(t, err)
		})
	}
}

func TestSQLiteFileDSN(t *testing.T) {
	dsn, err := SQLiteFileDSN("settle.db")
	require.NoError(t, err)
	require.Contains(t, dsn, "file:/")
	require.Contains(t, dsn, "_pragma=busy_timeout(5000)")

	_, err = SQLiteFileDSN("  ")
	require.Error(t, err)
}

func TestOpenDatabaseSQLite(t *testing.T) {
	db, err := OpenDatabase(DatabaseConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "settle.db")})
	require.NoError(t, err)
	require.True(t, db.Migrator().HasTable("trades"))

	_, err = OpenDatabase(DatabaseConfig{Driver: "oracle", DSN: "x"})
	require.Error(t, err)
}
