package config

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"printgate/internal/apperr"
	"printgate/internal/model"
	"printgate/internal/store"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("USE_DOTENV", "off")
	t.Setenv("PRINTGATE_DATA_DIR", "/srv/printgate")

	cfg := Load()
	if cfg.DBPath != filepath.Join("/srv/printgate", "printgate.db") {
		t.Fatalf("DBPath = %q", cfg.DBPath)
	}
	if cfg.SpoolDir != filepath.Join("/srv/printgate", "uploads") {
		t.Fatalf("SpoolDir = %q", cfg.SpoolDir)
	}
	if cfg.LPDAddr != ":515" {
		t.Fatalf("LPDAddr = %q", cfg.LPDAddr)
	}
	if cfg.MaxUploadSize != 16*1024*1024 {
		t.Fatalf("MaxUploadSize = %d", cfg.MaxUploadSize)
	}
	if cfg.ReleaseDelay != 2*time.Second || cfg.LPDIdleTimeout != 30*time.Second {
		t.Fatalf("durations = %v %v", cfg.ReleaseDelay, cfg.LPDIdleTimeout)
	}
	if cfg.ErrorLogPath != filepath.Join("/srv/printgate", "log", "error_log") {
		t.Fatalf("ErrorLogPath = %q", cfg.ErrorLogPath)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("USE_DOTENV", "off")
	t.Setenv("PRINTGATE_DB_PATH", "/tmp/x.db")
	t.Setenv("PRINTGATE_MAX_UPLOAD_SIZE", "2m")
	t.Setenv("PRINTGATE_LPD_IDLE_TIMEOUT", "5")
	t.Setenv("PRINTGATE_RETENTION", "2d")
	t.Setenv("PRINTGATE_LPD_ENABLED", "no")
	t.Setenv("PRINTGATE_ACCESS_LOG", "none")
	t.Setenv("LPD_TRUSTED_NETS", "10.0.0.0/8")

	cfg := Load()
	assert.Equal(t, "/tmp/x.db", cfg.DBPath)
	assert.Equal(t, int64(2*1024*1024), cfg.MaxUploadSize)
	assert.Equal(t, 5*time.Second, cfg.LPDIdleTimeout)
	assert.Equal(t, 48*time.Hour, cfg.Retention)
	assert.False(t, cfg.LPDEnabled)
	assert.Equal(t, "", cfg.AccessLogPath)
	assert.Equal(t, "10.0.0.0/8", cfg.LPDTrustedNets)
}

func TestLoadReadsEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "printgate.env")
	require.NoError(t, os.WriteFile(path, []byte("PRINTGATE_LISTEN_HTTP=127.0.0.1:9999\nPRINTGATE_ADMIN_USER=root\n"), 0o644))
	t.Setenv("PRINTGATE_ENV_FILE", path)
	t.Setenv("PRINTGATE_ADMIN_USER", "operator")
	t.Cleanup(func() { _ = os.Unsetenv("PRINTGATE_LISTEN_HTTP") })

	cfg := Load()
	assert.Equal(t, "127.0.0.1:9999", cfg.ListenHTTP)
	assert.Equal(t, "operator", cfg.AdminUser, "environment must win over the env file")
}

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"250ms": 250 * time.Millisecond,
		"1m30s": 90 * time.Second,
		"45":    45 * time.Second,
		"3h":    3 * time.Hour,
		"1d":    24 * time.Hour,
		"1w":    7 * 24 * time.Hour,
	}
	for in, want := range cases {
		got, ok := parseDuration(in)
		if !ok || got != want {
			t.Fatalf("parseDuration(%q) = %v, %v; want %v", in, got, ok, want)
		}
	}
	for _, in := range []string{"", "soon", "-5s"} {
		if _, ok := parseDuration(in); ok {
			t.Fatalf("parseDuration(%q) should fail", in)
		}
	}
}

const seedYAML = `
price_lists:
  - name: Staff
    bw_rate: "0.04"
    color_rate: "0.12"
    duplex_rate: "0.03"
    role: admin
policies:
  - name: Large jobs
    color_multiplier: "1.5"
    max_pages_per_job: 200
    force_duplex_over_pages: 20
printers:
  - name: Lobby
    uri: ipp://lobby.example/ipp/print
    location: Ground floor
  - name: Archive
    uri: file:///var/spool/archive/
    paused: true
`

func TestSeedApply(t *testing.T) {
	seed, err := ParseSeed([]byte(seedYAML))
	require.NoError(t, err)
	require.Len(t, seed.PriceLists, 1)

	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "seed.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, seed.Apply(ctx, st))
	require.NoError(t, seed.Apply(ctx, st), "applying twice must be harmless")

	require.NoError(t, st.WithTx(ctx, true, func(tx *sql.Tx) error {
		list, ok, err := st.PriceListForRole(ctx, tx, model.RoleAdmin)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "0.12", list.ColorRate.String())

		var n int
		require.NoError(t, tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM price_lists WHERE name = 'Staff'`).Scan(&n))
		assert.Equal(t, 1, n)

		policies, err := st.ListActivePolicies(ctx, tx)
		require.NoError(t, err)
		require.Len(t, policies, 1)
		assert.Equal(t, 10, policies[0].MaxCopies)
		assert.Equal(t, "1.5", policies[0].ColorMultiplier.String())

		archive, err := st.GetPrinterByName(ctx, tx, "archive")
		require.NoError(t, err)
		assert.False(t, archive.Accepting)
		return nil
	}))
}

func TestParseSeedRejectsBadInput(t *testing.T) {
	bad := []string{
		"price_lists:\n  - bw_rate: \"0.1\"\n",
		"price_lists:\n  - name: X\n    bw_rate: cheap\n",
		"price_lists:\n  - name: X\n    color_rate: \"-1\"\n",
		"policies:\n  - name: P\n    role: guest\n",
		"printers:\n  - uri: ipp://x\n",
		"price_lists: [",
	}
	for _, in := range bad {
		if _, err := ParseSeed([]byte(in)); !apperr.IsValidation(err) {
			t.Fatalf("ParseSeed(%q) err = %v, want validation", in, err)
		}
	}
}
