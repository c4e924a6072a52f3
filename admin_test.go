package main

import (
	"bytes"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"printgate/internal/store"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestUseraddAndTopup(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "printgate.db")
	t.Setenv("USE_DOTENV", "off")
	t.Setenv("PRINTGATE_DB_PATH", dbPath)

	out, err := runCommand(t, "useradd", "alice", "--password", "secret", "--pin", "4321", "--balance", "1.50")
	require.NoError(t, err)
	require.Contains(t, out, "created alice")

	out, err = runCommand(t, "topup", "alice", "2.25")
	require.NoError(t, err)
	require.Contains(t, out, "alice balance: 3.75")

	_, err = runCommand(t, "topup", "alice", "0")
	require.Error(t, err)
	_, err = runCommand(t, "topup", "nobody", "1")
	require.Error(t, err)

	ctx := context.Background()
	st, err := store.Open(ctx, dbPath)
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.WithTx(ctx, true, func(tx *sql.Tx) error {
		u, err := st.VerifyPIN(ctx, tx, "alice", "4321")
		if err != nil {
			return err
		}
		require.Equal(t, "3.75", u.Balance.StringFixed(2))
		return nil
	}))
}

func TestSeedCommand(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("USE_DOTENV", "off")
	t.Setenv("PRINTGATE_DB_PATH", filepath.Join(dir, "printgate.db"))

	seedPath := filepath.Join(dir, "pricing.yaml")
	require.NoError(t, os.WriteFile(seedPath, []byte(`
price_lists:
  - name: Staff
    bw_rate: "0.03"
printers:
  - name: Lobby
    uri: "socket://10.0.0.9:9100"
`), 0644))

	out, err := runCommand(t, "seed", seedPath)
	require.NoError(t, err)
	require.Contains(t, out, "applied 1 price lists, 0 policies, 1 printers")
}
