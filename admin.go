package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"printgate/internal/config"
	"printgate/internal/model"
	"printgate/internal/store"
)

var (
	userPassword string
	userPIN      string
	userCard     string
	userRole     string
	userBalance  string
	userQuota    int
)

var useraddCmd = &cobra.Command{
	Use:   "useradd <username>",
	Short: "Create a user account",
	Args:  cobra.ExactArgs(1),
	RunE:  runUseradd,
}

var topupCmd = &cobra.Command{
	Use:   "topup <username> <amount>",
	Short: "Add credit to a user's balance",
	Args:  cobra.ExactArgs(2),
	RunE:  runTopup,
}

var seedCmd = &cobra.Command{
	Use:   "seed <file>",
	Short: "Load price lists, policies and printers from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE:  runSeed,
}

func init() {
	f := useraddCmd.Flags()
	f.StringVar(&userPassword, "password", "", "login password (required)")
	f.StringVar(&userPIN, "pin", "", "release PIN")
	f.StringVar(&userCard, "card", "", "badge identifier")
	f.StringVar(&userRole, "role", string(model.RoleUser), "user or admin")
	f.StringVar(&userBalance, "balance", "0", "opening balance")
	f.IntVar(&userQuota, "quota", 1000, "monthly page quota")
	_ = useraddCmd.MarkFlagRequired("password")
}

func withStore(fn func(ctx context.Context, st *store.Store) error) error {
	cfg := config.Load()
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return errors.Wrap(err, "create db dir")
	}
	ctx := context.Background()
	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	defer st.Close()
	return fn(ctx, st)
}

func runUseradd(cmd *cobra.Command, args []string) error {
	balance, err := decimal.NewFromString(userBalance)
	if err != nil {
		return errors.Errorf("invalid balance %q", userBalance)
	}
	role := model.Role(userRole)
	if role != model.RoleUser && role != model.RoleAdmin {
		return errors.Errorf("invalid role %q", userRole)
	}
	return withStore(func(ctx context.Context, st *store.Store) error {
		return st.WithTx(ctx, false, func(tx *sql.Tx) error {
			u, err := st.CreateUser(ctx, tx, store.NewUser{
				Username:   args[0],
				Password:   userPassword,
				PIN:        userPIN,
				Card:       userCard,
				Role:       role,
				Balance:    balance,
				QuotaLimit: userQuota,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (id %d, balance %s)\n", u.Username, u.ID, u.Balance.StringFixed(2))
			return nil
		})
	})
}

func runTopup(cmd *cobra.Command, args []string) error {
	amount, err := decimal.NewFromString(args[1])
	if err != nil || !amount.IsPositive() {
		return errors.Errorf("amount must be a positive number, got %q", args[1])
	}
	return withStore(func(ctx context.Context, st *store.Store) error {
		return st.WithTx(ctx, false, func(tx *sql.Tx) error {
			u, err := st.GetUserByUsername(ctx, tx, args[0])
			if err != nil {
				return err
			}
			balance := u.Balance.Add(amount)
			if err := st.SetUserBalance(ctx, tx, u.ID, balance); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s balance: %s\n", u.Username, balance.StringFixed(2))
			return nil
		})
	})
}

func runSeed(cmd *cobra.Command, args []string) error {
	seed, err := config.LoadSeed(args[0])
	if err != nil {
		return err
	}
	return withStore(func(ctx context.Context, st *store.Store) error {
		if err := seed.Apply(ctx, st); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "applied %d price lists, %d policies, %d printers\n",
			len(seed.PriceLists), len(seed.Policies), len(seed.Printers))
		return nil
	})
}
