package cli

import (
	"fmt"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newQuotaCmd(env Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Student lesson-hour quota",
	}
	cmd.AddCommand(newQuotaShowCmd(env), newQuotaGrantCmd(env))
	return cmd
}

func newQuotaShowCmd(env Env) *cobra.Command {
	var history int
	c := &cobra.Command{
		Use:   "show <account-id>",
		Short: "Print the balance and recent ledger entries of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := uuid.Parse(args[0])
			if err != nil {
				return errors.Wrap(err, "account id")
			}
			ledger, closeFn, err := env.OpenLedger(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			acct, err := ledger.Balance(cmd.Context(), accountID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "account %s: %.1f hours available\n", acct.AccountID, acct.AvailableHours)

			entries, err := ledger.History(cmd.Context(), accountID, history)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-7s %-12s %+6.1f  booking %s\n",
					e.CreatedAt.Format("2006-01-02 15:04"), e.Type, e.Reason, e.Delta, e.BookingID)
			}
			return nil
		},
	}
	c.Flags().IntVar(&history, "history", 10, "number of ledger entries to print")
	return c
}

func newQuotaGrantCmd(env Env) *cobra.Command {
	var reference string
	c := &cobra.Command{
		Use:   "grant <account-id> <hours>",
		Short: "Add purchased hours to an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := uuid.Parse(args[0])
			if err != nil {
				return errors.Wrap(err, "account id")
			}
			hours, err := strconv.ParseFloat(args[1], 64)
			if err != nil || hours <= 0 {
				return errors.Newf("hours must be a positive number, got %q", args[1])
			}
			ref := uuid.New()
			if reference != "" {
				if ref, err = uuid.Parse(reference); err != nil {
					return errors.Wrap(err, "reference")
				}
			}

			ledger, closeFn, err := env.OpenLedger(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			balance, err := ledger.Grant(cmd.Context(), accountID, hours, ref)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "granted %.1f hours to %s (reference %s), balance %.1f\n", hours, accountID, ref, balance)
			return nil
		},
	}
	c.Flags().StringVar(&reference, "reference", "", "purchase id; repeating a grant with the same reference is a no-op")
	return c
}
