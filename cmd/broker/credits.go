package main

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"llm_broker/internal/models"
	"llm_broker/internal/settlement"
)

var creditReason string

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Move team credit balances",
}

var creditsAllocateCmd = &cobra.Command{
	Use:   "allocate <team-id> <credits>",
	Short: "Grant credits to a team",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		teamID, n, err := teamAndAmount(args)
		if err != nil {
			return err
		}
		return withEngine(cmd, func(e *settlement.Engine) (*models.CreditTransaction, error) {
			return e.Allocate(cmd.Context(), teamID, n, creditReason)
		})
	},
}

var creditsRefundCmd = &cobra.Command{
	Use:   "refund <job-id>",
	Short: "Return the credit a settled job was charged",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid job id: %w", err)
		}
		return withEngine(cmd, func(e *settlement.Engine) (*models.CreditTransaction, error) {
			return e.Refund(cmd.Context(), jobID, creditReason)
		})
	},
}

var creditsAdjustCmd = &cobra.Command{
	Use:   "adjust <team-id> <delta>",
	Short: "Correct a team balance by a signed number of credits",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		teamID, delta, err := teamAndAmount(args)
		if err != nil {
			return err
		}
		return withEngine(cmd, func(e *settlement.Engine) (*models.CreditTransaction, error) {
			return e.Adjust(cmd.Context(), teamID, delta, creditReason)
		})
	},
}

func init() {
	creditsCmd.PersistentFlags().StringVar(&creditReason, "reason", "", "reason recorded with the transaction")
	creditsCmd.AddCommand(creditsAllocateCmd, creditsRefundCmd, creditsAdjustCmd)
	rootCmd.AddCommand(creditsCmd)
}

func teamAndAmount(args []string) (uuid.UUID, int64, error) {
	teamID, err := uuid.Parse(args[0])
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("invalid team id: %w", err)
	}
	n, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("invalid credit amount %q: %w", args[1], err)
	}
	return teamID, n, nil
}

func withEngine(cmd *cobra.Command, fn func(e *settlement.Engine) (*models.CreditTransaction, error)) error {
	_, db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	txn, err := fn(settlement.NewEngine(settlement.PostgresRunner{DB: db}, nil))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %+d credits for team %s, balance %d -> %d (transaction %s)\n",
		txn.Kind, txn.Delta, txn.TeamID, txn.BalanceBefore, txn.BalanceAfter, txn.ID)
	return nil
}
