// ABOUTME: Mints a dashboard token for an operator, creating the operator on first use
// ABOUTME: Talks to the database directly so it works before the server is running

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/store"
)

type tokenOptions struct {
	OperatorID  string
	DisplayName string
	Email       string
	Admin       bool
	TTL         time.Duration
}

func newTokenCmd(configPath *string) *cobra.Command {
	var opts tokenOptions
	cmd := &cobra.Command{
		Use:   "token --operator ID",
		Short: "Create an operator if needed and print a dashboard token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			return runToken(cmd.Context(), cmd.OutOrStdout(), cfg, opts)
		},
	}
	cmd.Flags().StringVar(&opts.OperatorID, "operator", "", "operator id (required)")
	cmd.Flags().StringVar(&opts.DisplayName, "name", "", "display name for a new operator (defaults to the id)")
	cmd.Flags().StringVar(&opts.Email, "email", "", "email for a new operator")
	cmd.Flags().BoolVar(&opts.Admin, "admin", false, "grant settings.manage")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 0, "token lifetime (defaults to auth.token_ttl)")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}

func runToken(ctx context.Context, out io.Writer, cfg *config.Config, opts tokenOptions) error {
	opts.OperatorID = strings.TrimSpace(opts.OperatorID)
	if opts.OperatorID == "" {
		return errors.New("--operator cannot be empty")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = cfg.Auth.TokenTTL
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	green := color.New(color.FgGreen)

	op, created, err := ensureOperator(ctx, st, opts)
	if err != nil {
		return err
	}
	if created {
		green.Fprintf(out, "  ✓ Created operator %s (%s)\n", op.ID, op.DisplayName)
	}
	if op.Kind == store.OperatorAssistant {
		return fmt.Errorf("operator %s is the assistant identity", op.ID)
	}
	if !op.Active {
		return fmt.Errorf("operator %s is inactive", op.ID)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(op.ID, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	green.Fprintf(out, "  ✓ Token for %s, expires %s\n", op.ID, time.Now().Add(ttl).UTC().Format("Jan 02, 2006"))
	fmt.Fprintf(out, "  Capabilities: %s\n\n", strings.Join(op.Capabilities, ", "))
	fmt.Fprintln(out, token)
	return nil
}

// ensureOperator loads the operator, creating it when missing. --admin
// adds the settings capability to an existing operator too.
func ensureOperator(ctx context.Context, st *store.SQLiteStore, opts tokenOptions) (*store.Operator, bool, error) {
	op, err := st.GetOperator(ctx, opts.OperatorID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		op = &store.Operator{
			ID:           opts.OperatorID,
			DisplayName:  opts.DisplayName,
			Email:        opts.Email,
			Kind:         store.OperatorHuman,
			Active:       true,
			Capabilities: []string{store.CapabilityConversationAccess},
			CreatedAt:    time.Now().UTC(),
		}
		if op.DisplayName == "" {
			op.DisplayName = op.ID
		}
		if opts.Admin {
			op.Capabilities = append(op.Capabilities, store.CapabilitySettings)
		}
		if err := st.CreateOperator(ctx, op); err != nil {
			return nil, false, fmt.Errorf("creating operator: %w", err)
		}
		return op, true, nil
	case err != nil:
		return nil, false, fmt.Errorf("loading operator: %w", err)
	}

	if opts.Admin && !slices.Contains(op.Capabilities, store.CapabilitySettings) {
		op.Capabilities = append(op.Capabilities, store.CapabilitySettings)
		if err := st.UpdateOperator(ctx, op); err != nil {
			return nil, false, fmt.Errorf("granting settings.manage: %w", err)
		}
	}
	return op, false, nil
}
