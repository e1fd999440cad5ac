// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mobiletoly/go-overreplica/internal/auth"
	"github.com/mobiletoly/go-overreplica/overpg"
	"github.com/spf13/cobra"
)

// TokenOptions holds flags of the token command
type TokenOptions struct {
	Subject   string
	Role      string
	TTL       time.Duration
	JWTSecret string
}

// NewTokenCommand creates the token command
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for an operator or a source node",
		Long: `Issue a bearer token signed with the server secret.

Roles: admin (resolve errors, reload settings), viewer (read-only) and
node (push batches; the subject is the source node id).`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := issueToken(opts)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}

	cmd.Flags().StringVar(&opts.Subject, "subject", "", "operator name or source node id")
	cmd.Flags().StringVar(&opts.Role, "role", auth.RoleAdmin, "token role (admin|viewer|node)")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().StringVar(&opts.JWTSecret, "jwt-secret", os.Getenv("JWT_SECRET"), "HMAC secret (env JWT_SECRET)")
	_ = cmd.MarkFlagRequired("subject")

	return cmd
}

func issueToken(opts *TokenOptions) (string, error) {
	if opts.Subject == "" {
		return "", errors.New("subject is required")
	}
	switch opts.Role {
	case auth.RoleAdmin, auth.RoleViewer, auth.RoleNode:
	default:
		return "", fmt.Errorf("invalid role %q", opts.Role)
	}
	if opts.TTL <= 0 {
		return "", fmt.Errorf("ttl must be positive, got %s", opts.TTL)
	}
	if opts.JWTSecret == "" {
		return "", errors.New("jwt secret is required (--jwt-secret or JWT_SECRET)")
	}
	return overpg.NewJWTAuth(opts.JWTSecret).GenerateToken(opts.Subject, opts.Role, opts.TTL)
}
