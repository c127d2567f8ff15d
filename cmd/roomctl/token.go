package main

import (
	"fmt"
	"time"

	"github.com/dkeye/roomlink/internal/auth"
	"github.com/dkeye/roomlink/internal/domain"
	"github.com/spf13/cobra"
)

var tokenFlags struct {
	userID   string
	username string
	avatar   string
	ttl      time.Duration
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token signed with the relay secret.",
	RunE: func(cmd *cobra.Command, args []string) error {
		user := domain.User{
			ID:       domain.UserID(tokenFlags.userID),
			Username: tokenFlags.username,
			Avatar:   tokenFlags.avatar,
		}
		token, exp, err := auth.Issue(user, tokenFlags.ttl, []byte(cfg.Secret))
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.Format(time.RFC3339))
		return nil
	},
}

func init() {
	f := tokenCmd.Flags()
	f.StringVar(&tokenFlags.userID, "user-id", "", "user id (subject)")
	f.StringVar(&tokenFlags.username, "username", "", "display name")
	f.StringVar(&tokenFlags.avatar, "avatar", "", "avatar url")
	f.DurationVar(&tokenFlags.ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("user-id")
}
