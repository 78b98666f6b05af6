package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"counselbot/internal/auth"
	"counselbot/internal/models"
)

// PromoteOptions
type PromoteOptions struct {
	UserID int64
	Role   string
	Name   string
}

func addPromoteArgs(cmd *cobra.Command, o *PromoteOptions) {
	cmd.Flags().Int64VarP(&o.UserID, "user", "u", 0,
		"Telegram user id.")
	cmd.Flags().StringVarP(&o.Role, "role", "r", string(models.RoleSupervisor),
		"Role to grant: requester, responder (counselor) or supervisor.")
	cmd.Flags().StringVar(&o.Name, "name", "",
		"Display name for a user that has not talked to the bot yet.")
	_ = cmd.MarkFlagRequired("user")
}

func addPromote(topLevel *cobra.Command, ro *RootOptions) {
	po := &PromoteOptions{}
	cmd := &cobra.Command{
		Use:   "promote",
		Short: "Set a user's role, creating the user when unknown.",
		Example: `
counselbot promote --user 123456789
counselbot promote -u 987654321 -r counselor --name "Dana"
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if po.UserID <= 0 {
				return errors.New("--user must be a positive telegram user id")
			}
			role, err := models.ParseRole(po.Role)
			if err != nil {
				return err
			}

			e, err := setup(ro)
			if err != nil {
				return err
			}
			defer e.Close()

			ctx := context.Background()
			if _, err := e.store.GetUser(ctx, po.UserID); err != nil {
				if !errors.Is(err, models.ErrNotFound) {
					return err
				}
				u := &models.User{ID: po.UserID, DisplayName: po.Name, Role: role}
				if err := e.store.CreateUser(ctx, u); err != nil {
					return err
				}
			} else if err := e.store.UpdateUserRole(ctx, po.UserID, role); err != nil {
				return err
			}
			if role != models.RoleSupervisor {
				// dashboard tokens are for supervisors only
				if err := auth.NewService(e.store, nil, 0).RevokeUserTokens(ctx, po.UserID); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %d is now %s\n", po.UserID, role)
			return nil
		},
	}
	addPromoteArgs(cmd, po)
	topLevel.AddCommand(cmd)
}
