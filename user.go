package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/kobo-go/internal/actions"
	"github.com/tonimelisma/kobo-go/internal/credstore"
	"github.com/tonimelisma/kobo-go/internal/kobo"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage Kobo accounts",
	}

	cmd.AddCommand(newUserAddCmd())
	cmd.AddCommand(newUserListCmd())
	cmd.AddCommand(newUserRmCmd())

	return cmd
}

func newUserAddCmd() *cobra.Command {
	var (
		email    string
		password string
		captcha  string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an account",
		Long: `Add a Kobo account. By default this uses the same web-based activation
the Kobo e-readers use: a code is printed, you enter it at
https://www.kobo.com/activate, and kobo-go waits for the activation to
complete.

With --email and --password the credential sign-in flow is used
instead. Kobo may require a captcha response for that flow.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runUserAdd(cmd, email, password, captcha)
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "account email (credential sign-in)")
	cmd.Flags().StringVar(&password, "password", "", "account password (credential sign-in)")
	cmd.Flags().StringVar(&captcha, "captcha", "", "captcha response token (credential sign-in)")

	return cmd
}

func runUserAdd(cmd *cobra.Command, email, password, captcha string) error {
	logger := buildLogger()

	store, err := openStore()
	if err != nil {
		return err
	}

	user := &credstore.User{Email: email}
	store.Add(user)

	ctx := cmd.Context()

	if email != "" && password != "" {
		err = actions.LoginWithCredentials(ctx, user, store, defaultHTTPClient(), logger, email, password, captcha)
	} else {
		err = actions.Login(ctx, user, store, defaultHTTPClient(), logger, func(act kobo.Activation) {
			statusf("\nOpen https://www.kobo.com/activate and enter %s.\n", act.Code)
			statusf("kobo-go will wait and periodically check for the activation to complete.\n\n")
		})
	}

	if err != nil {
		// Leave no half-registered account behind.
		store.RemoveUser(user)
		_ = store.Save()

		return err
	}

	statusf("Login successful. Try 'kobo-go book list'.\n")

	return nil
}

func newUserListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(store.Users()))
			for _, u := range store.Users() {
				rows = append(rows, []string{u.Email, u.UserKey, u.DeviceID})
			}

			renderTable([]string{"Email", "User key", "Device ID"}, rows)

			return nil
		},
	}
}

func newUserRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <identifier>",
		Short: "Remove an account by email, user key, or device id",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}

			removed := store.Remove(args[0])
			if removed == nil {
				return fmt.Errorf("no user matches %q", args[0])
			}

			if err := store.Save(); err != nil {
				return err
			}

			statusf("Removed %s\n", removed.Email)

			return nil
		},
	}
}
