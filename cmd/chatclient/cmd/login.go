package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/npezzotti/go-teamchat/internal/history"
	"github.com/spf13/cobra"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Exchange credentials for a session token",
	Long: `login prints a session token for the account. Pass it to watch with
--token or set CHATCLIENT_TOKEN.`,
	RunE: runLogin,
}

func init() {
	loginCmd.Flags().String("email", "", "account email")
	loginCmd.Flags().String("password", "", "account password (defaults to $CHATCLIENT_PASSWORD)")
	loginCmd.MarkFlagRequired("email")
}

func runLogin(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	email, _ := cmd.Flags().GetString("email")
	password, _ := cmd.Flags().GetString("password")
	if password == "" {
		password = os.Getenv("CHATCLIENT_PASSWORD")
	}
	if password == "" {
		return errors.New("a password is required")
	}

	api, err := history.NewClient(log, cfg.ServerURL, "", cfg.FetchTimeout)
	if err != nil {
		return err
	}

	lr, err := api.Login(cmd.Context(), email, password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	if lr.User.Workspace != "" && lr.User.Workspace != cfg.Workspace {
		fmt.Fprintf(cmd.ErrOrStderr(), "note: account belongs to workspace %q\n", lr.User.Workspace)
	}
	fmt.Fprintln(cmd.OutOrStdout(), lr.Token)
	return nil
}
