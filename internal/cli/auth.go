package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/AlecAivazis/survey/v2"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/shomar-security/shomar-cli/internal/auth"
	"github.com/shomar-security/shomar-cli/internal/config"
)

func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage authentication",
		Long:  `Manage authentication with the Shomar dashboard.`,
	}

	cmd.AddCommand(
		newAuthLoginCmd(),
		newAuthLogoutCmd(),
		newAuthStatusCmd(),
	)

	return cmd
}

func newAuthLoginCmd() *cobra.Command {
	var (
		email string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Login to the Shomar dashboard",
		Long: `Login with your Shomar dashboard email and password.

The access token is kept in the system keyring and sent with every
request to the backend.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(cmd.Context(), email, force)
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "account email (prompted if omitted)")
	cmd.Flags().BoolVar(&force, "force", false, "force re-authentication")

	return cmd
}

func newAuthLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Logout from the Shomar dashboard",
		Long:  `Remove stored credentials.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogout()
		},
	}
}

func newAuthStatusCmd() *cobra.Command {
	var (
		showToken bool
		output    string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show authentication status",
		Long:  `Display the current authentication status and token information.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthStatus(cmd, showToken, output)
		},
	}

	cmd.Flags().BoolVar(&showToken, "show-token", false, "display the access token")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format (table, json, yaml)")

	return cmd
}

func runLogin(ctx context.Context, email string, force bool) error {
	a, err := newApp()
	if err != nil {
		return err
	}

	if !force {
		status := a.session.Status()
		if status.LoggedIn && !status.Expired {
			Success("Already logged in as %s", status.Credentials.Email)
			fmt.Println("Use --force to re-authenticate")
			return nil
		}
	}

	color.Green("→ Logging in to Shomar")
	fmt.Println()

	email = strings.TrimSpace(email)
	if email == "" {
		if err := surveyAskOne(&survey.Input{Message: "Email:"}, &email, survey.WithValidator(survey.Required)); err != nil {
			return fmt.Errorf("login cancelled: %w", err)
		}
	}

	var password string
	if err := surveyAskOne(&survey.Password{Message: "Password:"}, &password, survey.WithValidator(survey.Required)); err != nil {
		return fmt.Errorf("login cancelled: %w", err)
	}

	creds, err := a.session.Login(ctx, a.client, email, password)
	if err != nil {
		return err
	}

	user := &config.UserInfo{
		Email:     creds.Email,
		UpdatedAt: time.Now().Format(time.RFC3339),
	}
	if claims, err := auth.ExtractClaims(creds.AccessToken); err == nil {
		user.UserID = claims.Subject
	}
	if cfg, err := config.Load(); err == nil {
		if err := cfg.SetCurrentUser(user); err != nil {
			Debug("Failed to save current user: %v", err)
		}
	}

	Success("Logged in as %s", creds.Email)
	return nil
}

func runLogout() error {
	a, err := newApp()
	if err != nil {
		return err
	}

	if !a.session.Status().LoggedIn {
		Info("Not logged in")
		return nil
	}

	if err := a.session.Logout(); err != nil {
		return fmt.Errorf("failed to remove credentials: %w", err)
	}
	if cfg, err := config.Load(); err == nil {
		_ = cfg.ClearCurrentUser()
	}

	Success("Logged out")
	return nil
}

func runAuthStatus(cmd *cobra.Command, showToken bool, output string) error {
	dw, err := NewDataWriter(cmd.OutOrStdout(), output)
	if err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}

	status := a.session.Status()
	if status.Error != nil {
		return fmt.Errorf("failed to read credentials: %w", status.Error)
	}
	if !status.LoggedIn {
		Warn("Not logged in")
		fmt.Fprintln(os.Stderr, "Run 'shomar auth login' to authenticate")
		return nil
	}

	state := "Logged in"
	if status.Expired {
		state = "Expired"
	}

	kv := NewKeyValueBuilder("Authentication").
		Add("Status", state).
		Add("Email", status.Credentials.Email).
		Add("API", a.client.BaseURL())

	if claims := status.Claims; claims != nil {
		kv.Add("User", claims.DisplayName()).Add("Subject", claims.Subject)
		if exp := claims.Expiry(); exp != nil {
			kv.Add("Expires", exp.Local().Format(time.RFC1123))
		}
	}
	kv.AddIf(showToken, "Token", status.Credentials.AccessToken)

	return kv.Write(dw)
}
