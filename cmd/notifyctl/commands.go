package main

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sakif/discord-notify/internal/apperror"
)

// passwordEnv lets scripts sign in without the prompt.
const passwordEnv = "NOTIFYCTL_PASSWORD"

func newLoginCmd(a *app) *cobra.Command {
	var register bool

	cmd := &cobra.Command{
		Use:   "login <login>",
		Short: "Sign in with a local account",
		Long: `Sign in and store the token and session id in the config file.

The password is read from $` + passwordEnv + ` if set, otherwise from the
first line of standard input.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password := os.Getenv(passwordEnv)
			if password == "" {
				fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("reading password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}

			c, err := a.client()
			if err != nil {
				return err
			}
			signIn := c.Login
			if register {
				signIn = c.Register
			}
			res, err := signIn(cmd.Context(), args[0], password)
			if err != nil {
				return err
			}

			a.cfg.Token = res.Token
			a.cfg.SessionID = res.SessionID
			a.cfg.Login = res.User.Login
			if err := saveConfig(a.configPath, a.cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", labelStyle.Render("Signed in as"), valueStyle.Render(res.User.Login))
			return nil
		},
	}
	cmd.Flags().BoolVar(&register, "register", false, "Create the account first")
	return cmd
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the stored token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			if err := c.Logout(cmd.Context()); err != nil {
				// The token is dropped locally either way.
				a.logger.Warn("server logout failed", slog.String("error", err.Error()))
			}
			a.cfg.Token = ""
			a.cfg.Login = ""
			if err := saveConfig(a.configPath, a.cfg); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render("Signed out."))
			return nil
		},
	}
}

func newWhoamiCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.authedClient()
			if err != nil {
				return err
			}
			u, err := c.Me(cmd.Context())
			if errors.Is(err, apperror.ErrUnauthorized) {
				return errNotSignedIn
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Login:"), valueStyle.Render(u.Login))
			fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Provider:"), u.Provider)
			fmt.Fprintf(out, "%s %s\n", labelStyle.Render("ID:"), mutedStyle.Render(u.ID))
			return nil
		},
	}
}

func newSettingsCmd(a *app) *cobra.Command {
	settings := &cobra.Command{
		Use:   "settings",
		Short: "Inspect notification settings",
	}
	settings.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the API key and chat id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.authedClient()
			if err != nil {
				return err
			}
			res, err := c.Settings(cmd.Context())
			if err != nil {
				return report(cmd.OutOrStdout(), nil, err)
			}
			printField(cmd.OutOrStdout(), "API key:", res.Settings.APIKey)
			printField(cmd.OutOrStdout(), "Chat id:", res.Settings.ChatID)
			return nil
		},
	})
	return settings
}

func newKeyCmd(a *app) *cobra.Command {
	key := &cobra.Command{
		Use:   "key",
		Short: "Manage the API key",
	}
	key.AddCommand(&cobra.Command{
		Use:   "create",
		Short: "Generate the API key, or show the existing one",
		Long: `Generate the API key used to send notifications.

A key is generated once. Running this again prints the existing key.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.authedClient()
			if err != nil {
				return err
			}
			res, err := c.CreateKey(cmd.Context())
			if err != nil {
				return report(cmd.OutOrStdout(), nil, err)
			}
			_ = report(cmd.OutOrStdout(), res.Notices, nil)
			printField(cmd.OutOrStdout(), "API key:", res.Settings.APIKey)
			return nil
		},
	})
	return key
}

func newChatIDCmd(a *app) *cobra.Command {
	chatID := &cobra.Command{
		Use:   "chat-id",
		Short: "Manage the Discord chat id",
	}
	chatID.AddCommand(&cobra.Command{
		Use:   "set <id>",
		Short: "Set the Discord chat id notifications are sent to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.authedClient()
			if err != nil {
				return err
			}
			res, err := c.SetChatID(cmd.Context(), args[0])
			if err != nil {
				return report(cmd.OutOrStdout(), nil, err)
			}
			return report(cmd.OutOrStdout(), res.Notices, nil)
		},
	})
	return chatID
}
