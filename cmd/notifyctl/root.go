// Command notifyctl manages discord-notify settings from a terminal.
//
//	notifyctl login alice            # sign in (prompts for the password)
//	notifyctl whoami
//	notifyctl key create             # generate the API key (once)
//	notifyctl chat-id set 1234567890
//	notifyctl settings show
//	notifyctl watch                  # follow sign-ins and sign-outs live
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/sakif/discord-notify/internal/client"
	"github.com/sakif/discord-notify/internal/notify"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	labelStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("212"))

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Italic(true)
)

// app is the state shared by every subcommand: the persistent flags and the
// config they resolve to.
type app struct {
	configPath string
	server     string
	verbose    bool

	cfg    *cliConfig
	logger *slog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "notifyctl",
		Short: "Manage discord-notify settings from the terminal",
		Long: `notifyctl talks to a discord-notify server.

It signs in with a local account, shows and changes the API key and
Discord chat id, and can watch the session live: signing in or out
anywhere that shares its session shows up immediately.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level := slog.LevelWarn
			if a.verbose {
				level = slog.LevelDebug
			}
			a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

			cfg, err := loadConfig(a.configPath)
			if err != nil {
				return err
			}
			if a.server != "" {
				cfg.Server = a.server
			}
			a.cfg = cfg
			return nil
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", defaultConfigPath(), "Path to the config file")
	root.PersistentFlags().StringVar(&a.server, "server", "", "Server URL (default from config, then "+defaultServer+")")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable verbose logging")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(
		newLoginCmd(a),
		newLogoutCmd(a),
		newWhoamiCmd(a),
		newWatchCmd(a),
		newSettingsCmd(a),
		newKeyCmd(a),
		newChatIDCmd(a),
	)
	return root
}

// client builds an API client from the loaded config.
func (a *app) client() (*client.Client, error) {
	return client.New(a.cfg.Server,
		client.WithToken(a.cfg.Token),
		client.WithSessionID(a.cfg.SessionID),
		client.WithLogger(a.logger),
	)
}

// authedClient is client() for commands that need a signed-in user.
func (a *app) authedClient() (*client.Client, error) {
	if a.cfg.Token == "" {
		return nil, errNotSignedIn
	}
	return a.client()
}

var errNotSignedIn = errors.New("not signed in, run `notifyctl login` first")

// report renders the notices an API response or error carried. An error
// whose notices were printed comes back as errReported.
func report(out io.Writer, notices []notify.Notice, err error) error {
	n := notify.NewTerminalNotifier(out)
	for _, x := range notices {
		n.Notify(x)
	}
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		for _, x := range apiErr.Notices {
			n.Notify(x)
		}
		if len(apiErr.Notices) > 0 {
			// The notice already told the user what went wrong.
			return errReported
		}
	}
	return err
}

// errReported fails the command without printing a second error line.
var errReported = errors.New("request failed")

func printField(out io.Writer, label string, value *string) {
	v := mutedStyle.Render("(not set)")
	if value != nil {
		v = valueStyle.Render(*value)
	}
	fmt.Fprintf(out, "%s %s\n", labelStyle.Render(label), v)
}
