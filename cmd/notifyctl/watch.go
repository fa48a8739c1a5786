package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/sakif/discord-notify/internal/apperror"
	"github.com/sakif/discord-notify/internal/client"
	"github.com/sakif/discord-notify/internal/session"
)

var (
	signedInStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("42"))

	signedOutStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("214"))
)

// newWatchCmd follows the session live.
//
// The CLI runs the same session.Observer the server runs per browser tab,
// over a client.Provider: GET /api/me answers once, the /ws/session socket
// keeps answering. Each state change prints one line.
func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print every sign-in and sign-out of this session as it happens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.SessionID == "" {
				return errNotSignedIn
			}
			c, err := a.client()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return watch(ctx, c, cmd.OutOrStdout(), a)
		},
	}
}

func watch(ctx context.Context, c *client.Client, out io.Writer, a *app) error {
	// Fail fast when the server is unreachable. 401 just means signed out.
	if _, err := c.Me(ctx); err != nil && !errors.Is(err, apperror.ErrUnauthorized) {
		return err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	provider := client.NewProvider(c,
		client.WithProviderLogger(a.logger),
		client.WithDisconnect(func(err error) {
			cancel(fmt.Errorf("connection to server lost: %w", err))
		}),
	)
	obs := session.New(provider,
		session.WithLogger(a.logger),
		session.WithOnChange(func(st session.State) { printState(out, st) }),
	)
	defer obs.Dispose()
	obs.Start(ctx)

	<-ctx.Done()
	if err := context.Cause(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func printState(out io.Writer, st session.State) {
	ts := mutedStyle.Render(time.Now().Format(time.TimeOnly))
	switch st.Kind {
	case session.Authenticated:
		fmt.Fprintf(out, "%s %s %s\n", ts, signedInStyle.Render("signed in"), valueStyle.Render(st.Identity.Login))
	case session.Anonymous:
		fmt.Fprintf(out, "%s %s\n", ts, signedOutStyle.Render("signed out"))
	}
}
