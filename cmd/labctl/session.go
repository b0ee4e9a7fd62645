package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"dairylab/auth"
	"dairylab/session"
)

const callbackPath = "/callback"

func loginCmd(app *cliApp) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in through the browser",
		Long: `Restore the stored session, or open the identity provider's login page and wait for
the browser to come back to the loopback callback.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := app.env()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			id, err := runLogin(ctx, e.manager, e.cfg.CallbackAddr)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s\n", displayName(id))
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "How long to wait for the browser login")
	return cmd
}

// runLogin restores the stored session or completes an interactive login through a loopback
// callback server listening on addr.
func runLogin(ctx context.Context, m *session.Manager, addr string) (*auth.Identity, error) {
	if res := m.Restore(ctx); res.Outcome == session.Authenticated {
		return res.Identity, nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen for login callback: %w", err)
	}
	redirect := "http://" + ln.Addr().String() + callbackPath

	results := make(chan session.Result, 1)
	started := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-started:
		case <-ctx.Done():
			http.Error(w, "Login timed out.", http.StatusServiceUnavailable)
			return
		}
		if msg := r.URL.Query().Get("error"); msg != "" {
			http.Error(w, "Login failed: "+msg, http.StatusBadRequest)
			deliver(results, session.Result{Outcome: session.Failed, Err: fmt.Errorf("identity provider: %s", msg)})
			return
		}
		current, _ := url.Parse(redirect)
		current.RawQuery = r.URL.RawQuery

		res := m.CheckParams(ctx, current)
		if res.Outcome != session.Authenticated {
			http.Error(w, "Login did not complete, check the terminal.", http.StatusBadRequest)
			deliver(results, res)
			return
		}
		_, _ = io.WriteString(w, "Login complete. You can close this window.\n")
		deliver(results, res)
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	err = m.Login(ctx, redirect)
	close(started)
	if err != nil {
		return nil, err
	}
	if id := m.Identity(); id != nil {
		return id, nil
	}

	select {
	case res := <-results:
		if res.Outcome != session.Authenticated {
			if res.Err != nil {
				return nil, fmt.Errorf("login failed: %w", res.Err)
			}
			return nil, errors.New("login failed")
		}
		return res.Identity, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for browser login: %w", ctx.Err())
	}
}

func deliver(ch chan<- session.Result, res session.Result) {
	select {
	case ch <- res:
	default:
	}
}

func logoutCmd(app *cliApp) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session and forget stored credentials",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := app.env()
			if err != nil {
				return err
			}
			e.manager.Restore(cmd.Context())
			e.manager.Logout(cmd.Context())
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		},
	}
}

func whoamiCmd(app *cliApp) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := app.env()
			if err != nil {
				return err
			}
			res := e.manager.Restore(cmd.Context())
			if res.Outcome != session.Authenticated {
				if res.Err != nil {
					e.logger.Debug("session restore failed", "error", res.Err)
				}
				return ErrLoginRequired
			}
			id := res.Identity
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Subject:  %s\n", id.SubjectID)
			fmt.Fprintf(out, "Username: %s\n", id.Username)
			if name := strings.TrimSpace(id.FirstName + " " + id.LastName); name != "" {
				fmt.Fprintf(out, "Name:     %s\n", name)
			}
			fmt.Fprintf(out, "Roles:    %s\n", strings.Join(id.Roles, ", "))
			if c := e.provider.Tokens().Parsed; c != nil && c.ExpiresAt != nil {
				fmt.Fprintf(out, "Expires:  %s\n", c.ExpiresAt.Local().Format(time.RFC1123))
			}
			return nil
		},
	}
}

func tokenCmd(app *cliApp) *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print the current access token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := app.env()
			if err != nil {
				return err
			}
			res := e.manager.Restore(cmd.Context())
			if res.Outcome == session.Authenticated && refresh {
				res = e.manager.Refresh(cmd.Context())
			}
			if res.Outcome != session.Authenticated {
				return ErrLoginRequired
			}
			fmt.Fprintln(cmd.OutOrStdout(), e.manager.AccessToken())
			return nil
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "Refresh the token before printing it")
	return cmd
}

func displayName(id *auth.Identity) string {
	if id.Username != "" {
		return id.Username
	}
	return id.SubjectID
}
