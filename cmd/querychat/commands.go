package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/xaenox/querychat/internal/chat"
	"github.com/xaenox/querychat/internal/models"
	"github.com/xaenox/querychat/internal/session"
	"golang.org/x/term"
)

var errSignedOut = errors.New("not signed in")

// stdin is shared so consecutive prompts read consecutive lines.
var stdin *bufio.Reader

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Sign in and store the session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if d := guard.Evaluate(cmd.Context(), session.PathLogin); d.Action == session.RedirectToHome {
			identity, _ := guard.Identity()
			fmt.Fprintf(cmd.OutOrStdout(), "Already signed in as %s.\n", identity.Username)
			return nil
		}

		password, err := readPassword(cmd, "Password: ")
		if err != nil {
			return err
		}
		if _, err := guard.Login(cmd.Context(), args[0], password); err != nil {
			return errors.New(session.ErrorReason(err))
		}
		identity, _ := guard.Identity()
		fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s.\n", identity.Username)
		return nil
	},
}

var registerPhone string

var registerCmd = &cobra.Command{
	Use:   "register <username>",
	Short: "Create an account and sign in",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPassword(cmd, "Password: ")
		if err != nil {
			return err
		}
		confirm, err := readPassword(cmd, "Repeat password: ")
		if err != nil {
			return err
		}

		_, err = guard.Register(cmd.Context(), session.RegisterInput{
			Username:        args[0],
			Password:        password,
			ConfirmPassword: confirm,
			PhoneNumber:     registerPhone,
		})
		if err != nil {
			return errors.New(session.ErrorReason(err))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Registered and signed in as %s.\n", strings.TrimSpace(args[0]))
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and clear the stored session",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		guard.Logout(cmd.Context())
		fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the stored session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		d := guard.Evaluate(cmd.Context(), "/profile")
		if d.Action == session.RedirectToLogin {
			fmt.Fprintln(out, session.ReasonText(d.Reason))
			return errSignedOut
		}

		identity, _ := guard.Identity()
		fmt.Fprintf(out, "Profile:   %s\n", profile)
		fmt.Fprintf(out, "User:      %s (%s)\n", identity.Username, identity.Role)
		if exp := guard.Expiry(); !exp.IsZero() {
			fmt.Fprintf(out, "Expires:   %s\n", exp.Local().Format(time.RFC1123))
		}
		fmt.Fprintf(out, "Backend:   %s\n", cfg.Backend.BaseURL)
		return nil
	},
}

var askCmd = &cobra.Command{
	Use:   "ask <text>",
	Short: "Send one query in a new chat and print the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d := guard.Evaluate(cmd.Context(), session.PathChat)
		if d.Action == session.RedirectToLogin {
			fmt.Fprintln(cmd.ErrOrStderr(), session.ReasonText(d.Reason))
			return errSignedOut
		}

		result := &askResult{}
		s := chat.New(client, guard, chat.Config{
			Options:     cfg.Query.Options(),
			TitleMaxLen: cfg.Chat.TitleMaxLen,
			Observer:    result,
		}, logger)
		s.CreateThread()

		if _, err := s.Send(cmd.Context(), strings.Join(args, " ")); err != nil {
			return err
		}
		s.Wait()
		return result.print(cmd)
	},
}

func init() {
	registerCmd.Flags().StringVar(&registerPhone, "phone", "", "phone number to attach to the account")
}

// askResult collects the outcome of a single send.
type askResult struct {
	mu      sync.Mutex
	reply   *models.Message
	reason  string
	expired bool
}

func (r *askResult) Delivered(msg models.Message, reply *models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reply = reply
}

func (r *askResult) Failed(msg models.Message, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reason = reason
}

func (r *askResult) Expired(msg models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expired = true
	r.reason = msg.Error
}

func (r *askResult) print(cmd *cobra.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.expired:
		d := guard.Evaluate(cmd.Context(), session.PathChat)
		fmt.Fprintln(cmd.ErrOrStderr(), session.ReasonText(d.Reason))
		return errSignedOut
	case r.reason != "":
		return errors.New(r.reason)
	case r.reply == nil:
		fmt.Fprintln(cmd.OutOrStdout(), "(no reply)")
	default:
		fmt.Fprintln(cmd.OutOrStdout(), r.reply.Text)
	}
	return nil
}

func readPassword(cmd *cobra.Command, prompt string) (string, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), prompt)
		raw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(raw), nil
	}

	if stdin == nil {
		stdin = bufio.NewReader(cmd.InOrStdin())
	}
	line, err := stdin.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
