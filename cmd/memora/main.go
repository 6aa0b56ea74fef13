// Command memora is the Memora messaging client: a local bridge daemon for
// the presentation layer plus a few terminal commands for signing in and
// chatting.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tbourn/memora-client/internal/app"
	"github.com/tbourn/memora-client/internal/config"
	"github.com/tbourn/memora-client/internal/domain"
	"github.com/tbourn/memora-client/internal/services"
	"github.com/tbourn/memora-client/internal/sysutil"
	"github.com/tbourn/memora-client/internal/utils"
)

var (
	version  = "dev"
	envFiles []string
	logLevel string
	pretty   string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "memora",
		Short:        "Memora messaging client",
		Long:         "memora keeps conversations in sync with the Memora backend and serves them to a local UI.",
		SilenceUsage: true,
		Version:      version,
	}
	root.PersistentFlags().StringSliceVar(&envFiles, "env", []string{".env"}, ".env files to load before reading the environment")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override LOG_LEVEL")
	root.PersistentFlags().StringVar(&pretty, "pretty", "", "human-readable logs (overrides LOG_PRETTY)")

	root.AddCommand(serveCmd())
	root.AddCommand(loginCmd())
	root.AddCommand(registerCmd())
	root.AddCommand(logoutCmd())
	root.AddCommand(conversationsCmd())
	root.AddCommand(chatCmd())
	return root
}

// setup loads configuration and the logger. Interactive commands default to
// console logs at warn so they do not drown the conversation.
func setup(interactive bool) (config.Config, zerolog.Logger, error) {
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return config.Config{}, zerolog.Nop(), fmt.Errorf("load env: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return cfg, zerolog.Nop(), err
	}
	level := sysutil.FirstNonEmpty(logLevel, cfg.LogLevel)
	if interactive && logLevel == "" {
		level = "warn"
	}
	usePretty := cfg.LogPretty || interactive
	if pretty != "" {
		usePretty = sysutil.IsTruthy(pretty)
	}
	return cfg, sysutil.NewLogger(level, usePretty, os.Stderr), nil
}

// openApp builds the App for a one-shot command.
func openApp(ctx context.Context, interactive bool) (*app.App, zerolog.Logger, error) {
	cfg, log, err := setup(interactive)
	if err != nil {
		return nil, log, err
	}
	a, err := app.New(ctx, cfg, version, log)
	return a, log, err
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the local bridge daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, log, err := openApp(ctx, false)
			if err != nil {
				return err
			}
			if err := a.Serve(ctx); err != nil {
				log.Error().Err(err).Msg("bridge stopped")
				return err
			}
			log.Info().Msg("bridge stopped")
			return nil
		},
	}
}

func loginCmd() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "login <username>",
		Short: "Sign in and store the session on this device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			pw := sysutil.FirstNonEmpty(password, os.Getenv("MEMORA_PASSWORD"))
			if pw == "" {
				return errors.New("password required: pass --password or set MEMORA_PASSWORD")
			}
			a, _, err := openApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			sess, err := a.Auth.SignIn(ctx, args[0], pw)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "signed in as %s\n", sysutil.FirstNonEmpty(sess.DisplayName, args[0]))
			return nil
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "account password (or MEMORA_PASSWORD)")
	return cmd
}

func registerCmd() *cobra.Command {
	var email, name, password string
	cmd := &cobra.Command{
		Use:   "register <username>",
		Short: "Create an account and sign in with it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			pw := sysutil.FirstNonEmpty(password, os.Getenv("MEMORA_PASSWORD"))
			switch {
			case strings.TrimSpace(email) == "":
				return errors.New("email required: pass --email")
			case pw == "":
				return errors.New("password required: pass --password or set MEMORA_PASSWORD")
			}
			a, _, err := openApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			sess, err := a.Auth.Register(ctx, services.Registration{
				Email:       email,
				Username:    args[0],
				DisplayName: sysutil.FirstNonEmpty(name, args[0]),
				Password:    pw,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "account created; signed in as %s\n", sysutil.FirstNonEmpty(sess.DisplayName, args[0]))
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&name, "name", "", "display name (defaults to the username)")
	cmd.Flags().StringVarP(&password, "password", "p", "", "account password (or MEMORA_PASSWORD)")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, _, err := openApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Auth.SignOut(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "signed out")
			return nil
		},
	}
}

func conversationsCmd() *cobra.Command {
	var page, size int
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"ls"},
		Short:   "List the inbox",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, _, err := openApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			sess, err := a.Auth.Current()
			if err != nil {
				return err
			}
			p, err := a.Inbox.ListPage(ctx, sess.UserID, page, size)
			if err != nil {
				return err
			}
			printInbox(cmd.OutOrStdout(), p)
			return nil
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&size, "size", utils.DefaultPageSize, "conversations per page")
	return cmd
}

func printInbox(w io.Writer, p *services.InboxPage) {
	if p.Stale {
		fmt.Fprintf(w, "(offline) %s\n", p.Notice)
	}
	if len(p.Items) == 0 {
		fmt.Fprintln(w, "no conversations")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, it := range p.Items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", it.ID, it.Title, it.Preview, it.TimeAgo)
	}
	_ = tw.Flush()
	if pages := utils.TotalPages(p.Total, p.PageSize); p.Page < pages {
		fmt.Fprintf(w, "page %d of %d; --page %d for more\n", p.Page, pages, p.Page+1)
	}
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat <conversationId>",
		Short: "Open a conversation in the terminal",
		Long:  "Prints the conversation and follows new messages. Each line typed is sent; /retry <key> re-sends a failed message and /quit leaves.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, _, err := openApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			sess, err := a.Auth.Current()
			if err != nil {
				return err
			}
			a.StartRealtime(ctx)

			s, err := a.Conversations.Open(ctx, args[0])
			if err != nil {
				return err
			}
			if it, err := a.Inbox.Get(ctx, sess.UserID, args[0]); err == nil {
				s.SetCounterpart(it.Counterpart)
			}

			out := newChatPrinter(cmd.OutOrStdout(), sess.UserID)
			out.print(s.View())
			unwatch := s.Watch(out.print)
			defer unwatch()

			return chatLoop(ctx, cmd.InOrStdin(), cmd.ErrOrStderr(), s)
		},
	}
}

// chatLoop reads stdin until EOF, /quit or ctx is done.
func chatLoop(ctx context.Context, in io.Reader, errOut io.Writer, s *services.Synchronizer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case line == "/quit":
				return nil
			case strings.HasPrefix(line, "/retry "):
				if _, err := s.Retry(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/retry "))); err != nil {
					fmt.Fprintln(errOut, "retry:", err)
				}
			default:
				m, err := s.Send(ctx, s.ConversationID(), line)
				switch {
				case err != nil:
					fmt.Fprintln(errOut, err)
				case m == nil:
					fmt.Fprintln(errOut, "still sending the previous message")
				}
			}
		}
	}
}

// chatPrinter writes each message once, plus a line when it fails to send.
// Watchers run on the sender's and the push goroutine alike.
type chatPrinter struct {
	mu    sync.Mutex
	w     io.Writer
	me    string
	shown map[string]domain.DeliveryState
	note  string
	state domain.LoadState
}

func newChatPrinter(w io.Writer, me string) *chatPrinter {
	return &chatPrinter{w: w, me: me, shown: make(map[string]domain.DeliveryState)}
}

func (p *chatPrinter) print(v services.View) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v.State != p.state {
		p.state = v.State
		switch v.State {
		case domain.LoadReady:
			fmt.Fprintf(p.w, "-- %s --\n", sysutil.FirstNonEmpty(v.Counterpart.DisplayName, v.ConversationID))
		case domain.LoadUnloaded:
			fmt.Fprintln(p.w, "-- conversation closed --")
		}
	}
	for _, m := range v.Messages {
		key := m.Key()
		prev, seen := p.shown[key]
		if seen && prev == m.State {
			continue
		}
		p.shown[key] = m.State
		if seen {
			if m.State == domain.DeliveryFailed {
				fmt.Fprintf(p.w, "   ! not sent (/retry %s)\n", key)
			}
			continue
		}
		who := sysutil.FirstNonEmpty(m.Sender.DisplayName, m.Sender.ID)
		if m.SentBy(p.me) || m.State == domain.DeliveryPending {
			who = "you"
		}
		fmt.Fprintf(p.w, "[%s] %s: %s\n", m.CreatedAt.Local().Format(time.Kitchen), who, m.Content)
		if m.State == domain.DeliveryFailed {
			fmt.Fprintf(p.w, "   ! not sent (/retry %s)\n", key)
		}
	}
	if v.Notice != "" && v.Notice != p.note {
		fmt.Fprintln(p.w, "!", v.Notice)
	}
	p.note = v.Notice
}
