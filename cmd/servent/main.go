// Command servent is the CLI entrypoint for a Gnutella-style overlay
// peer: it parses the command-line flags, wires up the servent's
// config/logging, and drives internal/servent's event loop until shutdown.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/ripplenet/servent/internal/config"
	"github.com/ripplenet/servent/internal/logging"
	"github.com/ripplenet/servent/internal/servent"
	"github.com/ripplenet/servent/internal/share"
	"github.com/spf13/cobra"
)

// Exit codes reported to the spawning front-end.
const (
	exitOK           = 0
	exitIOError      = 1
	exitBadArgs      = 2
	exitSpawnFailure = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) >= 2 && os.Args[1] == share.LookupSubcommand {
		return share.RunLookupChild(os.Args[2:], os.Stdout)
	}

	setupLogger()
	config.Init()

	var (
		first      bool
		listenPort string
		contact    []string
		shareDir   string
	)

	root := &cobra.Command{
		Use:           "servent",
		Short:         "A Gnutella-style peer-to-peer file-sharing servent",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServent(cmd.Context(), first, listenPort, contact, shareDir)
		},
	}

	root.Flags().BoolVarP(&first, "first", "f", false, "start as the first machine (no neighbour bootstrap)")
	root.Flags().StringVarP(&listenPort, "listen", "l", "", "port to listen on (required, 1025-65535)")
	// pflag has no single-flag "takes two tokens" form, so the seed
	// contact is carried as a comma-separated pair (--contact IP,PORT),
	// the usual cobra/pflag way to pack more than one value behind one
	// flag.
	root.Flags().StringSliceVarP(&contact, "contact", "c", nil, "seed contact, as IP,PORT")
	root.Flags().StringVar(&shareDir, "share", "", "directory of shareable files (default: config's ShareDir)")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		if code, ok := exitCodeFor(err); ok {
			fmt.Fprintln(os.Stderr, "servent:", err)
			return code
		}
		fmt.Fprintln(os.Stderr, "servent:", err)
		return exitIOError
	}
	return exitOK
}

func setupLogger() {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelInfo
	h := logging.NewPrettyHandler(os.Stdout, &opts)
	slog.SetDefault(slog.New(h))
}

// argError is returned for CLI usage mistakes, mapping to exit code 2.
type argError struct{ error }

// spawnError is returned when the servent itself could not be
// constructed, mapping to exit code 3.
type spawnError struct{ error }

func exitCodeFor(err error) (int, bool) {
	switch err.(type) {
	case argError:
		return exitBadArgs, true
	case spawnError:
		return exitSpawnFailure, true
	default:
		if errors.Is(err, servent.ErrFatalLocalProtocol) {
			return exitIOError, true
		}
		return 0, false
	}
}

func runServent(ctx context.Context, first bool, listenPort string, contact []string, shareDir string) error {
	if listenPort == "" {
		return argError{fmt.Errorf("--listen/-l is required")}
	}
	if err := validatePort(listenPort); err != nil {
		return argError{err}
	}

	var contactIP, contactPort string
	switch {
	case len(contact) == 2:
		contactIP, contactPort = contact[0], contact[1]
		if err := validatePort(contactPort); err != nil {
			return argError{err}
		}
	case len(contact) != 0:
		return argError{fmt.Errorf("--contact/-c requires exactly IP and PORT")}
	case !first:
		return argError{fmt.Errorf("either --first/-f or --contact/-c IP,PORT is required")}
	}

	cfg := config.Load()
	if shareDir != "" {
		cfg = config.Update(func(c *config.Config) { c.ShareDir = shareDir })
	}

	log := slog.Default()

	s, err := servent.New(cfg, log, listenPort)
	if err != nil {
		return spawnError{fmt.Errorf("constructing servent: %w", err)}
	}

	if err := s.Bootstrap(ctx, contactIP, contactPort); err != nil {
		log.Warn("bootstrap join did not fully succeed, continuing with whatever neighbours were gained", "err", err)
	}

	log.Info("servent started", "listen_port", s.ListenPort(), "first", first)
	return s.Run(ctx)
}

func validatePort(s string) error {
	p, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", s, err)
	}
	if p < 1025 || p > 65535 {
		return fmt.Errorf("port %d out of range [1025, 65535]", p)
	}
	return nil
}
