// Command pizauth is a local OAuth2 token-caching daemon and its
// control CLI: `pizauth server` runs the daemon, the other subcommands
// drive it over its control socket.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pizauth/pizauth/config"
	"github.com/pizauth/pizauth/daemon"
	"github.com/pizauth/pizauth/ipc"
	"github.com/pizauth/pizauth/logging"
)

// Exit codes, spec.md §6.
const (
	exitOK          = 0
	exitCLIError    = 1
	exitUnreachable = 2
)

var (
	configPath string
	socketPath string
	debug      bool
)

func main() {
	root := &cobra.Command{
		Use:           "pizauth",
		Short:         "Local OAuth2 token-caching daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "path to pizauth.conf")
	root.PersistentFlags().StringVar(&socketPath, "socket", config.DefaultSocketPath(), "path to the control socket")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	root.AddCommand(serverCmd(), showCmd(), refreshCmd(), reloadCmd(), shutdownCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

// cliError carries an explicit exit code so main can map daemon-
// unreachable failures to exit 2 while everything else CLI-side is 1.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	var ce *cliError
	if errors.As(err, &ce) {
		return ce.code
	}
	return exitCLIError
}

func unreachable(err error) error {
	return &cliError{code: exitUnreachable, err: fmt.Errorf("contacting pizauth daemon: %w", err)}
}

func serverCmd() *cobra.Command {
	var detach bool
	var pidPath string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the pizauth daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(detach, pidPath)
		},
	}
	cmd.Flags().BoolVarP(&detach, "daemonize", "d", false, "detach into the background")
	cmd.Flags().StringVar(&pidPath, "pid-file", config.DefaultPIDPath(), "path to the PID file used with -d")
	return cmd
}

// childArgv reproduces os.Args with -d/--daemonize stripped, so the
// re-exec'd child runs in the foreground instead of detaching again.
func childArgv() []string {
	argv := make([]string, 0, len(os.Args))
	for _, a := range os.Args {
		if a == "-d" || a == "--daemonize" {
			continue
		}
		argv = append(argv, a)
	}
	return argv
}

func runServer(detach bool, pidPath string) error {
	if detach {
		proc, err := daemon.Detach(childArgv())
		if err != nil {
			return &cliError{code: exitCLIError, err: err}
		}
		if err := daemon.WritePIDFile(pidPath, proc.Pid); err != nil {
			return &cliError{code: exitCLIError, err: err}
		}
		fmt.Fprintf(os.Stderr, "pizauth server started, pid %d\n", proc.Pid)
		return nil
	}

	logger, err := logging.New(debug)
	if err != nil {
		return &cliError{code: exitCLIError, err: err}
	}
	defer logger.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		return &cliError{code: exitCLIError, err: err}
	}

	ctrl, err := daemon.New(cfg, daemon.Options{
		ConfigPath: configPath,
		SocketPath: socketPath,
		Logger:     logger,
	})
	if err != nil {
		return &cliError{code: exitCLIError, err: err}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				logger.Info("SIGHUP received, reloading configuration")
				if err := ctrl.Reload(ctx); err != nil {
					logger.Warn("reload failed", zap.Error(err))
				}
			default:
				logger.Info("signal received, shutting down", zap.String("signal", sig.String()))
				cancel()
				return
			}
		}
	}()

	return ctrl.Run(ctx)
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <account>",
		Short: "Print the cached access token for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(args[0])
		},
	}
}

func runShow(account string) error {
	client := ipc.NewClient(socketPath)
	reply, err := client.Call("show", account)
	if err != nil {
		return unreachable(err)
	}

	switch reply.Tag {
	case ipc.ReplyToken:
		fmt.Println(reply.Body)
		return nil
	case ipc.ReplyPending:
		fmt.Fprintln(os.Stderr, "authentication already in progress")
		return &cliError{code: exitCLIError, err: fmt.Errorf("no valid token for %s", account)}
	case ipc.ReplyError:
		kind, _, _ := strings.Cut(reply.Body, " ")
		fmt.Fprintf(os.Stderr, "ERROR %s\n", kind)
		return &cliError{code: exitCLIError, err: fmt.Errorf("no valid token for %s", account)}
	default:
		return &cliError{code: exitCLIError, err: fmt.Errorf("%s", reply.Body)}
	}
}

func refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <account>...",
		Short: "Force a refresh of one or more accounts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := ipc.NewClient(socketPath)
			reply, err := client.Call("refresh", args...)
			if err != nil {
				return unreachable(err)
			}
			if reply.Tag != ipc.ReplyOK {
				return &cliError{code: exitCLIError, err: fmt.Errorf("%s", reply.Body)}
			}
			return nil
		},
	}
}

func reloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Reload the daemon's configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := ipc.NewClient(socketPath)
			reply, err := client.Call("reload")
			if err != nil {
				return unreachable(err)
			}
			if reply.Tag != ipc.ReplyOK {
				return &cliError{code: exitCLIError, err: fmt.Errorf("%s", reply.Body)}
			}
			return nil
		},
	}
}

func shutdownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Tell the daemon to shut down",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := ipc.NewClient(socketPath)
			reply, err := client.Call("shutdown")
			if err != nil {
				return unreachable(err)
			}
			if reply.Tag != ipc.ReplyOK {
				return &cliError{code: exitCLIError, err: fmt.Errorf("%s", reply.Body)}
			}
			return nil
		},
	}
}
