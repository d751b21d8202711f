package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyper-ai-inc/termbridge/internal/config"
	"github.com/hyper-ai-inc/termbridge/internal/process"
)

// exitCodeError carries a child's exit status out of a command
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		port int
		host string
		dev  bool
	)

	cmd := &cobra.Command{
		Use:   "termbridge",
		Short: "Browser terminal bridge",
		Long: `termbridge serves interactive shells to browser clients over WebSocket.

Each connection may own one shell. Output and input are streamed byte for
byte; the shell is killed when the connection closes.

Configuration is read from the environment (TERMBRIDGE_* or the unprefixed
names such as PORT and ALLOWED_ORIGINS). Flags override the environment.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if cmd.Flags().Changed("host") {
				cfg.Host = host
			}
			if cmd.Flags().Changed("dev") {
				cfg.Dev = dev
			}
			return serve(cfg)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 3000, "port to listen on")
	cmd.Flags().StringVar(&host, "host", "", "interface to bind")
	cmd.Flags().BoolVar(&dev, "dev", false, "development mode: accept any origin")

	cmd.AddCommand(newExecCmd())
	return cmd
}

func newExecCmd() *cobra.Command {
	var (
		timeout time.Duration
		dir     string
	)

	cmd := &cobra.Command{
		Use:   "exec [flags] -- command [args...]",
		Short: "Run one command to completion with a timeout",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := process.Run(cmd.Context(), process.RunSpec{
				Command: args[0],
				Args:    args[1:],
				Dir:     dir,
				Stdin:   cmd.InOrStdin(),
				Timeout: timeout,
			})
			if err != nil {
				return err
			}
			cmd.OutOrStdout().Write(res.Stdout)
			cmd.ErrOrStderr().Write(res.Stderr)
			if res.ExitCode != 0 {
				return &exitCodeError{code: res.ExitCode}
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "kill the command after this long")
	cmd.Flags().StringVar(&dir, "dir", "", "working directory")
	return cmd
}

func serve(cfg config.Settings) error {
	server, err := NewServer(cfg)
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: server.Handler(),
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Starting termbridge on %s (shell %s, dev %v)", cfg.Addr(), cfg.Shell, cfg.Dev)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-sigCtx.Done():
		log.Println("Shutting down...")
	case err := <-errCh:
		server.Shutdown(context.Background())
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Session shutdown error: %v", err)
		return err
	}
	log.Println("termbridge stopped")
	return nil
}
