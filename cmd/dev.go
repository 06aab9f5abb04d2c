package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/devloop/internal/config"
	"github.com/conneroisu/devloop/internal/devserver"
)

var devCmd = &cobra.Command{
	Use:     "dev",
	Aliases: []string{"serve", "s"},
	Short:   "Start the development server with live compilation status",
	Long: `Bundle the project, watch it for changes and serve it with the browser
client injected. Every connected page receives the compilation status over
server-sent events and shows problems in an overlay.

Examples:
  devloop dev                     # Serve on localhost:3000
  devloop dev --port 8080         # Serve on another port
  PORT=8080 devloop dev           # Same, from the environment
  devloop dev --open              # Open the browser once listening`,
	RunE: runDev,
}

func init() {
	rootCmd.AddCommand(devCmd)

	devCmd.Flags().IntP("port", "p", 3000, "Port to serve on")
	devCmd.Flags().String("host", "localhost", "Host to bind to")
	devCmd.Flags().Bool("open", false, "Open the browser once the server listens")
	devCmd.Flags().Bool("type-check", false, "Run the type checker after each build")

	_ = viper.BindPFlag("server.port", devCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("server.host", devCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.open", devCmd.Flags().Lookup("open"))
	_ = viper.BindPFlag("type_check.enabled", devCmd.Flags().Lookup("type-check"))
}

func runDev(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := devserver.New(devserver.Options{
		Config: cfg,
		Logger: logger,
		Out:    cmd.OutOrStdout(),
		OnListen: func(addr net.Addr) {
			printBanner(cfg, addr)
			if cfg.Server.Open {
				openBrowser(ctx, "http://"+addr.String())
			}
		},
	})
	if err != nil {
		return err
	}

	err = srv.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printBanner(cfg *config.Config, addr net.Addr) {
	bold := color.New(color.Bold).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()
	dim := color.New(color.Faint).SprintFunc()

	fmt.Printf("\n  %s %s\n\n", bold("devloop"), dim(cfg.Build.Mode))
	fmt.Printf("  Local:   %s\n", cyan("http://"+addr.String()))
	fmt.Printf("  Stream:  %s\n", dim(cfg.EventStream.Path))
	fmt.Printf("  Bundle:  %s\n\n", dim(cfg.Build.PublicPath))
}

func openBrowser(ctx context.Context, url string) {
	var name string
	var args []string
	switch runtime.GOOS {
	case "darwin":
		name = "open"
	case "windows":
		name, args = "rundll32", []string{"url.dll,FileProtocolHandler"}
	default:
		name = "xdg-open"
	}
	args = append(args, url)
	if err := exec.CommandContext(ctx, name, args...).Start(); err != nil {
		color.Yellow("Could not open the browser: %v", err)
	}
}
