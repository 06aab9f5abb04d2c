package cmd

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/conneroisu/devloop/internal/client"
	"github.com/conneroisu/devloop/internal/config"
	deverrors "github.com/conneroisu/devloop/internal/errors"
	"github.com/conneroisu/devloop/internal/format"
	"github.com/conneroisu/devloop/internal/highlight"
	"github.com/conneroisu/devloop/internal/hmr"
	"github.com/conneroisu/devloop/internal/overlay"
)

var attachCmd = &cobra.Command{
	Use:   "attach [server-url]",
	Short: "Follow a running dev server's compilation status in the terminal",
	Long: `Connect to the status stream of a running dev server and render the
overlay in the terminal. The connection is re-established whenever the
stream stays silent longer than the client timeout.

The URL accepts the same path and timeout query parameters as the browser
client script.

Examples:
  devloop attach                                          # Follow http://localhost:3000
  devloop attach http://127.0.0.1:8080                    # Follow another server
  devloop attach 'http://localhost:3000?path=/__events&timeout=5000'`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAttach,
}

func init() {
	rootCmd.AddCommand(attachCmd)
}

func runAttach(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}

	opts := client.Options{
		Server:  "http://" + cfg.Addr(),
		Path:    cfg.EventStream.Path,
		Timeout: cfg.Client.Timeout,
		Logger:  logger,
	}
	if len(args) == 1 {
		if opts, err = attachOptions(opts, args[0]); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	out := cmd.OutOrStdout()
	doc := overlay.NewTerminalDocument(out, format.New(out))
	hl := highlight.New(highlight.Options{Style: cfg.Overlay.Style, Format: highlight.FormatTerminal})
	ov := overlay.New(doc.Mount, hl, func(state overlay.State) {
		if state.Banner {
			fmt.Fprintln(out, color.New(color.Faint).Sprint("Compiling..."))
		}
	})

	var hot client.HotUpdater
	if cfg.HMR.Enabled {
		wsURL := "ws" + strings.TrimPrefix(opts.Server, "http") + opts.Path + "/hmr"
		hc := hmr.NewClient(wsURL, terminalApplier{w: out}, logger)
		defer hc.Close()
		hot = hc
	}

	rt := client.New(opts, ov, hot)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		select {
		case <-sigs:
			// No hot update may start while shutting down.
			rt.SetUnloading(true)
			cancel()
		case <-ctx.Done():
		}
	}()

	color.Cyan("Attached to %s%s", opts.Server, opts.Path)
	return rt.Run(ctx)
}

// attachOptions applies a server URL, with an optional event stream path and
// query, over the configured options.
func attachOptions(opts client.Options, raw string) (client.Options, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return opts, deverrors.NewConfigError(deverrors.ErrCodeConfigInvalid, fmt.Sprintf("invalid server URL %q", raw))
	}
	opts.Server = u.Scheme + "://" + u.Host
	if p := strings.TrimRight(u.Path, "/"); p != "" {
		opts.Path = p
	}
	opts, err = opts.WithQuery(u.RawQuery)
	if err != nil {
		return opts, deverrors.NewConfigError(deverrors.ErrCodeConfigInvalid, err.Error())
	}
	return opts, nil
}

// terminalApplier reports hot updates instead of applying them.
type terminalApplier struct {
	w io.Writer
}

func (a terminalApplier) SwapCSS(_ context.Context, hash string, css []string) error {
	fmt.Fprintf(a.w, "%s %s %s\n", color.GreenString("Updated"), strings.Join(css, ", "), color.New(color.Faint).Sprint(hash))
	return nil
}

func (a terminalApplier) Reload(_ context.Context, hash string) error {
	fmt.Fprintf(a.w, "%s %s\n", color.YellowString("Scripts changed, a reload is needed"), color.New(color.Faint).Sprint(hash))
	return nil
}
