package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"scriptresolver/internal/app"
	"scriptresolver/internal/config"
	"scriptresolver/internal/locator"
)

var errLoadRemote = errors.New("load and prefetch run in process, drop --server")

type LoadOptions struct {
	*RootOptions
	Caller string
	Out    string
}

type loadResult struct {
	Locator locator.Locator `json:"locator"`
	Bytes   int             `json:"bytes"`
	Out     string          `json:"out,omitempty"`
}

func NewLoadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LoadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "load <script-id>",
		Short: "Resolve a script and retrieve its code",
		Long: `Resolve a script and retrieve its code.

The code is written to --out, or to stdout with the text format.

Example:
  scriptresolver load src_App_js --caller main --out app.bundle`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return loadScript(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Caller, "caller", "", "caller id the script is resolved for")
	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "file the code is written to")

	return cmd
}

func loadScript(cmd *cobra.Command, opts *LoadOptions, scriptID string) error {
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr(), Verbose: opts.Verbose}
	if strings.TrimSpace(opts.Server) != "" {
		return errLoadRemote
	}

	size := 0
	sink := func(_ context.Context, _ string, code []byte) error {
		size = len(code)
		switch {
		case opts.Out != "":
			return os.WriteFile(opts.Out, code, 0o644)
		case opts.Format == "text":
			_, err := cmd.OutOrStdout().Write(code)
			return err
		}
		return nil
	}
	a, err := newLocalApp(app.WithLoadSink(sink))
	if err != nil {
		return err
	}
	defer a.Close()

	loc, err := a.Manager().LoadScript(cmd.Context(), scriptID, opts.Caller)
	if err != nil {
		_ = out.Error("load_failed", err.Error())
		return err
	}
	out.VerboseLog("loaded %s from %s (%d bytes, fetch=%t)", scriptID, loc.URL, size, loc.Fetch)
	if opts.Format == "text" && opts.Out == "" {
		return nil
	}
	return out.Success(loadResult{Locator: loc, Bytes: size, Out: opts.Out}, func(w io.Writer) {
		fmt.Fprintf(w, "wrote %d bytes to %s\n", size, opts.Out)
	})
}

func NewPrefetchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResolveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "prefetch <script-id>",
		Short:         "Resolve a script and check its code can be retrieved",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr(), Verbose: opts.Verbose}
			if strings.TrimSpace(opts.Server) != "" {
				return errLoadRemote
			}
			a, err := newLocalApp()
			if err != nil {
				return err
			}
			defer a.Close()

			loc, err := a.Manager().PrefetchScript(cmd.Context(), args[0], opts.Caller)
			if err != nil {
				_ = out.Error("prefetch_failed", err.Error())
				return err
			}
			return out.Success(loc, func(w io.Writer) { writeLocator(w, loc) })
		},
	}

	cmd.Flags().StringVar(&opts.Caller, "caller", "", "caller id the script is resolved for")

	return cmd
}

func newLocalApp(opts ...app.Option) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return app.New(cfg, opts...)
}
