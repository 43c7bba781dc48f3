package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"scriptresolver/internal/locator"
)

type ResolveOptions struct {
	*RootOptions
	Caller string
}

func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResolveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resolve <script-id>",
		Short: "Resolve a script id to its locator",
		Long: `Resolve a script id to its locator.

Without --server the resolver is built from the environment, so the cache
only survives between runs with a persistent STORAGE_DRIVER.

Example:
  scriptresolver resolve src_App_js --caller main --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return resolveScript(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Caller, "caller", "", "caller id the script is resolved for")

	return cmd
}

func resolveScript(cmd *cobra.Command, opts *ResolveOptions, scriptID string) error {
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr(), Verbose: opts.Verbose}

	backend, err := openBackend(opts.RootOptions)
	if err != nil {
		return err
	}
	defer backend.Close()

	out.VerboseLog("resolving %s for caller %q", scriptID, opts.Caller)
	loc, err := backend.ResolveScript(cmd.Context(), scriptID, opts.Caller)
	if err != nil {
		_ = out.Error("resolve_failed", err.Error())
		return err
	}
	return out.Success(loc, func(w io.Writer) { writeLocator(w, loc) })
}

func writeLocator(w io.Writer, loc locator.Locator) {
	fmt.Fprintf(w, "url:      %s\n", loc.URL)
	fmt.Fprintf(w, "fetch:    %t\n", loc.Fetch)
	fmt.Fprintf(w, "absolute: %t\n", loc.Absolute)
	fmt.Fprintf(w, "method:   %s\n", loc.Method)
	fmt.Fprintf(w, "timeout:  %s\n", loc.Timeout)
	if loc.Query != "" {
		fmt.Fprintf(w, "query:    %s\n", loc.Query)
	}
	for k, v := range loc.Headers {
		fmt.Fprintf(w, "header:   %s: %s\n", k, v)
	}
	if loc.Body != "" {
		fmt.Fprintf(w, "body:     %s\n", loc.Body)
	}
}
