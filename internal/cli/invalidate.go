package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

type InvalidateOptions struct {
	*RootOptions
	Caller string
}

func NewInvalidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InvalidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "invalidate [script-id...]",
		Short: "Drop cached locators so the next resolution fetches again",
		Long: `Drop cached locators so the next resolution fetches again.

With --server every caller's entry is dropped and no ids means everything the
server has cached. In process, ids are required and --caller selects the entry.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return invalidateScripts(cmd, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.Caller, "caller", "", "caller id whose entries are dropped (in process only)")

	return cmd
}

func invalidateScripts(cmd *cobra.Command, opts *InvalidateOptions, scriptIDs []string) error {
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr(), Verbose: opts.Verbose}

	backend, err := openBackend(opts.RootOptions)
	if err != nil {
		return err
	}
	defer backend.Close()

	ids, err := backend.InvalidateScripts(cmd.Context(), opts.Caller, scriptIDs...)
	if err != nil {
		_ = out.Error("invalidate_failed", err.Error())
		return err
	}
	return out.Success(ids, func(w io.Writer) {
		if len(ids) == 0 {
			fmt.Fprintln(w, "nothing to invalidate")
			return
		}
		fmt.Fprintf(w, "invalidated: %s\n", strings.Join(ids, ", "))
	})
}
