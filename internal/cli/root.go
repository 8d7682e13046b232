package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// Logger returns a structured logger honoring the verbose flag. Log output
// goes to stderr so JSON on stdout stays parseable.
func (o *RootOptions) Logger() *slog.Logger {
	level := slog.LevelWarn
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewRootCommand creates the root command for the relcount CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "relcount",
		Short: "relcount - relation counter maintenance",
		Long:  "Inspect, verify and repair denormalized relation counters in a relcount database.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewDumpCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewReinitCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
