package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tallyhq/relcount/internal/model"
	"github.com/tallyhq/relcount/internal/schemadef"
)

// ValidationResult holds the outcome of schema validation.
type ValidationResult struct {
	Valid     bool     `json:"valid"`
	Tables    int      `json:"tables,omitempty"`
	Relations int      `json:"relations,omitempty"`
	Counters  int      `json:"counters,omitempty"`
	Errors    []string `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <schema>",
		Short: "Validate a schema definition",
		Long: `Validate a CUE schema definition without touching a database.

Checks syntax, field types, relation declarations and counter bindings,
including the structural rules: relation counters must reference a
declared relation that is multi-valued from the owning table's side.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
}

func runValidate(opts *RootOptions, schemaPath string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	sch, err := LoadSchema(schemaPath)
	if err != nil {
		code := ErrCodeCompile
		var loadErr *LoadError
		if errors.As(err, &loadErr) {
			code = loadErr.Code
		}
		var compileErr *schemadef.CompileError
		if errors.As(err, &compileErr) {
			code = compileErr.Code
		}
		if outErr := formatter.Error(code, err.Error(), ValidationResult{Valid: false, Errors: []string{err.Error()}}); outErr != nil {
			return outErr
		}
		return NewExitError(ExitFailure, "schema validation failed")
	}

	counters := 0
	for _, t := range sch.Tables {
		counters += len(t.Counters)
		for i := range t.Counters {
			formatter.VerboseLog("counter %s", describeCounter(t, &t.Counters[i]))
		}
	}
	result := ValidationResult{
		Valid:     true,
		Tables:    len(sch.Tables),
		Relations: len(sch.Relations),
		Counters:  counters,
	}
	return formatter.SuccessText(result,
		fmt.Sprintf("schema valid: %d table(s), %d relation(s), %d counter(s)",
			result.Tables, result.Relations, result.Counters))
}

// describeCounter renders one counter binding for verbose output.
func describeCounter(t *model.Table, c *model.CounterField) string {
	if c.Relation == "" {
		return fmt.Sprintf("%s.%s (plain)", t.Name, c.Name)
	}
	return fmt.Sprintf("%s.%s -> %s", t.Name, c.Name, c.Relation)
}
