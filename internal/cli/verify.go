package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tallyhq/relcount/internal/model"
	"github.com/tallyhq/relcount/internal/store"
)

// Drift is one counter whose stored value disagrees with the recomputed
// member count.
type Drift struct {
	Table    string `json:"table"`
	Key      int64  `json:"key"`
	Field    string `json:"field"`
	Relation string `json:"relation"`
	Stored   int64  `json:"stored"`
	Actual   int64  `json:"actual"`
}

// VerifyResult summarizes a verification run.
type VerifyResult struct {
	Checked int     `json:"checked"`
	Drift   []Drift `json:"drift,omitempty"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <schema> <database>",
		Short: "Verify stored counters against the relation tables",
		Long: `Recompute every relation counter from the membership tables and
compare with the stored values.

Plain counters have no ground truth and are skipped. Exits with status 1
when any counter has drifted; reinit repairs the reported rows.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(rootOpts, args[0], args[1], cmd)
		},
	}
}

func runVerify(opts *RootOptions, schemaPath, dbPath string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	sch, st, err := openDatabase(schemaPath, dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	result := VerifyResult{}
	for _, t := range sch.Tables {
		for i := range t.Counters {
			c := &t.Counters[i]
			if c.Relation == "" {
				continue
			}
			formatter.VerboseLog("verifying %s.%s against %s", t.Name, c.Name, c.Relation)
			drift, checked, err := verifyCounter(ctx, st, t, c)
			if err != nil {
				return WrapExitError(ExitCommandError, fmt.Sprintf("verifying %s.%s", t.Name, c.Name), err)
			}
			result.Checked += checked
			result.Drift = append(result.Drift, drift...)
		}
	}

	if len(result.Drift) > 0 {
		if opts.Format == "json" {
			if err := formatter.Success(result); err != nil {
				return err
			}
		} else {
			for _, d := range result.Drift {
				fmt.Fprintf(cmd.OutOrStdout(), "drift: %s[%d].%s stored=%d actual=%d\n",
					d.Table, d.Key, d.Field, d.Stored, d.Actual)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d of %d counter(s) drifted\n", len(result.Drift), result.Checked)
		}
		return NewExitError(ExitFailure, "counter drift detected")
	}

	return formatter.SuccessText(result, fmt.Sprintf("ok: %d counter(s) verified", result.Checked))
}

func verifyCounter(ctx context.Context, st *store.Store, t *model.Table, c *model.CounterField) ([]Drift, int, error) {
	sqlStr := fmt.Sprintf("SELECT id, %s FROM %s ORDER BY id ASC", c.Name, t.Name)
	rows, err := st.Query(ctx, sqlStr)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	type stored struct {
		key   int64
		value int64
	}
	var all []stored
	for rows.Next() {
		var s stored
		if err := rows.Scan(&s.key, &s.value); err != nil {
			return nil, 0, err
		}
		all = append(all, s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var drift []Drift
	for _, s := range all {
		actual, err := st.CountMembers(ctx, c.Relation, s.key)
		if err != nil {
			return nil, 0, err
		}
		if actual != s.value {
			drift = append(drift, Drift{
				Table:    t.Name,
				Key:      s.key,
				Field:    c.Name,
				Relation: c.Relation,
				Stored:   s.value,
				Actual:   actual,
			})
		}
	}
	return drift, len(all), nil
}
