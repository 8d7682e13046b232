package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tallyhq/relcount/internal/model"
	"github.com/tallyhq/relcount/internal/store"
)

// DumpRow is one row's stored counter values.
type DumpRow struct {
	Table    string           `json:"table"`
	Key      int64            `json:"key"`
	Counters map[string]int64 `json:"counters"`
}

// NewDumpCommand creates the dump command.
func NewDumpCommand(rootOpts *RootOptions) *cobra.Command {
	var table string

	cmd := &cobra.Command{
		Use:   "dump <schema> <database>",
		Short: "Dump stored counter values",
		Long: `Dump the stored counter values of every row, straight from the
database with no engine in between.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDump(rootOpts, args[0], args[1], table, cmd)
		},
	}
	cmd.Flags().StringVar(&table, "table", "", "dump only this table")
	return cmd
}

func runDump(opts *RootOptions, schemaPath, dbPath, only string, cmd *cobra.Command) error {
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
	var rows []DumpRow
	for _, t := range sch.Tables {
		if len(t.Counters) == 0 || (only != "" && t.Name != only) {
			continue
		}
		formatter.VerboseLog("dumping %s", t.Name)
		tableRows, err := dumpTable(ctx, st, t)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("dumping %s", t.Name), err)
		}
		rows = append(rows, tableRows...)
	}

	if opts.Format == "json" {
		return formatter.Success(rows)
	}
	for _, r := range rows {
		fmt.Fprintf(cmd.OutOrStdout(), "%s[%d] %s\n", r.Table, r.Key, formatCounters(r.Counters))
	}
	return nil
}

func dumpTable(ctx context.Context, st *store.Store, t *model.Table) ([]DumpRow, error) {
	cols := make([]string, 0, len(t.Counters))
	for i := range t.Counters {
		cols = append(cols, t.Counters[i].Name)
	}

	sqlStr := fmt.Sprintf("SELECT id, %s FROM %s ORDER BY id ASC", strings.Join(cols, ", "), t.Name)
	dbRows, err := st.Query(ctx, sqlStr)
	if err != nil {
		return nil, err
	}
	defer dbRows.Close()

	var rows []DumpRow
	for dbRows.Next() {
		var key int64
		vals := make([]int64, len(cols))
		dest := make([]any, 0, len(cols)+1)
		dest = append(dest, &key)
		for i := range vals {
			dest = append(dest, &vals[i])
		}
		if err := dbRows.Scan(dest...); err != nil {
			return nil, err
		}
		counters := make(map[string]int64, len(cols))
		for i, c := range cols {
			counters[c] = vals[i]
		}
		rows = append(rows, DumpRow{Table: t.Name, Key: key, Counters: counters})
	}
	return rows, dbRows.Err()
}

func formatCounters(counters map[string]int64) string {
	names := make([]string, 0, len(counters))
	for name := range counters {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%d", name, counters[name]))
	}
	return strings.Join(parts, " ")
}
