package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/luneth-sync/internal/app"
	"github.com/JakeFAU/luneth-sync/internal/crawler"
	"github.com/JakeFAU/luneth-sync/internal/extract"
)

func newRecordsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Browse and flag cached records",
	}
	cmd.AddCommand(
		newRecordsListCmd(),
		newRecordActionCmd("view", "Mark a record as viewed", (*app.Context).MarkViewed),
		newRecordActionCmd("like", "Mark a record as liked", (*app.Context).MarkLiked),
		newRecordActionCmd("unlike", "Clear a record's liked flag", (*app.Context).MarkUnliked),
	)
	return cmd
}

func newRecordsListCmd() *cobra.Command {
	var (
		viewed, liked, submitted, cached string
		offset, limit                    int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			var filter crawler.RecordFilter
			for _, f := range []struct {
				name string
				raw  string
				dest **bool
			}{
				{"viewed", viewed, &filter.Viewed},
				{"liked", liked, &filter.Liked},
				{"submitted", submitted, &filter.Submitted},
				{"cached", cached, &filter.Cached},
			} {
				if f.raw == "" {
					continue
				}
				val, perr := strconv.ParseBool(f.raw)
				if perr != nil {
					return fmt.Errorf("invalid --%s value %q", f.name, f.raw)
				}
				*f.dest = &val
			}
			records, total, err := rt.app.Context().QueryRecords(cmd.Context(), filter, offset, limit)
			if err != nil {
				return err
			}
			if records == nil {
				records = []crawler.CachedRecord{}
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"records": records, "total": total})
		},
	}
	cmd.Flags().StringVar(&viewed, "viewed", "", "filter on the viewed flag (true|false)")
	cmd.Flags().StringVar(&liked, "liked", "", "filter on the liked flag (true|false)")
	cmd.Flags().StringVar(&submitted, "submitted", "", "filter on the submitted flag (true|false)")
	cmd.Flags().StringVar(&cached, "cached", "", "filter on the cached-locally flag (true|false)")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	cmd.Flags().IntVar(&limit, "limit", 20, "rows to return")
	return cmd
}

func newRecordActionCmd(
	name, short string,
	apply func(*app.Context, context.Context, string) error,
) *cobra.Command {
	return &cobra.Command{
		Use:   name + " CODE",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			if err := apply(rt.app.Context(), cmd.Context(), args[0]); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{
				"code":   crawler.NormalizeCode(args[0]),
				"action": name,
			})
		},
	}
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect the operation and task history",
	}
	var opsLimit, tasksLimit int
	ops := &cobra.Command{
		Use:   "ops",
		Short: "List the newest audited operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			entries, err := rt.app.Context().Operations(cmd.Context(), opsLimit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entries)
		},
	}
	ops.Flags().IntVar(&opsLimit, "limit", 100, "rows to return")

	tasks := &cobra.Command{
		Use:   "tasks [TASK_ID]",
		Short: "List the newest tasks, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			if len(args) == 1 {
				entry, err := rt.app.Context().Task(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), entry)
			}
			entries, err := rt.app.Context().Tasks(cmd.Context(), tasksLimit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entries)
		},
	}
	tasks.Flags().IntVar(&tasksLimit, "limit", 50, "rows to return")

	cmd.AddCommand(ops, tasks)
	return cmd
}

func newExistIDsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exist-ids",
		Short: "Print every identifier known locally or remotely",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rt.app.Context().ExistIDs(cmd.Context()))
		},
	}
}

func newExtractCmd() *cobra.Command {
	var codesOnly bool
	cmd := &cobra.Command{
		Use:         "extract FILE",
		Short:       "Extract catalog codes from a text file, one per line",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{standaloneAnnotation: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			res := extract.Process(string(data))
			if codesOnly {
				for _, code := range res.Codes {
					if _, err := fmt.Fprintln(cmd.OutOrStdout(), code); err != nil {
						return fmt.Errorf("write output: %w", err)
					}
				}
				return nil
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().BoolVar(&codesOnly, "codes-only", false, "print only the unique codes")
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and task dispatcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			return rt.app.Run(cmd.Context())
		},
	}
}
