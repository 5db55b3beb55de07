package main

import (
	"github.com/spf13/cobra"

	"github.com/coffersTech/allocq/internal/query"
)

type queryOptions struct {
	*rootOptions
	filter string
	sort   string
	limit  int
	offset int
	stacks bool
}

func newQueryCommand(root *rootOptions) *cobra.Command {
	opts := &queryOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "query <input>",
		Short: "Filter and sort allocation records",
		Example: `  allocq query capture.json -q 'type:Vec* size>=4096' --sort size:desc --limit 20
  allocq query capture.aq -q 'thread:3 NOT size:0..63' --stacks`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			conds, err := query.ParseFilter(opts.filter)
			if err != nil {
				return err
			}
			keys, err := query.ParseSortKeys(opts.sort)
			if err != nil {
				return err
			}
			e, err := opts.newEngine(args[0])
			if err != nil {
				return err
			}

			q := query.New().Where(conds...).OrderBy(keys...).Limit(opts.limit).Offset(opts.offset)
			if opts.stacks {
				q.IncludeCallStacks()
			}
			res, err := e.Query(cmd.Context(), q)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().StringVarP(&opts.filter, "filter", "q", "", "filter expression")
	cmd.Flags().StringVar(&opts.sort, "sort", "", "sort keys, e.g. size:desc,id")
	cmd.Flags().IntVar(&opts.limit, "limit", -1, "maximum records to return, -1 for all")
	cmd.Flags().IntVar(&opts.offset, "offset", 0, "records to skip")
	cmd.Flags().BoolVar(&opts.stacks, "stacks", false, "include referenced call stacks")
	return cmd
}

type aggregateOptions struct {
	*rootOptions
	filter string
	group  string
	fns    string
}

func newAggregateCommand(root *rootOptions) *cobra.Command {
	opts := &aggregateOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "aggregate <input>",
		Short: "Group records and compute size statistics",
		Example: `  allocq aggregate capture.json --group type --fn count,sum,avg
  allocq aggregate capture.json -q 'thread:1' --group time:100ms --fn timeline`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			conds, err := query.ParseFilter(opts.filter)
			if err != nil {
				return err
			}
			group, err := query.ParseGroupBy(opts.group)
			if err != nil {
				return err
			}
			fns, err := query.ParseFunctions(opts.fns)
			if err != nil {
				return err
			}
			e, err := opts.newEngine(args[0])
			if err != nil {
				return err
			}

			res, err := e.Aggregate(cmd.Context(),
				query.NewAggregation().Where(conds...).GroupBy(group).Compute(fns...))
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().StringVarP(&opts.filter, "filter", "q", "", "filter expression")
	cmd.Flags().StringVar(&opts.group, "group", "", "type, thread, size:<width> or time:<duration>")
	cmd.Flags().StringVar(&opts.fns, "fn", "count", "comma-separated functions: count, sum, avg, min, max, timeline")
	return cmd
}

func (o *rootOptions) newEngine(input string) (*query.Engine, error) {
	ds, err := loadDataset(input, o.logger)
	if err != nil {
		return nil, err
	}
	return query.NewEngine(ds, o.cfg.Query, query.WithLogger(o.logger))
}
