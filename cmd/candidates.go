package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/pald-cli/internal/model"
)

var (
	candidatesMinSupport int
	promoteType          string
	promoteRequired      bool
	promoteAllowed       []string
	promoteDescription   string
)

var candidatesCmd = &cobra.Command{
	Use:   "candidates",
	Short: "Review attributes seen outside the schema",
}

var candidatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List field candidates, most frequent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "admin")
		if err != nil {
			return err
		}
		defer env.Close()

		minSupport := candidatesMinSupport
		if !cmd.Flags().Changed("min-support") {
			minSupport = cfg.Candidates.MinSupport
		}
		cands, err := env.Candidates.CheckThresholds(ctx, minSupport)
		if err != nil {
			return err
		}
		return printCandidates(cmd.OutOrStdout(), cands)
	},
}

var candidatesPromoteCmd = &cobra.Command{
	Use:   "promote <name>",
	Short: "Add a candidate to the schema as a new version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "admin")
		if err != nil {
			return err
		}
		defer env.Close()

		spec := model.FieldSpec{
			Type:          model.FieldType(promoteType),
			Required:      promoteRequired,
			AllowedValues: promoteAllowed,
			Description:   promoteDescription,
		}
		s, err := env.Candidates.Promote(ctx, args[0], spec)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "promoted %s into schema %s\n", args[0], s.Version)
		return nil
	},
}

var candidatesRejectCmd = &cobra.Command{
	Use:   "reject <name>",
	Short: "Discard a candidate and its counter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "admin")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Candidates.Reject(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "rejected %s\n", args[0])
		return nil
	},
}

func printCandidates(w io.Writer, cands []model.FieldCandidate) error {
	if len(cands) == 0 {
		fmt.Fprintln(w, "No candidates.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tCOUNT\tFIRST SEEN\tLAST SEEN")
	for _, c := range cands {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n",
			c.Name,
			c.OccurrenceCount,
			c.FirstSeenAt.Format("2006-01-02 15:04"),
			c.LastSeenAt.Format("2006-01-02 15:04"),
		)
	}
	return tw.Flush()
}

func init() {
	candidatesListCmd.Flags().IntVar(&candidatesMinSupport, "min-support", 1, "minimum occurrence count (default from config)")
	candidatesPromoteCmd.Flags().StringVar(&promoteType, "type", string(model.FieldTypeString), "field type")
	candidatesPromoteCmd.Flags().BoolVar(&promoteRequired, "required", false, "mark the field required")
	candidatesPromoteCmd.Flags().StringSliceVar(&promoteAllowed, "allowed", nil, "allowed values for enum fields")
	candidatesPromoteCmd.Flags().StringVar(&promoteDescription, "description", "", "field description")

	candidatesCmd.AddCommand(candidatesListCmd, candidatesPromoteCmd, candidatesRejectCmd)
	rootCmd.AddCommand(candidatesCmd)
}
