package main

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pald-cli/internal/model"
	"github.com/sells-group/pald-cli/internal/store"
)

var (
	auditSince  time.Duration
	auditKind   string
	auditEntity string
	auditLimit  int
	auditOut    string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit trail tools",
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export audit events as JSON lines",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "admin")
		if err != nil {
			return err
		}
		defer env.Close()

		filter := store.AuditFilter{
			Kind:     model.AuditKind(auditKind),
			EntityID: auditEntity,
			Limit:    auditLimit,
		}
		if auditSince > 0 {
			filter.Since = time.Now().UTC().Add(-auditSince)
		}

		w := cmd.OutOrStdout()
		if auditOut != "" && auditOut != "-" {
			f, err := os.Create(auditOut)
			if err != nil {
				return eris.Wrapf(err, "create %s", auditOut)
			}
			defer f.Close() //nolint:errcheck
			w = f
		}

		n, err := env.Audit.Export(ctx, w, filter)
		if err != nil {
			return err
		}
		zap.L().Info("audit export complete", zap.Int("events", n), zap.String("out", auditOut))
		return nil
	},
}

func init() {
	auditExportCmd.Flags().DurationVar(&auditSince, "since", 0, "only events newer than this (e.g. 24h)")
	auditExportCmd.Flags().StringVar(&auditKind, "kind", "", "only events of this kind (e.g. schema.published)")
	auditExportCmd.Flags().StringVar(&auditEntity, "entity", "", "only events for this entity id")
	auditExportCmd.Flags().IntVar(&auditLimit, "limit", 0, "maximum events (0 = all)")
	auditExportCmd.Flags().StringVarP(&auditOut, "out", "o", "", "output file (default stdout)")

	auditCmd.AddCommand(auditExportCmd)
	rootCmd.AddCommand(auditCmd)
}
