package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/pald-cli/internal/model"
	"github.com/sells-group/pald-cli/internal/registry"
)

var (
	schemaShowVersion string
	schemaShowAll     bool
	schemaPublishFile string
	schemaUpgradeTo   string
	schemaUpgradeSave bool
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Inspect, publish and apply schema versions",
}

var schemaShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the active schema, one version or the version history",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "admin")
		if err != nil {
			return err
		}
		defer env.Close()

		out := cmd.OutOrStdout()
		if schemaShowAll {
			versions, err := env.Registry.Versions(ctx)
			if err != nil {
				return err
			}
			return printVersions(out, versions)
		}

		var s *model.Schema
		if schemaShowVersion != "" {
			s, err = env.Registry.Version(ctx, schemaShowVersion)
		} else {
			s, err = env.Registry.Load(ctx)
		}
		if err != nil {
			return err
		}
		if env.Registry.Degraded() {
			zap.L().Warn("schema backend unreachable, showing fallback schema")
		}
		return yaml.NewEncoder(out).Encode(s)
	},
}

var schemaPublishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish a new schema version from a YAML file",
	Long:  "Publishes the schema in --file as the next version. Version and parent default to the successor of the active version.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if schemaPublishFile == "" {
			return eris.New("--file is required")
		}
		ctx := cmd.Context()
		env, err := initEnv(ctx, "admin")
		if err != nil {
			return err
		}
		defer env.Close()

		next, err := registry.LoadSchemaFile(schemaPublishFile)
		if err != nil {
			return err
		}
		active, err := env.Registry.Load(ctx)
		if err != nil {
			return err
		}
		next, err = successor(next, active)
		if err != nil {
			return err
		}
		if err := env.Registry.Publish(ctx, next); err != nil {
			return eris.Wrapf(err, "publish %s", next.Version)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "published schema %s (parent %s, %d fields)\n", next.Version, next.Parent, len(next.Fields))
		return nil
	},
}

var schemaUpgradeCmd = &cobra.Command{
	Use:   "upgrade <record-id>",
	Short: "Migrate a stored record to another schema version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "admin")
		if err != nil {
			return err
		}
		defer env.Close()

		rec, err := env.Store.GetRecord(ctx, args[0])
		if err != nil {
			return err
		}
		target := schemaUpgradeTo
		if target == "" {
			active, err := env.Registry.Load(ctx)
			if err != nil {
				return err
			}
			target = active.Version
		}
		upgraded, err := env.Registry.Upgrade(ctx, rec, target)
		if err != nil {
			return err
		}
		if schemaUpgradeSave {
			// Records are immutable; the upgraded copy is stored under a new id.
			upgraded = model.NewRecord(rec.SessionID, upgraded.SchemaVersion, rec.Kind, upgraded.Content)
			if err := env.Store.CreateRecord(ctx, upgraded); err != nil {
				return eris.Wrap(err, "save upgraded record")
			}
			_ = env.Audit.Emit(ctx, model.AuditRecordCreated, upgraded.ID,
				fmt.Sprintf("upgraded from=%s version=%s", rec.ID, upgraded.SchemaVersion))
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(upgraded)
	},
}

// successor fills the version and parent of a schema read from a file so
// that it follows active.
func successor(next, active *model.Schema) (*model.Schema, error) {
	if next.Parent == "" {
		next.Parent = active.Version
	}
	if next.Version == "" || next.Version == active.Version {
		next.Version = model.NextVersion(active.Version)
	}
	s, err := model.NewSchema(next.Version, next.Parent, next.Fields)
	if err != nil {
		return nil, eris.Wrap(err, "schema file")
	}
	return s, nil
}

func printVersions(w io.Writer, versions []*model.Schema) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tPARENT\tFIELDS\tPUBLISHED\tCHECKSUM")
	for _, s := range versions {
		published := "-"
		if !s.PublishedAt.IsZero() {
			published = s.PublishedAt.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", s.Version, dash(s.Parent), len(s.Fields), published, s.Checksum[:min(12, len(s.Checksum))])
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	schemaShowCmd.Flags().StringVar(&schemaShowVersion, "version", "", "schema version (default: active)")
	schemaShowCmd.Flags().BoolVar(&schemaShowAll, "all", false, "list every published version")
	schemaPublishCmd.Flags().StringVarP(&schemaPublishFile, "file", "f", "", "YAML schema file")
	schemaUpgradeCmd.Flags().StringVar(&schemaUpgradeTo, "to", "", "target version (default: active)")
	schemaUpgradeCmd.Flags().BoolVar(&schemaUpgradeSave, "save", false, "store the upgraded record under a new id")

	schemaCmd.AddCommand(schemaShowCmd, schemaPublishCmd, schemaUpgradeCmd)
	rootCmd.AddCommand(schemaCmd)
}
