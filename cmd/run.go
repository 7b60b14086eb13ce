package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/pald-cli/internal/convergence"
	"github.com/sells-group/pald-cli/internal/model"
)

var (
	runText      string
	runRecord    string
	runSession   string
	runDeferBias bool
	runFeedback  []string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one consistency loop from text or a record file",
	Long:  "Runs the generate-describe-extract loop until the output matches the input or the iteration budget is spent. Each --feedback value is applied as a correction round afterwards.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if (runText == "") == (runRecord == "") {
			return eris.New("exactly one of --text or --record is required")
		}
		ctx := cmd.Context()

		env, err := initEnv(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		req := convergence.Request{
			SessionID: runSession,
			InputText: runText,
			DeferBias: runDeferBias || cfg.Loop.DeferBias,
		}
		if runRecord != "" {
			rec, err := readRecordFile(runRecord)
			if err != nil {
				return err
			}
			req.InputText = ""
			req.InputRecord = rec
		}

		s, out, err := env.Sessions.Start(ctx, req)
		if err != nil {
			return eris.Wrap(err, "run loop")
		}
		for i, text := range runFeedback {
			next, err := s.Submit(ctx, text)
			if err != nil {
				return eris.Wrapf(err, "feedback round %d", i+1)
			}
			out = next
		}

		zap.L().Info("run complete",
			zap.String("session_id", s.ID()),
			zap.String("status", string(out.Status)),
			zap.Int("iterations", out.Iteration),
		)
		return printOutcome(cmd.OutOrStdout(), out)
	},
}

// readRecordFile loads a record from YAML or JSON. The file may hold a
// full record or just its content map.
func readRecordFile(path string) (*model.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read record %s", path)
	}
	var doc struct {
		SchemaVersion string         `yaml:"schema_version"`
		Content       map[string]any `yaml:"content"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrapf(err, "parse record %s", path)
	}
	if doc.Content == nil {
		var content map[string]any
		if err := yaml.Unmarshal(data, &content); err != nil {
			return nil, eris.Wrapf(err, "parse record %s", path)
		}
		delete(content, "schema_version")
		doc.Content = content
	}
	if len(doc.Content) == 0 {
		return nil, eris.Errorf("record %s has no content", path)
	}
	return &model.Record{SchemaVersion: doc.SchemaVersion, Kind: model.RecordKindInput, Content: doc.Content}, nil
}

func printOutcome(w io.Writer, out *convergence.Outcome) error {
	fmt.Fprintf(w, "session %s: %s after %d iteration(s)", out.SessionID, out.Status, out.Iteration)
	if d := out.LastDiff(); d != nil {
		fmt.Fprintf(w, ", similarity %.3f", d.Similarity)
	}
	if out.Diagnostic != "" {
		fmt.Fprintf(w, " (%s)", out.Diagnostic)
	}
	if out.BiasJobID != "" {
		fmt.Fprintf(w, ", bias job %s", out.BiasJobID)
	}
	fmt.Fprintln(w)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(out), "encode outcome")
}

func init() {
	runCmd.Flags().StringVar(&runText, "text", "", "natural-language description of the agent")
	runCmd.Flags().StringVar(&runRecord, "record", "", "YAML or JSON record file")
	runCmd.Flags().StringVar(&runSession, "session", "", "session id (default: generated)")
	runCmd.Flags().BoolVar(&runDeferBias, "defer-bias", false, "enqueue a bias job for input and final output")
	runCmd.Flags().StringArrayVar(&runFeedback, "feedback", nil, "correction text applied as a feedback round (repeatable)")
	rootCmd.AddCommand(runCmd)
}
