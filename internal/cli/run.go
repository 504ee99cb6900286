package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mboyajeffers/etl-framework/internal/extract"
	"github.com/mboyajeffers/etl-framework/internal/orchestrator"
)

// NewRunCommand creates the run command.
func NewRunCommand(flags *globalFlags) *cobra.Command {
	var rawParams []string
	cmd := &cobra.Command{
		Use:   "run <pipeline>",
		Short: "Run one pipeline and print its result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(rawParams)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), flags, 0)
			if err != nil {
				return err
			}
			defer a.Close()

			res := a.orch.RunPipeline(cmd.Context(), args[0], params)
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if res.Status == orchestrator.StatusFailed {
				return fmt.Errorf("%w: %s", ErrRunFailed, args[0])
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&rawParams, "param", nil, "extraction parameter as key=value (repeatable)")
	return cmd
}

// NewRunAllCommand creates the run-all command.
func NewRunAllCommand(flags *globalFlags) *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "run-all",
		Short: "Run every registered pipeline and print the results as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), flags, workers)
			if err != nil {
				return err
			}
			defer a.Close()

			results := a.orch.RunAll(cmd.Context())
			if err := printJSON(cmd.OutOrStdout(), results); err != nil {
				return err
			}
			var failed []string
			for _, res := range results {
				if res.Status == orchestrator.StatusFailed {
					failed = append(failed, res.Pipeline)
				}
			}
			if len(failed) > 0 {
				return fmt.Errorf("%w: %s", ErrRunFailed, strings.Join(failed, ", "))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "pipelines to run concurrently (default from config)")
	return cmd
}

func parseParams(raw []string) (extract.Params, error) {
	params := make(extract.Params, len(raw))
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --param %q, want key=value", kv)
		}
		params[k] = v
	}
	return params, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
