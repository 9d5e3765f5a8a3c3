package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/synthesis-run/synthesis/internal/diagram"
	"github.com/synthesis-run/synthesis/pkg/schema"
)

var graphCmd = &cobra.Command{
	Use:   "graph [file]",
	Short: "Render the dependency graph of a process definition",
	Long: `Renders the definition as a Mermaid flowchart, an ASCII diagram or a
graphviz PNG/SVG image. With --execution the step statuses of a checkpointed
execution are overlaid, and the definition is read from the checkpoint when no
file is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runGraph,
}

var (
	graphFormat    string
	graphOutput    string
	graphExecution string
)

func init() {
	rootCmd.AddCommand(graphCmd)
	graphCmd.Flags().StringVar(&graphFormat, "format", "mermaid", "Output format: mermaid, ascii, png, svg")
	graphCmd.Flags().StringVarP(&graphOutput, "output", "o", "", "Write to this file instead of stdout")
	graphCmd.Flags().StringVar(&graphExecution, "execution", "", "Overlay the statuses of this checkpointed execution")
}

func runGraph(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && graphExecution == "" {
		return fmt.Errorf("a definition file or --execution is required")
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		def    *schema.ProcessDefinition
		status *schema.ExecutionStatus
	)
	if graphExecution != "" {
		cfg, err := configFromCmd(cmd)
		if err != nil {
			return err
		}
		cp, err := loadCheckpoint(ctx, cfg, graphExecution)
		if err != nil {
			return err
		}
		def = cp.Definition
		status = &schema.ExecutionStatus{
			ExecutionID: cp.ExecutionID,
			ProcessID:   cp.Definition.ID,
			State:       cp.State,
			StepRuns:    cp.StepRuns,
			Summary:     cp.Summary,
		}
	}
	if len(args) == 1 {
		loaded, err := schema.LoadDefinitionFile(args[0])
		if err != nil {
			return err
		}
		def = loaded
	}

	data, err := renderGraph(ctx, def, status, graphFormat)
	if err != nil {
		return err
	}
	if graphOutput != "" {
		return os.WriteFile(graphOutput, data, 0o644)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

// loadCheckpoint reads one checkpoint from the configured backend without
// starting the engine.
func loadCheckpoint(ctx context.Context, cfg Config, executionID string) (*schema.Checkpoint, error) {
	rt := &runtime{cfg: cfg}
	defer rt.Close()

	store, err := rt.openStore(ctx)
	if err != nil {
		return nil, err
	}
	data, err := store.Load(ctx, executionID)
	if err != nil {
		return nil, err
	}
	var cp schema.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", executionID, err)
	}
	if cp.Definition == nil {
		return nil, fmt.Errorf("checkpoint %s has no definition", executionID)
	}
	return &cp, nil
}

func renderGraph(ctx context.Context, def *schema.ProcessDefinition, status *schema.ExecutionStatus, format string) ([]byte, error) {
	model, err := diagram.Build(def, status)
	if err != nil {
		return nil, err
	}
	switch format {
	case "mermaid":
		return []byte(diagram.RenderMermaid(model)), nil
	case "ascii":
		return []byte(diagram.RenderASCII(model)), nil
	case "png":
		return diagram.RenderImageFormat(ctx, model, diagram.FormatPNG)
	case "svg":
		return diagram.RenderImageFormat(ctx, model, diagram.FormatSVG)
	default:
		return nil, fmt.Errorf("unknown graph format %q", format)
	}
}
