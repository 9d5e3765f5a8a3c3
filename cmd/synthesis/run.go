package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/synthesis-run/synthesis/internal/streaming"
	"github.com/synthesis-run/synthesis/pkg/schema"
)

var runCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "Run a process definition to completion",
	Long: `Submits and starts the definition, streams its events and prints the final
summary. Exits with status 1 when the execution does not complete. Interrupting
the command cancels the execution.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runEvents bool
	runJSON   bool
	runVars   []string
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&runEvents, "events", true, "Print events as they happen")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the final status as JSON")
	runCmd.Flags().StringArrayVar(&runVars, "var", nil, "Set a process variable (name=value, repeatable)")
}

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string { return e.err.Error() }
func (e exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var ee exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := configFromCmd(cmd)
	if err != nil {
		return err
	}
	def, err := schema.LoadDefinitionFile(args[0])
	if err != nil {
		return err
	}
	if err := applyVars(def, runVars); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.Close()

	st, err := execute(ctx, rt, def, cmd.OutOrStdout(), runEvents)
	if err != nil {
		return err
	}
	if err := printStatus(cmd.OutOrStdout(), st, runJSON); err != nil {
		return err
	}
	if st.State != schema.ExecutionCompleted {
		return exitError{code: 1, err: fmt.Errorf("execution %s %s", st.ExecutionID, st.State)}
	}
	return nil
}

// execute submits, starts and waits for def. Events are streamed to out
// when printEvents is set. Cancelling ctx cancels the execution.
func execute(ctx context.Context, rt *runtime, def *schema.ProcessDefinition, out io.Writer, printEvents bool) (*schema.ExecutionStatus, error) {
	id, err := rt.engine.Submit(ctx, def)
	if err != nil {
		return nil, err
	}

	streamDone := make(chan struct{})
	if printEvents {
		events, unsubscribe, err := rt.engine.Subscribe(ctx, streaming.EventFilter{ExecutionID: id})
		if err != nil {
			return nil, err
		}
		defer func() {
			unsubscribe()
			<-streamDone
		}()
		go func() {
			defer close(streamDone)
			for e := range events {
				printEvent(out, e)
			}
		}()
	} else {
		close(streamDone)
	}

	if err := rt.engine.Start(ctx, id); err != nil {
		return nil, err
	}

	st, err := rt.engine.Wait(ctx, id)
	if ctx.Err() != nil {
		// Interrupted: cancel and wait for the cancelled state.
		_ = rt.engine.Cancel(context.Background(), id)
		return rt.engine.Wait(context.Background(), id)
	}
	return st, err
}

func printEvent(w io.Writer, e schema.Event) {
	line := fmt.Sprintf("%s #%d %s", e.Timestamp.Format("15:04:05.000"), e.Sequence, e.Type)
	if e.StepID != "" {
		line += " " + e.StepID
	}
	if msg, ok := e.Payload["error"]; ok {
		line += fmt.Sprintf(": %v", msg)
	}
	fmt.Fprintln(w, line)
}

func printStatus(w io.Writer, st *schema.ExecutionStatus, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	fmt.Fprintf(w, "execution %s (%s)\n", st.ExecutionID, st.ProcessID)
	for _, r := range st.StepRuns {
		line := fmt.Sprintf("  %-24s %s", r.StepID, r.Status)
		if r.RetryCount > 0 {
			line += fmt.Sprintf(" (%d retries)", r.RetryCount)
		}
		if r.Error != nil {
			line += fmt.Sprintf(": [%s] %s", r.Error.Code, r.Error.Message)
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintln(w, st.Summary)
	return nil
}

// applyVars sets process variables from name=value pairs. Values are parsed
// as JSON when possible, otherwise taken as strings.
func applyVars(def *schema.ProcessDefinition, pairs []string) error {
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return fmt.Errorf("--var %q: want name=value", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		if def.Variables == nil {
			def.Variables = map[string]any{}
		}
		def.Variables[name] = v
	}
	return nil
}
