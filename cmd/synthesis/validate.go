package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/synthesis-run/synthesis/internal/adapters"
	"github.com/synthesis-run/synthesis/internal/validation"
	"github.com/synthesis-run/synthesis/pkg/schema"
)

var validateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a process definition without running it",
	Long:  `Checks the document structure, step parameters, adapter references and the dependency graph (including cycles).`,
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

var validateFormat string

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().StringVar(&validateFormat, "format", "text", "Output format: text, json")
}

// configuredAdapters answers adapter lookups from the configuration alone,
// so validation never starts MCP servers.
type configuredAdapters map[string]bool

func newConfiguredAdapters(cfg Config) configuredAdapters {
	names := configuredAdapters{
		adapters.CapabilityCommand:  true,
		adapters.CapabilityAPI:      true,
		adapters.CapabilityFunction: true,
	}
	for name := range cfg.Services {
		names["service."+name] = true
	}
	for name := range cfg.MCPServers {
		names["mcp."+name] = true
	}
	return names
}

func (c configuredAdapters) Has(name string) bool { return c[name] }

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := configFromCmd(cmd)
	if err != nil {
		return err
	}
	def, err := schema.LoadDefinitionFile(args[0])
	if err != nil {
		return err
	}

	v, err := validation.NewProcessValidator(newConfiguredAdapters(cfg))
	if err != nil {
		return err
	}
	result := v.Validate(def)

	if err := writeValidation(cmd.OutOrStdout(), validateFormat, args[0], result); err != nil {
		return err
	}
	if !result.Valid() {
		return exitError{code: 1, err: fmt.Errorf("%s: %d validation error(s)", args[0], len(result.Errors))}
	}
	return nil
}

func writeValidation(w io.Writer, format, file string, result *schema.ValidationResult) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	case "text":
		for _, issue := range result.Issues() {
			fmt.Fprintf(w, "%s: %s [%s] %s: %s\n", file, strings.ToUpper(string(issue.Severity)), issue.Code, issue.Path, issue.Message)
		}
		if result.Valid() {
			fmt.Fprintf(w, "%s: valid\n", file)
		}
		return nil
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}
