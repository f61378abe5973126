package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/martinemde/autopilot/agentloop"
)

var toolsFormat string

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools sessions can call",
	Long: `List every registered tool with its flags. Use --format yaml or json to
include the parameter schemas.`,
	Args: cobra.NoArgs,
	RunE: runTools,
}

func init() {
	rootCmd.AddCommand(toolsCmd)

	toolsCmd.Flags().StringVarP(&toolsFormat, "format", "f", "table", "Output format: table, yaml or json")
}

func runTools(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	reg, _, err := newRegistry(cfg, newObserver(cfg, cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	return writeTools(cmd.OutOrStdout(), reg.Definitions(), toolsFormat)
}

// writeTools renders defs in the requested format.
func writeTools(w io.Writer, defs []agentloop.ToolDefinition, format string) error {
	switch format {
	case "table":
		return writeToolsTable(w, defs)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(map[string]interface{}{"tools": defs}); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{"tools": defs})
	default:
		return fmt.Errorf("unknown format %q (want table, yaml or json)", format)
	}
}

func writeToolsTable(w io.Writer, defs []agentloop.ToolDefinition) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tFLAGS\tPARAMETERS\tDESCRIPTION")
	for _, def := range defs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", def.Name, toolFlags(def), strings.Join(paramNames(def), ","), firstLine(def.Description))
	}
	return tw.Flush()
}

func toolFlags(def agentloop.ToolDefinition) string {
	var flags []string
	if def.Dangerous {
		flags = append(flags, "dangerous")
	}
	if def.RequiresConfirmation {
		flags = append(flags, "confirm")
	}
	if len(flags) == 0 {
		return "-"
	}
	return strings.Join(flags, ",")
}

// paramNames lists the schema's properties, required ones marked with *.
func paramNames(def agentloop.ToolDefinition) []string {
	props, _ := def.Parameters["properties"].(map[string]interface{})
	required := map[string]bool{}
	switch req := def.Parameters["required"].(type) {
	case []string:
		for _, name := range req {
			required[name] = true
		}
	case []interface{}:
		for _, name := range req {
			if s, ok := name.(string); ok {
				required[s] = true
			}
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		if required[name] {
			name += "*"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
