// Package builtin provides a small local tool set for the autopilot CLI
// and server: directory listing, file reads and writes, globbing and shell
// commands, all rooted at one working directory.
package builtin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/martinemde/autopilot/agentloop"
)

// Tool names.
const (
	ListDirectory = "list_directory"
	ReadFile      = "read_file"
	WriteFile     = "write_file"
	Glob          = "glob"
	RunCommand    = "run_command"
)

// Options tunes the built-in tools.
type Options struct {
	// DefaultTimeout applies to run_command calls that do not set timeout_ms.
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`

	// MaxTimeout caps any requested command timeout.
	MaxTimeout time.Duration `mapstructure:"max_timeout"`

	// MaxReadLines is the read_file line limit when the call sets none.
	MaxReadLines int `mapstructure:"max_read_lines"`
}

// DefaultOptions returns the limits used when none are configured.
func DefaultOptions() Options {
	return Options{
		DefaultTimeout: 10 * time.Second,
		MaxTimeout:     10 * time.Minute,
		MaxReadLines:   2000,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = d.DefaultTimeout
	}
	if o.MaxTimeout <= 0 {
		o.MaxTimeout = d.MaxTimeout
	}
	if o.MaxReadLines <= 0 {
		o.MaxReadLines = d.MaxReadLines
	}
	return o
}

// Register adds every built-in tool to reg, backed by env.
func Register(reg *agentloop.ToolRegistry, env *Environment, opts Options) {
	opts = opts.withDefaults()
	reg.Register(listDirectoryTool(env))
	reg.Register(readFileTool(env, opts))
	reg.Register(writeFileTool(env))
	reg.Register(globTool(env))
	reg.Register(runCommandTool(env, opts))
}

func schema(required []string, props map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func prop(typ, description string) map[string]interface{} {
	return map[string]interface{}{"type": typ, "description": description}
}

type listDirectoryParams struct {
	Path string `mapstructure:"path"`
}

func listDirectoryTool(env *Environment) agentloop.Tool {
	return agentloop.NewTool(agentloop.ToolDefinition{
		Name:        ListDirectory,
		Description: "List the entries of a directory. Directory names end with a slash.",
		Parameters: schema(nil, map[string]interface{}{
			"path": prop("string", "Directory to list, relative to the working directory. Default: the working directory."),
		}),
	}, func(ctx context.Context, params agentloop.Params, caller agentloop.CallerContext) (interface{}, error) {
		var p listDirectoryParams
		if err := params.Decode(&p); err != nil {
			return nil, err
		}
		return env.ListDirectory(p.Path)
	})
}

type readFileParams struct {
	Path   string `mapstructure:"path"`
	Offset int    `mapstructure:"offset"`
	Limit  int    `mapstructure:"limit"`
}

func readFileTool(env *Environment, opts Options) agentloop.Tool {
	return agentloop.NewTool(agentloop.ToolDefinition{
		Name:        ReadFile,
		Description: "Read a file. Returns line-numbered content.",
		Parameters: schema([]string{"path"}, map[string]interface{}{
			"path":   prop("string", "Path of the file to read."),
			"offset": prop("integer", "1-based line number to start reading from."),
			"limit":  prop("integer", fmt.Sprintf("Maximum number of lines to read. Default: %d.", opts.MaxReadLines)),
		}),
	}, func(ctx context.Context, params agentloop.Params, caller agentloop.CallerContext) (interface{}, error) {
		var p readFileParams
		if err := params.Decode(&p); err != nil {
			return nil, err
		}
		if p.Path == "" {
			return nil, errors.New("path is required")
		}
		if p.Limit <= 0 {
			p.Limit = opts.MaxReadLines
		}
		return env.ReadFile(p.Path, p.Offset, p.Limit)
	})
}

type writeFileParams struct {
	Path    string  `mapstructure:"path"`
	Content *string `mapstructure:"content"`
}

func writeFileTool(env *Environment) agentloop.Tool {
	tool := agentloop.NewTool(agentloop.ToolDefinition{
		Name:        WriteFile,
		Description: "Write content to a file, creating it and its parent directories if needed.",
		Parameters: schema([]string{"path", "content"}, map[string]interface{}{
			"path":    prop("string", "Path of the file to write."),
			"content": prop("string", "The full file content."),
		}),
		Dangerous: true,
	}, func(ctx context.Context, params agentloop.Params, caller agentloop.CallerContext) (interface{}, error) {
		var p writeFileParams
		if err := params.Decode(&p); err != nil {
			return nil, err
		}
		if p.Path == "" {
			return nil, errors.New("path is required")
		}
		if p.Content == nil {
			return nil, errors.New("content is required")
		}
		if err := env.WriteFile(p.Path, *p.Content); err != nil {
			return nil, err
		}
		return fmt.Sprintf("Successfully wrote %d bytes to %s", len(*p.Content), p.Path), nil
	})
	// Overwriting an existing file needs a human; creating a new one does not.
	tool.Confirm = func(params agentloop.Params) (bool, error) {
		var p writeFileParams
		if err := params.Decode(&p); err != nil {
			return false, err
		}
		_, err := os.Stat(env.resolvePath(p.Path))
		return err == nil, nil
	}
	return tool
}

type globParams struct {
	Pattern string `mapstructure:"pattern"`
	Path    string `mapstructure:"path"`
}

func globTool(env *Environment) agentloop.Tool {
	return agentloop.NewTool(agentloop.ToolDefinition{
		Name:        Glob,
		Description: "Find files matching a glob pattern. Supports ** for recursive matching.",
		Parameters: schema([]string{"pattern"}, map[string]interface{}{
			"pattern": prop("string", "Glob pattern, e.g. \"**/*.go\"."),
			"path":    prop("string", "Directory to search from. Default: the working directory."),
		}),
	}, func(ctx context.Context, params agentloop.Params, caller agentloop.CallerContext) (interface{}, error) {
		var p globParams
		if err := params.Decode(&p); err != nil {
			return nil, err
		}
		if p.Pattern == "" {
			return nil, errors.New("pattern is required")
		}
		return env.Glob(p.Pattern, p.Path)
	})
}

type runCommandParams struct {
	Command    string            `mapstructure:"command"`
	TimeoutMs  int               `mapstructure:"timeout_ms"`
	WorkingDir string            `mapstructure:"working_dir"`
	Env        map[string]string `mapstructure:"env"`
}

func runCommandTool(env *Environment, opts Options) agentloop.Tool {
	return agentloop.NewTool(agentloop.ToolDefinition{
		Name:        RunCommand,
		Description: "Run a shell command in the working directory and return its output and exit code.",
		Parameters: schema([]string{"command"}, map[string]interface{}{
			"command":     prop("string", "The command to run."),
			"timeout_ms":  prop("integer", fmt.Sprintf("Timeout in milliseconds. Default: %d.", opts.DefaultTimeout.Milliseconds())),
			"working_dir": prop("string", "Directory to run in, relative to the working directory."),
			"env":         prop("object", "Extra environment variables."),
		}),
		Dangerous:            true,
		RequiresConfirmation: true,
	}, func(ctx context.Context, params agentloop.Params, caller agentloop.CallerContext) (interface{}, error) {
		var p runCommandParams
		if err := params.Decode(&p); err != nil {
			return nil, err
		}
		if p.Command == "" {
			return nil, errors.New("command is required")
		}
		timeout := opts.DefaultTimeout
		if p.TimeoutMs > 0 {
			timeout = time.Duration(p.TimeoutMs) * time.Millisecond
		}
		if timeout > opts.MaxTimeout {
			timeout = opts.MaxTimeout
		}
		return env.Exec(ctx, p.Command, timeout, p.WorkingDir, p.Env)
	})
}
