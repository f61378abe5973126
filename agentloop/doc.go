// Package agentloop runs autonomous agent sessions: it calls a model,
// executes the tool calls it asks for, feeds the results back and streams
// progress to an observer until the work is done.
//
// # Architecture
//
// The package is organized around these core concepts:
//
//   - ToolRegistry: named tools with one execution contract. Parameters
//     are normalized through an explicit alias table and calls that need
//     approval are parked until ConfirmPendingExecution resolves them.
//   - LoopDetector: flags exact, alternating and near-identical repeats in
//     recent tool calls or model responses.
//   - StreamBuffer: per-session event queue that holds events until a
//     consumer attaches, then delivers them live, in order.
//   - Session: the turn loop state machine. Every session ends with
//     exactly one Finished event.
//   - Manager: starts, cancels, inspects and confirms sessions.
//
// # Quick Start
//
//	registry := agentloop.NewToolRegistry()
//	registry.Register(agentloop.NewTool(agentloop.ToolDefinition{
//	    Name:        "list_directory",
//	    Description: "List files in a directory",
//	}, listDirectory))
//
//	model := agentloop.NewClientModel(client, "claude-sonnet-4-5", "anthropic")
//	mgr := agentloop.NewManager(model, registry)
//
//	id, err := mgr.Start(ctx, "list files", agentloop.SessionOptions{AutoExecute: true})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	mgr.Attach(id, agentloop.SinkFunc(func(ev agentloop.Event) error {
//	    fmt.Printf("[%s] %s\n", ev.Kind, ev.Text)
//	    return nil
//	}))
package agentloop
