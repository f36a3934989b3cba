package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"goa.design/gate/runtime/gate/run"
)

// echoPlanner is the built-in demo engine wired when no real agent backend
// is configured. It requests one gated "echo" tool call for queries starting
// with "run:", otherwise answers directly. Deployments replace it with their
// LLM-backed planner.
type echoPlanner struct{}

func newEchoPlanner() run.Planner { return echoPlanner{} }

func (echoPlanner) Plan(_ context.Context, in *run.PlanInput) (*run.Plan, error) {
	if len(in.ToolResults) > 0 {
		last := in.ToolResults[len(in.ToolResults)-1]
		if last.Denied {
			return &run.Plan{
				Final: &run.FinalResult{Content: fmt.Sprintf("Understood, I will not run %s.", last.Name)},
			}, nil
		}
		return &run.Plan{
			Final: &run.FinalResult{Content: fmt.Sprintf("%s returned: %s", last.Name, last.Output.Preview)},
		}, nil
	}
	if rest, ok := strings.CutPrefix(in.Query, "run:"); ok {
		input, _ := json.Marshal(map[string]string{"message": strings.TrimSpace(rest)})
		schema := json.RawMessage(`{"type":"object","properties":{"message":{"type":"string"}},"required":["message"]}`)
		return &run.Plan{
			Thinking: "The request names an action, so I will call the echo tool.",
			ToolCalls: []*run.ToolRequest{{
				Name:             "echo",
				Input:            input,
				RequiresApproval: true,
				ParameterSchema:  schema,
				Preview:          fmt.Sprintf("echo %q", strings.TrimSpace(rest)),
			}},
		}, nil
	}
	return &run.Plan{Final: &run.FinalResult{Content: fmt.Sprintf("You said: %s", in.Query)}}, nil
}

// localInvoker executes the demo echo tool.
type localInvoker struct{}

func newLocalInvoker() run.Invoker { return localInvoker{} }

func (localInvoker) Invoke(_ context.Context, toolName string, input json.RawMessage) (run.ToolOutput, error) {
	if toolName != "echo" {
		return run.ToolOutput{}, fmt.Errorf("unknown tool %q", toolName)
	}
	var in struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return run.ToolOutput{}, fmt.Errorf("decode echo input: %w", err)
	}
	out, _ := json.Marshal(map[string]string{
		"message": in.Message,
		"echoed":  time.Now().UTC().Format(time.RFC3339),
	})
	return run.ToolOutput{
		Data:     out,
		DataType: "json",
		Preview:  in.Message,
	}, nil
}
