package specialist

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/agentkit/tools"
)

// ToolExecutor is the tool catalog specialists call into.
type ToolExecutor interface {
	// Definitions returns the definitions of the named tools that exist.
	Definitions(names []string) []llm.ToolDef
	// Execute runs one tool call.
	Execute(ctx context.Context, call llm.ToolCallResponse) (interface{}, error)
}

// RegistryTools adapts an agentkit tool registry.
type RegistryTools struct {
	registry *tools.Registry
	timeout  time.Duration
}

// NewRegistryTools wraps registry. A positive timeout bounds each call.
func NewRegistryTools(registry *tools.Registry, timeout time.Duration) *RegistryTools {
	return &RegistryTools{registry: registry, timeout: timeout}
}

// Definitions implements ToolExecutor.
func (r *RegistryTools) Definitions(names []string) []llm.ToolDef {
	if r.registry == nil {
		return nil
	}
	allowed := make(map[string]bool, len(names))
	for _, n := range names {
		allowed[n] = true
	}
	var defs []llm.ToolDef
	for _, def := range r.registry.Definitions() {
		if !allowed[def.Name] {
			continue
		}
		defs = append(defs, llm.ToolDef{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		})
	}
	return defs
}

// Execute implements ToolExecutor.
func (r *RegistryTools) Execute(ctx context.Context, call llm.ToolCallResponse) (interface{}, error) {
	if r.registry == nil {
		return nil, fmt.Errorf("no tool registry")
	}
	tool := r.registry.Get(call.Name)
	if tool == nil {
		return nil, fmt.Errorf("tool not found: %s", call.Name)
	}
	if r.timeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > r.timeout {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}
	}
	return tool.Execute(ctx, call.Args)
}

// concurrencyLimit bounds parallel tool execution. Tools are mostly I/O
// bound, so CPUs are oversubscribed within [4, 32].
var concurrencyLimit = func() int {
	limit := runtime.NumCPU() * 4
	if limit < 4 {
		limit = 4
	}
	if limit > 32 {
		limit = 32
	}
	return limit
}()

// serializeTools have side effects on the document and run in request order.
var serializeTools = map[string]bool{
	"write": true,
	"edit":  true,
	"bash":  true,
}

// toolResult holds the result of one tool execution.
type toolResult struct {
	index   int
	id      string
	content string
}

// executeTools runs calls and returns tool messages in request order.
// Read-only tools run in parallel; serialized tools run one at a time
// after them. Tool errors are reported to the model, never returned.
func executeTools(ctx context.Context, exec ToolExecutor, allowed map[string]bool, calls []llm.ToolCallResponse, logger *logging.Logger) []llm.Message {
	if len(calls) == 0 {
		return nil
	}

	run := func(idx int, tc llm.ToolCallResponse) (res toolResult) {
		res = toolResult{index: idx, id: tc.ID}
		defer func() {
			if r := recover(); r != nil {
				logger.Error("tool panic", map[string]interface{}{
					"tool":  tc.Name,
					"panic": fmt.Sprintf("%v", r),
				})
				res.content = fmt.Sprintf("Error: tool %s panicked", tc.Name)
			}
		}()
		if !allowed[tc.Name] || exec == nil {
			res.content = fmt.Sprintf("Error: tool %s is not available to this specialist", tc.Name)
			return res
		}
		result, err := exec.Execute(ctx, tc)
		if err != nil {
			logger.Debug("tool failed", map[string]interface{}{"tool": tc.Name, "error": err.Error()})
			res.content = fmt.Sprintf("Error: %v", err)
			return res
		}
		switch v := result.(type) {
		case string:
			res.content = v
		default:
			data, _ := json.Marshal(v)
			res.content = string(data)
		}
		return res
	}

	var serialized, parallel []int
	for i, tc := range calls {
		if serializeTools[tc.Name] {
			serialized = append(serialized, i)
		} else {
			parallel = append(parallel, i)
		}
	}

	messages := make([]llm.Message, len(calls))
	if len(parallel) > 0 {
		sem := make(chan struct{}, concurrencyLimit)
		results := make(chan toolResult, len(parallel))
		var wg sync.WaitGroup
		for _, idx := range parallel {
			wg.Add(1)
			go func(idx int, tc llm.ToolCallResponse) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				results <- run(idx, tc)
			}(idx, calls[idx])
		}
		wg.Wait()
		close(results)
		for r := range results {
			messages[r.index] = llm.Message{Role: "tool", ToolCallID: r.id, Content: r.content}
		}
	}

	for _, idx := range serialized {
		r := run(idx, calls[idx])
		messages[r.index] = llm.Message{Role: "tool", ToolCallID: r.id, Content: r.content}
	}
	return messages
}
