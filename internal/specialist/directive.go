package specialist

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vinayprograms/agentkit/llm"

	"github.com/vinayprograms/specpilot/internal/faults"
	"github.com/vinayprograms/specpilot/internal/resume"
)

// Control tools every specialist gets in addition to its own tools.
const (
	ToolAskUser  = "ask_user"
	ToolComplete = "complete"
)

var controlTools = []llm.ToolDef{
	{
		Name:        ToolAskUser,
		Description: "Ask the user a question and wait for the answer. Use when a decision depends on the user's preference.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"question": map[string]interface{}{
					"type":        "string",
					"description": "The question to show the user",
				},
				"options": map[string]interface{}{
					"type":        "array",
					"items":       map[string]interface{}{"type": "string"},
					"description": "Optional suggested answers",
				},
			},
			"required": []string{"question"},
		},
	},
	{
		Name:        ToolComplete,
		Description: "Finish this step and hand back the produced content.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"content": map[string]interface{}{
					"type":        "string",
					"description": "The final content of this step",
				},
			},
		},
	},
}

type directiveKind int

const (
	directiveTools directiveKind = iota
	directiveAsk
	directiveComplete
)

// directive is the parsed intent of one model response.
type directive struct {
	kind   directiveKind
	ask    *resume.AskQuestionContext
	output string
	calls  []llm.ToolCallResponse
}

// parseDirective interprets a model response. A question wins over every
// other call in the same response; completion wins over ordinary tools.
func parseDirective(resp *llm.ChatResponse) (directive, error) {
	if resp == nil {
		return directive{}, faults.ErrEmptyResponse
	}

	if len(resp.ToolCalls) == 0 {
		if strings.TrimSpace(resp.Content) == "" {
			return directive{}, faults.ErrEmptyResponse
		}
		return directive{kind: directiveComplete, output: resp.Content}, nil
	}

	for _, tc := range resp.ToolCalls {
		if tc.Name != ToolAskUser {
			continue
		}
		q, _ := tc.Args["question"].(string)
		if strings.TrimSpace(q) == "" {
			return directive{}, fmt.Errorf("%w: %s call %s has no question", faults.ErrMalformedDirective, ToolAskUser, tc.ID)
		}
		raw, _ := json.Marshal(tc)
		return directive{
			kind: directiveAsk,
			ask: &resume.AskQuestionContext{
				ToolCallID:   tc.ID,
				ToolName:     tc.Name,
				Question:     strings.TrimSpace(q),
				Options:      stringList(tc.Args["options"]),
				RawDirective: string(raw),
				AskedAt:      time.Now(),
			},
		}, nil
	}

	for _, tc := range resp.ToolCalls {
		if tc.Name != ToolComplete {
			continue
		}
		out, ok := tc.Args["content"].(string)
		if !ok || out == "" {
			out = resp.Content
		}
		return directive{kind: directiveComplete, output: out}, nil
	}

	return directive{kind: directiveTools, calls: resp.ToolCalls}, nil
}

func stringList(v interface{}) []string {
	switch items := v.(type) {
	case []string:
		return append([]string(nil), items...)
	case []interface{}:
		out := make([]string, 0, len(items))
		for _, it := range items {
			if s, ok := it.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
