package resume

// Merge folds the continuation a specialist returned on resume into the
// previous context.
//
// Specialist-local fields from next are overlaid onto prev's payload when
// both belong to the same specialist; a payload from a different specialist
// replaces it. The question context is always replaced by next's. The plan
// executor state is always prev's: whatever next carries there is dropped.
//
// Neither argument is modified.
func Merge(prev, next *Context) *Context {
	out := prev.Clone()
	if out == nil {
		out = &Context{}
	}
	if next == nil {
		next = &Context{}
	}

	out.Specialist = overlay(out.Specialist, next.Specialist)
	out.AskQuestion = next.AskQuestion.Clone()
	if prev != nil {
		out.PlanExecutorState = prev.PlanExecutorState.Clone()
	} else {
		out.PlanExecutorState = nil
	}
	out.Cycles++
	return out
}

func overlay(base, next *SpecialistPayload) *SpecialistPayload {
	if next == nil {
		return base
	}
	if base == nil || base.Specialist != next.Specialist {
		return next.Clone()
	}
	n := next.Clone()
	if n.Transcript != nil {
		base.Transcript = n.Transcript
	}
	if len(n.Fields) > 0 {
		if base.Fields == nil {
			base.Fields = make(map[string]interface{}, len(n.Fields))
		}
		for k, v := range n.Fields {
			base.Fields[k] = v
		}
	}
	return base
}
