package scheduler

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/loomworks/loom/pkg/models"
)

// placeholderPattern matches {job_id}, {workflow_id}, {result} and
// {result.dot.path} tokens in outcome messages.
var placeholderPattern = regexp.MustCompile(`\{[a-zA-Z0-9_]+(?:\.[a-zA-Z0-9_]+)*\}`)

// resultRenderLimit caps the rendered {result} JSON.
const resultRenderLimit = 2048

// renderMessage substitutes placeholders in an outcome message. result is
// the value observed when the job went terminal, so the message reports what
// actually satisfied the check rather than a later re-fetch. A missing dot
// path renders as the literal token and counts a warning metric; a typo in a
// message never blocks dispatch.
func (e *Engine) renderMessage(msg string, job *models.Job, result any, summaryFields []string) string {
	return placeholderPattern.ReplaceAllStringFunc(msg, func(token string) string {
		name := token[1 : len(token)-1]
		switch {
		case name == "job_id":
			return job.ID
		case name == "workflow_id":
			return job.WorkflowID
		case name == "result":
			return renderResult(result, summaryFields)
		case strings.HasPrefix(name, "result."):
			v, ok := valueAtPath(result, strings.TrimPrefix(name, "result."))
			if !ok {
				e.logger.Warn("placeholder path missing from result",
					"job_id", job.ID,
					"placeholder", name,
				)
				if e.metrics != nil {
					e.metrics.RecordPlaceholderMiss(name)
				}
				return token
			}
			return renderScalar(v)
		}
		return token
	})
}

// renderResult renders the {result} token: the full result as compact JSON,
// or a projection of it when summary fields are configured. Fields missing
// from the result are omitted from the projection.
func renderResult(result any, summaryFields []string) string {
	if len(summaryFields) > 0 {
		projected := make(map[string]any, len(summaryFields))
		for _, field := range summaryFields {
			if v, ok := valueAtPath(result, field); ok {
				projected[field] = v
			}
		}
		result = projected
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	if len(data) > resultRenderLimit {
		data = append(data[:resultRenderLimit], []byte("...")...)
	}
	return string(data)
}

// renderScalar renders a dot-path value: strings verbatim, everything else
// as compact JSON.
func renderScalar(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
