// Package risk classifies free-text content and tool-call arguments into
// the total-ordered risk level {low, high, critical}.
package risk

import (
	"encoding/json"
	"strings"

	"github.com/goyais/worker/internal/guard"
	"github.com/goyais/worker/pkg/protocol"
)

// criticalKeywords and highKeywords are checked in that order; the first
// match wins. Keyword lists include localized equivalents alongside the
// English terms, matching the style of the source's bilingual keyword
// scans.
var criticalKeywords = []string{
	"delete", "rm ", "rm-", "remove file", "drop table", "删除", "移除文件",
}

var highKeywords = []string{
	"write", "apply_patch", "run", "command", "network", "edit", "写入", "执行", "网络",
}

// ClassifyContent scans free text and returns a risk level. Default is low.
func ClassifyContent(text string) protocol.RiskLevel {
	normalized := " " + strings.ToLower(text) + " "
	for _, kw := range criticalKeywords {
		if strings.Contains(normalized, strings.ToLower(kw)) {
			return protocol.RiskCritical
		}
	}
	for _, kw := range highKeywords {
		if strings.Contains(normalized, strings.ToLower(kw)) {
			return protocol.RiskHigh
		}
	}
	return protocol.RiskLow
}

// ClassifyTool returns the risk level for one tool call, given its name and
// JSON-serializable arguments.
func ClassifyTool(name string, args map[string]any) protocol.RiskLevel {
	switch name {
	case "run_subagent":
		return protocol.RiskLow
	case "run_command":
		return classifyRunCommand(args)
	default:
		return classifyByKeywordScan(name, args)
	}
}

func classifyRunCommand(args map[string]any) protocol.RiskLevel {
	cmd, _ := args["command"].(string)
	cg := guard.NewCommandGuard()
	if _, err := cg.Tokenize(cmd); err == nil {
		return protocol.RiskLow
	}
	contentRisk := ClassifyContent(cmd)
	if contentRisk == protocol.RiskCritical {
		return protocol.RiskCritical
	}
	return protocol.RiskHigh
}

func classifyByKeywordScan(name string, args map[string]any) protocol.RiskLevel {
	serialized, _ := json.Marshal(args)
	combined := name + " " + string(serialized)
	return ClassifyContent(combined)
}
