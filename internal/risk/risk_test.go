package risk

import (
	"testing"

	"github.com/goyais/worker/pkg/protocol"
)

func TestClassifyContent(t *testing.T) {
	cases := []struct {
		name string
		text string
		want protocol.RiskLevel
	}{
		{"plain question", "what does this function return?", protocol.RiskLow},
		{"edit keyword", "please edit this file for me", protocol.RiskHigh},
		{"delete keyword wins over high", "run the tests then delete the temp dir", protocol.RiskCritical},
		{"localized critical", "请删除这个目录", protocol.RiskCritical},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyContent(tc.text); got != tc.want {
				t.Fatalf("ClassifyContent(%q) = %s, want %s", tc.text, got, tc.want)
			}
		})
	}
}

func TestClassifyToolRunSubagentAlwaysLow(t *testing.T) {
	got := ClassifyTool("run_subagent", map[string]any{"task": "rm -rf /"})
	if got != protocol.RiskLow {
		t.Fatalf("run_subagent risk = %s, want low", got)
	}
}

func TestClassifyToolRunCommand(t *testing.T) {
	low := ClassifyTool("run_command", map[string]any{"command": "ls -la"})
	if low != protocol.RiskLow {
		t.Fatalf("well-formed read command risk = %s, want low", low)
	}

	risky := ClassifyTool("run_command", map[string]any{"command": "rm -rf build"})
	if risky.Rank() < protocol.RiskHigh.Rank() {
		t.Fatalf("rm command risk = %s, want at least high", risky)
	}
}

func TestClassifyToolDefaultKeywordScan(t *testing.T) {
	got := ClassifyTool("write_file", map[string]any{"path": "a.txt", "content": "hi"})
	if got != protocol.RiskHigh {
		t.Fatalf("write_file risk = %s, want high", got)
	}
}

func TestRiskLevelOrdering(t *testing.T) {
	if !protocol.RiskCritical.AtLeast(protocol.RiskHigh) {
		t.Fatal("critical should be at least high")
	}
	if protocol.RiskLow.AtLeast(protocol.RiskHigh) {
		t.Fatal("low should not be at least high")
	}
	if !protocol.RiskHigh.AtLeast(protocol.RiskHigh) {
		t.Fatal("high should be at least high (reflexive)")
	}
}
