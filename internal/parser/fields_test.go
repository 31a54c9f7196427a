package parser

import (
	"testing"

	"github.com/harrison/autodev/internal/models"
)

func TestStatusFromText(t *testing.T) {
	tests := []struct {
		raw  string
		want models.TaskStatus
		ok   bool
	}{
		{"已完成", models.StatusSuccess, true},
		{"完成", models.StatusSuccess, true},
		{"已完成 ✅", models.StatusSuccess, true},
		{"完成(2026-01-05)", models.StatusSuccess, true},
		{"Success", models.StatusSuccess, true},
		{"COMPLETED", models.StatusSuccess, true},
		{"done", models.StatusSuccess, true},
		{"失败", models.StatusFailed, true},
		{"Failed", models.StatusFailed, true},
		{"blocked", models.StatusPending, true},
		{"阻塞", models.StatusPending, true},
		{"进行中", models.StatusRunning, true},
		{"In Progress", models.StatusRunning, true},
		{"running", models.StatusRunning, true},
		{"ready", models.StatusReady, true},
		{"就绪", models.StatusReady, true},
		{"待处理", models.StatusPending, true},
		{"TODO", models.StatusPending, true},
		{"", "", false},
		{"维修中", "", false},
	}

	for _, tt := range tests {
		got, ok := statusFromText(tt.raw)
		if got != tt.want || ok != tt.ok {
			t.Errorf("statusFromText(%q) = (%q, %v), want (%q, %v)", tt.raw, got, ok, tt.want, tt.ok)
		}
	}
}

func TestStatusFromCheckbox(t *testing.T) {
	tests := []struct {
		mark string
		want models.TaskStatus
	}{
		{"x", models.StatusSuccess},
		{"X", models.StatusSuccess},
		{"~", models.StatusRunning},
		{"!", models.StatusPending},
		{" ", models.StatusReady},
	}

	for _, tt := range tests {
		if got := statusFromCheckbox(tt.mark); got != tt.want {
			t.Errorf("statusFromCheckbox(%q) = %q, want %q", tt.mark, got, tt.want)
		}
	}
}

func TestParseEstimate(t *testing.T) {
	tests := []struct {
		raw  string
		want int
	}{
		{"60k", 60000},
		{"60K", 60000},
		{"1.5k", 1500},
		{"8000", 8000},
		{"约 120k tokens", 120000},
		{"12,000", 12000},
		{"", 0},
		{"N/A", 0},
	}

	p := NewPlanParser(nil)
	for _, tt := range tests {
		if got := p.parseEstimate("T-1.1", tt.raw); got != tt.want {
			t.Errorf("parseEstimate(%q) = %d, want %d", tt.raw, got, tt.want)
		}
	}
}

func TestCleanTitle(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"Login", "Login"},
		{"Login ###", "Login"},
		{"Login #", "Login"},
		{"  padded  ", "padded"},
		{"Migrate to C#", "Migrate to C#"},
	}

	for _, tt := range tests {
		if got := cleanTitle(tt.raw); got != tt.want {
			t.Errorf("cleanTitle(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestSplitList(t *testing.T) {
	got := splitList("a, b，c、d")
	want := []string{"a", " b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("splitList() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("splitList()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBlockAdmitsTask(t *testing.T) {
	if blockAdmitsTask("### FE-1.1: t\nprose only\n") {
		t.Error("prose-only block admitted")
	}
	if !blockAdmitsTask("### FE-1.1: t\n- [ ] item\n") {
		t.Error("checkbox block rejected")
	}
	if !blockAdmitsTask("### FE-1.1: t\n- **依赖**: BE-1.1\n") {
		t.Error("field block rejected")
	}
}
