package worktree

import (
	"regexp"
	"strings"
	"testing"
)

func TestNewIDFormat(t *testing.T) {
	p := &GitProvisioner{}
	pattern := regexp.MustCompile(`^[a-z]+-[a-z]+-\d{1,2}$`)

	for i := 0; i < 50; i++ {
		id := p.NewID()
		if !pattern.MatchString(id) {
			t.Fatalf("unexpected id format: %q", id)
		}
	}
}

func TestNewIDVaries(t *testing.T) {
	p := &GitProvisioner{}
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		seen[p.NewID()] = true
	}
	if len(seen) < 2 {
		t.Error("NewID returned the same id 50 times")
	}
}

func TestBranchName(t *testing.T) {
	p := &GitProvisioner{}
	if got := p.branchName("swift-falcon-7"); got != "qraft/swift-falcon-7" {
		t.Errorf("branchName = %q", got)
	}
}

func TestPath(t *testing.T) {
	p := &GitProvisioner{baseDir: "/tmp/worktrees"}
	got := p.Path("calm-otter-3")
	if !strings.HasSuffix(got, "calm-otter-3") {
		t.Errorf("Path = %q", got)
	}
	if !strings.HasPrefix(got, "/tmp/worktrees") {
		t.Errorf("Path = %q", got)
	}
}
