package workerpool

import "testing"

// Mock test to avoid needing an actual Docker daemon in CI.
func TestNew_Config(t *testing.T) {
	p, err := New(Config{Image: "forgeswarm/sandbox", MemoryMB: 256, Workspace: "/tmp/ws"}, nil, nil, nil)
	if err != nil {
		t.Skip("docker client init failed (expected in CI without docker):", err)
	}
	defer p.Close()

	if p.cfg.Image != "forgeswarm/sandbox" {
		t.Errorf("expected forgeswarm/sandbox, got %s", p.cfg.Image)
	}
	if p.cfg.MemoryMB != 256 {
		t.Errorf("expected 256, got %d", p.cfg.MemoryMB)
	}
}

func TestNew_RequiresImage(t *testing.T) {
	if _, err := New(Config{}, nil, nil, nil); err == nil {
		t.Fatal("expected error when Image is empty")
	}
}

func TestLooksLikeJSON(t *testing.T) {
	cases := []struct {
		line string
		want bool
	}{
		{`{"taskId":"t1"}`, true},
		{`  {"taskId":"t1"}`, true},
		{`[1,2,3]`, true},
		{"[spawn] creating sandbox", false},
		{"plain text output", false},
		{"", false},
	}
	for _, c := range cases {
		if got := looksLikeJSON(c.line); got != c.want {
			t.Errorf("looksLikeJSON(%q) = %v, want %v", c.line, got, c.want)
		}
	}
}

func TestParseProgressLine_SpawnPrefix(t *testing.T) {
	pl := parseProgressLine("[spawn] creating sandbox")
	if pl.Phase != "spawn" || pl.Message != "creating sandbox" {
		t.Fatalf("unexpected parse: %+v", pl)
	}
}

func TestParseProgressLine_WorkerIDPrefix(t *testing.T) {
	pl := parseProgressLine("[worker:abc123] repository cloned")
	if pl.Phase != "worker:abc123" || pl.Message != "repository cloned" {
		t.Fatalf("unexpected parse: %+v", pl)
	}
}

func TestParseProgressLine_NoPrefix(t *testing.T) {
	pl := parseProgressLine("npm install complete")
	if pl.Phase != "worker" || pl.Message != "npm install complete" {
		t.Fatalf("unexpected parse: %+v", pl)
	}
}

func TestDetectPhaseTransition(t *testing.T) {
	cases := []struct {
		msg  string
		want phaseTransition
		ok   bool
	}{
		{"Sandbox created successfully", phaseSandboxCreated, true},
		{"Repository cloned at HEAD", phaseRepositoryClone, true},
		{"worker started processing task", phaseWorkerStarted, true},
		{"branch pushed to origin", phaseBranchPushed, true},
		{"installing dependencies", "", false},
	}
	for _, c := range cases {
		got, ok := detectPhaseTransition(c.msg)
		if ok != c.ok || (ok && got != c.want) {
			t.Errorf("detectPhaseTransition(%q) = (%v, %v), want (%v, %v)", c.msg, got, ok, c.want, c.ok)
		}
	}
}

func TestSynthesizedFailure(t *testing.T) {
	p := &Pool{}
	h := p.synthesizedFailure("t1", "worker timeout")
	if h.TaskID != "t1" || h.Status != "failed" {
		t.Fatalf("unexpected handoff: %+v", h)
	}
	if len(h.Concerns) != 1 || h.Concerns[0] != "worker timeout" {
		t.Fatalf("expected concerns to carry the reason, got %+v", h.Concerns)
	}
}
