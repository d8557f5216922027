package transform

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/orgloop/orgloop/internal/envelope"
	"github.com/orgloop/orgloop/internal/plugin"
)

func testTransformContext() plugin.TransformContext {
	return plugin.TransformContext{
		Source:    "s1",
		Target:    "actor1",
		EventType: string(envelope.TypeResourceChanged),
		RouteName: "route1",
	}
}

func mustScriptEvent(t *testing.T) *envelope.Event {
	t.Helper()
	e, err := envelope.New("s1", envelope.TypeResourceChanged, envelope.Provenance{"platform": "test"}, envelope.Payload{"n": 1}, "")
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestScriptExitZeroWithOutputReplacesEvent(t *testing.T) {
	s := NewScript("replace", ScriptConfig{
		Command: "sh",
		Args:    []string{"-c", `cat`},
	})
	e := mustScriptEvent(t)

	out, err := s.Execute(context.Background(), e, testTransformContext(), nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out == nil || out.ID != e.ID {
		t.Fatalf("Execute() = %v, want echoed event", out)
	}
}

func TestScriptExitZeroEmptyOutputDrops(t *testing.T) {
	s := NewScript("silent-ok", ScriptConfig{
		Command: "sh",
		Args:    []string{"-c", `cat >/dev/null; exit 0`},
	})
	e := mustScriptEvent(t)

	out, err := s.Execute(context.Background(), e, testTransformContext(), nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out != nil {
		t.Fatalf("Execute() = %v, want nil (drop)", out)
	}
}

func TestScriptExitOneDrops(t *testing.T) {
	s := NewScript("reject", ScriptConfig{
		Command: "sh",
		Args:    []string{"-c", `cat >/dev/null; exit 1`},
	})
	e := mustScriptEvent(t)

	out, err := s.Execute(context.Background(), e, testTransformContext(), nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out != nil {
		t.Fatalf("Execute() = %v, want nil (drop)", out)
	}
}

func TestScriptExitTwoOrMoreErrorsFailOpen(t *testing.T) {
	s := NewScript("explode", ScriptConfig{
		Command: "sh",
		Args:    []string{"-c", `cat >/dev/null; exit 2`},
	})
	e := mustScriptEvent(t)

	out, err := s.Execute(context.Background(), e, testTransformContext(), nil)
	if err == nil {
		t.Fatal("expected an error for exit code >= 2")
	}
	if out != nil {
		t.Fatalf("Execute() = %v, want nil event alongside the error", out)
	}
}

func TestScriptTimeoutKillsProcess(t *testing.T) {
	s := NewScript("hang", ScriptConfig{
		Command: "sh",
		Args:    []string{"-c", `cat >/dev/null; sleep 5`},
		Timeout: 30 * time.Millisecond,
		Grace:   10 * time.Millisecond,
	})
	e := mustScriptEvent(t)

	start := time.Now()
	_, err := s.Execute(context.Background(), e, testTransformContext(), nil)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Execute() took %v, want prompt termination after timeout+grace", elapsed)
	}
}

func TestScriptSetsExactlyTheSpecEnvVars(t *testing.T) {
	dumpFile := filepath.Join(t.TempDir(), "envdump.txt")
	s := NewScript("envcheck", ScriptConfig{
		Command: "sh",
		Args: []string{"-c", `cat >/dev/null; {
			echo "ORGLOOP_SOURCE=$ORGLOOP_SOURCE";
			echo "ORGLOOP_TARGET=$ORGLOOP_TARGET";
			echo "ORGLOOP_EVENT_TYPE=$ORGLOOP_EVENT_TYPE";
			echo "ORGLOOP_EVENT_ID=$ORGLOOP_EVENT_ID";
			echo "ORGLOOP_ROUTE=$ORGLOOP_ROUTE";
			echo "ORGLOOP_TRACE_ID=${ORGLOOP_TRACE_ID:-unset}";
			echo "ORGLOOP_TRANSFORM=${ORGLOOP_TRANSFORM:-unset}";
		} > "$1"`, "_", dumpFile},
	})
	e := mustScriptEvent(t)
	tc := testTransformContext()

	out, err := s.Execute(context.Background(), e, tc, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out != nil {
		t.Fatalf("Execute() = %v, want nil (empty stdout drop)", out)
	}

	dump, err := os.ReadFile(dumpFile)
	if err != nil {
		t.Fatalf("read env dump: %v", err)
	}
	got := string(dump)
	for _, want := range []string{
		"ORGLOOP_SOURCE=s1",
		"ORGLOOP_TARGET=actor1",
		"ORGLOOP_EVENT_TYPE=resource.changed",
		"ORGLOOP_EVENT_ID=" + e.ID,
		"ORGLOOP_ROUTE=route1",
		"ORGLOOP_TRACE_ID=unset",
		"ORGLOOP_TRANSFORM=unset",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("env dump = %q, want line %q", got, want)
		}
	}
}
