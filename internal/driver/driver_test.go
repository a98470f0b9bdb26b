package driver

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"foreman/internal/config"
	"foreman/internal/fault"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func shellDriver(t *testing.T, script string, cfg config.DriverConfig) *Driver {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-based driver tests need sh")
	}
	cfg.Tool = "sh"
	cfg.Args = []string{"-c", script}
	return New(cfg, time.Second, nil)
}

func TestInvokeCollectsCategorizedOutput(t *testing.T) {
	d := shellDriver(t, `
echo "progress: halfway there"
echo "Task: created main.go"
echo "some internal chatter"
`, config.DriverConfig{})

	res, err := d.Invoke(context.Background(), Invocation{TaskID: "t1", WorkerID: "w1"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d", res.ExitCode)
	}
	out := res.Output()
	if !strings.Contains(out, "halfway there") || !strings.Contains(out, "created main.go") {
		t.Errorf("important output missing lines: %q", out)
	}
	if strings.Contains(out, "internal chatter") {
		t.Errorf("debug noise leaked into important output: %q", out)
	}
	if len(res.Tail) != 3 {
		t.Errorf("tail holds %d lines, want all 3", len(res.Tail))
	}
}

func TestInvokeDeliversPromptOnStdin(t *testing.T) {
	d := shellDriver(t, `while read line; do echo "Task: received $line"; done`, config.DriverConfig{})

	res, err := d.Invoke(context.Background(), Invocation{
		TaskID: "t1", WorkerID: "w1", Prompt: "build the api\n",
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !strings.Contains(res.Output(), "received build the api") {
		t.Errorf("prompt did not reach stdin: %q", res.Output())
	}
}

func TestInvokeNonZeroExitCarriesDiagnostic(t *testing.T) {
	d := shellDriver(t, `echo "cannot open database" >&2; exit 3`, config.DriverConfig{})

	_, err := d.Invoke(context.Background(), Invocation{TaskID: "t1", WorkerID: "w1"})
	if err == nil {
		t.Fatal("expected failure for exit 3")
	}
	if !fault.Is(err, fault.KindWorkerExit) {
		t.Errorf("fault kind = %v, want WorkerExit", fault.KindOf(err))
	}
	if !strings.Contains(err.Error(), "cannot open database") {
		t.Errorf("diagnostic missing stderr text: %v", err)
	}
}

func TestInvokeRuntimeTimeout(t *testing.T) {
	d := shellDriver(t, `sleep 30`, config.DriverConfig{
		MaxRuntimeMs:    200,
		MaxInactivityMs: 60000,
	})

	_, err := d.Invoke(context.Background(), Invocation{TaskID: "t1", WorkerID: "w1"})
	if err == nil {
		t.Fatal("expected runtime timeout")
	}
	var fe *fault.Error
	if !errors.As(err, &fe) || fe.Kind != fault.KindTimeout || fe.Cause != fault.TimeoutRuntime {
		t.Errorf("want Timeout(runtime), got %v", err)
	}
}

func TestInvokeInactivityTimeout(t *testing.T) {
	d := shellDriver(t, `sleep 30`, config.DriverConfig{
		MaxRuntimeMs:    60000,
		MaxInactivityMs: 200,
	})

	_, err := d.Invoke(context.Background(), Invocation{TaskID: "t1", WorkerID: "w1"})
	if err == nil {
		t.Fatal("expected inactivity timeout")
	}
	var fe *fault.Error
	if !errors.As(err, &fe) || fe.Cause != fault.TimeoutInactivity {
		t.Errorf("want Timeout(inactivity), got %v", err)
	}
}

func TestInvokeContextCancellation(t *testing.T) {
	d := shellDriver(t, `sleep 30`, config.DriverConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := d.Invoke(ctx, Invocation{TaskID: "t1", WorkerID: "w1"})
	if !fault.Is(err, fault.KindCancelled) {
		t.Errorf("fault kind = %v, want Cancelled", fault.KindOf(err))
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("cancellation took %s, grace period not honored", elapsed)
	}
}

func TestTerminateStopsTrackedInvocation(t *testing.T) {
	d := shellDriver(t, `sleep 30`, config.DriverConfig{})

	errCh := make(chan error, 1)
	go func() {
		_, err := d.Invoke(context.Background(), Invocation{TaskID: "t1", WorkerID: "w1"})
		errCh <- err
	}()

	// Wait until the invocation is tracked.
	deadline := time.Now().Add(5 * time.Second)
	for len(d.ActiveInvocations()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("invocation never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	d.Terminate("t1")
	select {
	case err := <-errCh:
		if err == nil {
			t.Error("terminated invocation should report an error")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("invocation did not stop after Terminate")
	}
	if got := d.ActiveInvocations(); len(got) != 0 {
		t.Errorf("still tracked after termination: %v", got)
	}
}

func TestMissingToolIsWorkerUnavailable(t *testing.T) {
	d := New(config.DriverConfig{Tool: "no-such-specialist-tool"}, time.Second, nil)
	_, err := d.Invoke(context.Background(), Invocation{TaskID: "t1"})
	if !fault.Is(err, fault.KindWorkerUnavailable) {
		t.Errorf("fault kind = %v, want WorkerUnavailable", fault.KindOf(err))
	}
}

func TestComplexDescriptionExtendsRuntime(t *testing.T) {
	d := New(config.DriverConfig{
		Tool:                "sh",
		MaxRuntimeMs:        1000,
		MaxRuntimeComplexMs: 5000,
	}, time.Second, nil)

	simple := d.maxRuntime(Invocation{Description: "tidy up the readme"})
	if simple != time.Second {
		t.Errorf("simple runtime = %s, want 1s", simple)
	}
	complexRuntime := d.maxRuntime(Invocation{Description: "full database migration for the backend"})
	if complexRuntime != 5*time.Second {
		t.Errorf("complex runtime = %s, want 5s", complexRuntime)
	}
}
