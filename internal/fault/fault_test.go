package fault

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestConfigErrorMatchesSentinel(t *testing.T) {
	t.Parallel()
	err := Config("driver", "divider[1]", "offset %d >= divisor %d", 4, 2)
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("errors.Is(%v, ErrConfiguration) = false", err)
	}
	wrapped := fmt.Errorf("setup: %w", err)
	if !IsConfig(wrapped) {
		t.Fatal("wrapped config error not detected")
	}
	var ce *ConfigError
	if !errors.As(wrapped, &ce) || ce.Component != "driver" || ce.Field != "divider[1]" {
		t.Fatalf("errors.As = %+v", ce)
	}
	if got := err.Error(); !strings.Contains(got, "driver: divider[1]: offset 4 >= divisor 2") {
		t.Fatalf("Error() = %q", got)
	}
}

func TestConfigErrorUnwrapsCause(t *testing.T) {
	t.Parallel()
	cause := errors.New("boom")
	err := Config("health", "", "register: %w", cause)
	if !errors.Is(err, cause) {
		t.Fatal("cause not reachable through ConfigError")
	}
}

func TestTaskFaultMessage(t *testing.T) {
	t.Parallel()
	f := &TaskFault{Group: "rg1", Task: "a", Tick: 7, Err: errors.New("bad")}
	if got := f.Error(); got != "task rg1/a failed at tick 7: bad" {
		t.Fatalf("Error() = %q", got)
	}
	p := &TaskFault{Group: "rg1", Task: "a", Tick: 7, Panic: "oops"}
	if got := p.Error(); !strings.Contains(got, "panicked") {
		t.Fatalf("Error() = %q", got)
	}
	if IsConfig(f) {
		t.Fatal("task fault must not be a configuration error")
	}
}
