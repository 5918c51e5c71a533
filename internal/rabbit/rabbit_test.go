package rabbit_test

import (
	"testing"

	"github.com/example/delivery-core/internal/rabbit"
)

func TestTopologyValidate(t *testing.T) {
	valid := rabbit.Topology{
		MainQueue:       "payments.capture",
		WaitQueue:       "payments.capture.wait",
		DeadLetterQueue: "payments.capture.dlq",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	cases := []struct {
		name string
		topo rabbit.Topology
	}{
		{"missing main", rabbit.Topology{WaitQueue: "w", DeadLetterQueue: "d"}},
		{"missing wait", rabbit.Topology{MainQueue: "m", DeadLetterQueue: "d"}},
		{"missing dead-letter", rabbit.Topology{MainQueue: "m", WaitQueue: "w"}},
		{"wait equals main", rabbit.Topology{MainQueue: "q", WaitQueue: "q", DeadLetterQueue: "d"}},
		{"dead-letter equals wait", rabbit.Topology{MainQueue: "m", WaitQueue: "q", DeadLetterQueue: "q"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.topo.Validate(); err == nil {
				t.Error("Validate succeeded, want error")
			}
		})
	}
}
