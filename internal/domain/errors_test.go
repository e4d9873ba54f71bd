package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want FailureKind
	}{
		{Transient(errors.New("timeout")), FailureTransient},
		{Permanent(errors.New("gone")), FailurePermanent},
		{Capability(errors.New("model down")), FailureCapability},
		{Delivery(errors.New("smtp refused")), FailureDelivery},
		{errors.New("unclassified"), FailureTransient},
		{fmt.Errorf("wrapped: %w", Permanent(errors.New("gone"))), FailurePermanent},
	}
	for _, c := range cases {
		if got := KindOf(c.err); got != c.want {
			t.Fatalf("KindOf(%v) = %s, want %s", c.err, got, c.want)
		}
	}
}

func TestFailureUnwrap(t *testing.T) {
	t.Parallel()

	inner := errors.New("root cause")
	err := Transient(fmt.Errorf("fetch: %w", inner))
	if !errors.Is(err, inner) {
		t.Fatal("wrapped cause should be reachable through errors.Is")
	}
}

func TestStageNext(t *testing.T) {
	t.Parallel()

	order := []Stage{StageFetched, StageExtracted, StageSummarized, StageDispatched, StageSynced, StageDone}
	for i := 0; i < len(order)-1; i++ {
		if order[i].Next() != order[i+1] {
			t.Fatalf("%s.Next() = %s, want %s", order[i], order[i].Next(), order[i+1])
		}
	}
	if StageDone.Next() != StageDone {
		t.Fatal("done is terminal")
	}
}
