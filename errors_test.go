package minihv

import (
	"errors"
	"testing"
)

func TestKindOfExtractsKind(t *testing.T) {
	err := newError(HostProtocol, "KVM_RUN", errors.New("boom"))

	kind, ok := KindOf(err)
	if !ok || kind != HostProtocol {
		t.Fatalf("KindOf = %v, %v; want %v, true", kind, ok, HostProtocol)
	}
}

func TestKindOfUnwrapsWrappedErrors(t *testing.T) {
	inner := newError(GuestFault, "Run", errors.New("internal error"))
	wrapped := errors.New("context: " + inner.Error())

	if _, ok := KindOf(wrapped); ok {
		t.Fatal("KindOf should not match a plain string-wrapped error")
	}

	asWrapped := errors.Join(inner)
	kind, ok := KindOf(asWrapped)
	if !ok || kind != GuestFault {
		t.Fatalf("KindOf(errors.Join(inner)) = %v, %v; want %v, true", kind, ok, GuestFault)
	}
}

func TestIsStartupFailure(t *testing.T) {
	cases := []struct {
		kind Kind
		want bool
	}{
		{ConfigInvalid, true},
		{HostUnavailable, true},
		{HostProtocol, true},
		{FileMissing, false},
		{GuestTerminated, false},
		{GuestFault, false},
	}
	for _, c := range cases {
		if got := c.kind.IsStartupFailure(); got != c.want {
			t.Errorf("%s.IsStartupFailure() = %v, want %v", c.kind, got, c.want)
		}
	}
}
