package kernel

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	e := newErr(StatusPermissionDenied, LocusKey, "context already has a key loaded")
	msg := e.Error()
	if msg == "" || msg == "permission denied" {
		t.Errorf("expected locus and detail in message, got %q", msg)
	}

	wrapped := wrapErr(StatusFailed, LocusDevice, "driver", errors.New("io broke"))
	if !errors.Is(wrapped, wrapped.Err) {
		t.Error("wrapped cause must be reachable via errors.Is")
	}
}

func TestStatusOf(t *testing.T) {
	if StatusOf(nil) != StatusOK {
		t.Error("nil error is OK")
	}
	if StatusOf(errors.New("plain")) != StatusFailed {
		t.Error("foreign errors map to failed")
	}

	inner := newErr(StatusTimeout, LocusHandle, "")
	outer := fmt.Errorf("while dispatching: %w", inner)
	if StatusOf(outer) != StatusTimeout {
		t.Error("StatusOf must walk the error chain")
	}
	if !IsStatus(outer, StatusTimeout) {
		t.Error("IsStatus must walk the error chain")
	}
}

func TestStatusStringsDistinct(t *testing.T) {
	// Every status in a family the dispatcher can return must render
	// distinctly enough for logs; spot-check the ones tests rely on.
	statuses := []Status{
		StatusOK, StatusNotInitialised, StatusNotAvailable,
		StatusPermissionDenied, StatusTimeout, StatusRandom,
		StatusSignature, StatusNoSecure, StatusInited,
	}
	seen := map[string]Status{}
	for _, s := range statuses {
		str := s.String()
		if str == "unknown status" {
			t.Errorf("status %d has no string", s)
		}
		if prev, dup := seen[str]; dup {
			t.Errorf("statuses %d and %d share string %q", prev, s, str)
		}
		seen[str] = s
	}
}

func TestPermissionNarrowingInvariant(t *testing.T) {
	perms := newActionPerms()
	if err := perms.narrow(ActionSign, PermitInternalOnly); err != nil {
		t.Fatal(err)
	}
	if err := perms.narrow(ActionSign, PermitNone); err != nil {
		t.Fatal(err)
	}
	// Widening back is rejected at every step.
	if err := perms.narrow(ActionSign, PermitInternalOnly); err == nil {
		t.Error("widening none → internal-only must fail")
	}
	if err := perms.narrow(ActionSign, PermitExternal); err == nil {
		t.Error("widening none → external must fail")
	}
}
