// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package errors

import (
	stderrors "errors"
	"testing"
)

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		KindUnknown:      "unknown",
		KindInternal:     "internal",
		KindValidation:   "validation",
		KindNotFound:     "not_found",
		KindConflict:     "conflict",
		KindTimeout:      "timeout",
		KindAdmission:    "admission_denied",
		KindRejected:     "rejected",
		KindInvalidState: "invalid_state",
		KindMalformed:    "malformed",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}

func TestWrapPreservesChain(t *testing.T) {
	base := stderrors.New("boom")
	err := Wrap(base, KindAdmission, "allocation failed")

	if !Is(err, base) {
		t.Error("wrapped error should match the base error")
	}
	if GetKind(err) != KindAdmission {
		t.Errorf("GetKind = %v, want KindAdmission", GetKind(err))
	}
	if err.Error() != "allocation failed: boom" {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, KindInternal, "whatever") != nil {
		t.Error("Wrap(nil) should return nil")
	}
	if Wrapf(nil, KindInternal, "whatever %d", 1) != nil {
		t.Error("Wrapf(nil) should return nil")
	}
}

func TestAttr(t *testing.T) {
	err := New(KindNotFound, "no such flow")
	err = Attr(err, "flow_id", "f-1")

	var e *Error
	if !As(err, &e) {
		t.Fatal("expected *Error")
	}
	if e.Attributes["flow_id"] != "f-1" {
		t.Errorf("attribute not attached: %v", e.Attributes)
	}
}

func TestAttrOnForeignError(t *testing.T) {
	err := Attr(stderrors.New("plain"), "k", "v")
	if GetKind(err) != KindInternal {
		t.Errorf("foreign error should be wrapped as KindInternal, got %v", GetKind(err))
	}
}

func TestIsKind(t *testing.T) {
	err := New(KindInvalidState, "flow not active")
	if !IsKind(err, KindInvalidState) {
		t.Error("IsKind should match")
	}
	if IsKind(err, KindTimeout) {
		t.Error("IsKind should not match a different kind")
	}
	if IsKind(stderrors.New("plain"), KindInvalidState) {
		t.Error("plain errors have KindUnknown")
	}
}
