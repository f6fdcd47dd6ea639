package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindAndCodeSurviveWrapping(t *testing.T) {
	base := Resource(CodeInsufficientAllowance, "allowance 5 < 10")
	wrapped := fmt.Errorf("execute plan 7: %w", base)

	if got := KindOf(wrapped); got != KindResource {
		t.Fatalf("KindOf = %q, want %q", got, KindResource)
	}
	if got := CodeOf(wrapped); got != CodeInsufficientAllowance {
		t.Fatalf("CodeOf = %q, want %q", got, CodeInsufficientAllowance)
	}
	if !stderrors.Is(wrapped, ErrInsufficientAllowance) {
		t.Fatalf("errors.Is against sentinel should match")
	}
	if stderrors.Is(wrapped, ErrInsufficientBalance) {
		t.Fatalf("different code must not match")
	}
}

func TestForeignErrors(t *testing.T) {
	if KindOf(nil) != "" || CodeOf(nil) != "" {
		t.Fatalf("nil error should have empty kind and code")
	}
	plain := stderrors.New("boom")
	if KindOf(plain) != KindInternal {
		t.Fatalf("plain errors classify as internal")
	}
	if GetServiceError(plain) != nil {
		t.Fatalf("plain error is not a service error")
	}
}

func TestConstructorsSetStatus(t *testing.T) {
	tests := []struct {
		err    *ServiceError
		kind   Kind
		status int
	}{
		{Validation(CodeInvalidAmount, "x"), KindValidation, http.StatusBadRequest},
		{Authorization(CodeNotOwner, "x"), KindAuthorization, http.StatusForbidden},
		{State(CodeNotEligible, "x"), KindState, http.StatusConflict},
		{Resource(CodeInsufficientCapacity, "x"), KindResource, http.StatusUnprocessableEntity},
		{Governance(CodeRequestExpired, "x"), KindGovernance, http.StatusConflict},
		{NotFound("plan", 3), KindNotFound, http.StatusNotFound},
		{Internal("x", stderrors.New("db")), KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if tt.err.Kind != tt.kind {
			t.Errorf("kind = %q, want %q", tt.err.Kind, tt.kind)
		}
		if tt.err.HTTPStatus != tt.status {
			t.Errorf("%s: status = %d, want %d", tt.kind, tt.err.HTTPStatus, tt.status)
		}
	}
}

func TestWithDetailsCopies(t *testing.T) {
	base := Validation(CodeInvalidAmount, "amount must be positive")
	detailed := base.WithDetails("amount", "-1")
	if len(base.Details) != 0 {
		t.Fatalf("WithDetails mutated the receiver")
	}
	if detailed.Details["amount"] != "-1" {
		t.Fatalf("detail not recorded: %#v", detailed.Details)
	}
	if !IsNotFound(NotFound("lock", 9)) {
		t.Fatalf("IsNotFound should match")
	}
}
