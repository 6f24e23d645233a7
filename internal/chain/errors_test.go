package chain

import (
	"errors"
	"testing"
)

func TestTransientErrorUnwraps(t *testing.T) {
	cause := errors.New("network reset")
	err := &TransientError{Op: "fetch-block", Err: cause}
	if !errors.Is(err, cause) {
		t.Fatal("expected TransientError to unwrap to its cause")
	}
}

func TestFatalPipelineErrorMessageWithAndWithoutCause(t *testing.T) {
	withCause := &FatalPipelineError{Reason: "fork depth exceeded", Err: errors.New("boom")}
	if withCause.Error() == "" {
		t.Fatal("expected non-empty error message")
	}

	withoutCause := &FatalPipelineError{Reason: "worker pool crash storm"}
	if withoutCause.Error() != "fatal: worker pool crash storm" {
		t.Fatalf("Error() = %q, want %q", withoutCause.Error(), "fatal: worker pool crash storm")
	}
}

func TestIsAbortedDistinguishesAbortedFromOtherErrors(t *testing.T) {
	if !IsAborted(&AbortedError{Op: "get-block"}) {
		t.Fatal("expected AbortedError to be reported as aborted")
	}
	if IsAborted(errors.New("some other error")) {
		t.Fatal("expected a plain error to not be reported as aborted")
	}
}

func TestValidationErrorIncludesFieldAndMessage(t *testing.T) {
	err := &ValidationError{Field: "cursor", Msg: "malformed base64url"}
	if err.Error() != "validation: cursor: malformed base64url" {
		t.Fatalf("Error() = %q", err.Error())
	}
}
