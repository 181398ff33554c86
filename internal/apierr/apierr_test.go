package apierr

import "testing"

func TestNewAndError(t *testing.T) {
	e := New(ValidationError, "bad timeout")
	if e.Error() != "ValidationError: bad timeout" {
		t.Fatalf("unexpected error string: %s", e.Error())
	}
}

func TestCodeOf(t *testing.T) {
	e := Newf(QuotaExceeded, "tenant %s over limit", "acme")
	if CodeOf(e) != QuotaExceeded {
		t.Fatalf("expected QuotaExceeded, got %s", CodeOf(e))
	}
	if CodeOf(nil) != "" {
		t.Fatalf("expected empty code for nil error")
	}
}

func TestRetryable(t *testing.T) {
	cases := map[Code]bool{
		StoreUnavailable:  true,
		StreamUnavailable: true,
		ValidationError:   false,
		ChainBroken:       false,
	}
	for code, want := range cases {
		if got := Retryable(code); got != want {
			t.Errorf("Retryable(%s) = %v, want %v", code, got, want)
		}
	}
}

func TestFatal(t *testing.T) {
	if !Fatal(ChainBroken) || !Fatal(SeqDivergence) {
		t.Fatalf("expected integrity codes to be fatal")
	}
	if Fatal(RateLimited) {
		t.Fatalf("expected RateLimited to not be fatal")
	}
}

func TestWithDetails(t *testing.T) {
	base := New(RateLimited, "too fast")
	withDetails := base.WithDetails(map[string]any{"retry_after": 5})
	if base.Details != nil {
		t.Fatalf("WithDetails should not mutate the receiver")
	}
	if withDetails.Details["retry_after"] != 5 {
		t.Fatalf("expected retry_after detail to be set")
	}
}
