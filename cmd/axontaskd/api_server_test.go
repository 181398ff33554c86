package main

import (
	"net/http"
	"testing"

	"axontask/internal/adapter"
	"axontask/internal/apierr"
	"axontask/internal/quota"
	"axontask/internal/store"
)

func TestMapErrorPassesThroughAPIErr(t *testing.T) {
	e := apierr.New(apierr.RateLimited, "slow down")
	if mapError(e) != e {
		t.Fatalf("expected *apierr.E to pass through unchanged")
	}
}

func TestMapErrorTranslatesQuotaLimitExceeded(t *testing.T) {
	err := &quota.ErrLimitExceeded{Type: quota.TypeConcurrentTasks, Limit: 5, Current: 6}
	got := mapError(err)
	if got.Code != apierr.QuotaExceeded {
		t.Fatalf("expected QuotaExceeded, got %s", got.Code)
	}
}

func TestMapErrorTranslatesStoreSentinels(t *testing.T) {
	cases := []struct {
		err  error
		want apierr.Code
	}{
		{store.ErrNotFound, apierr.NotFound},
		{store.ErrIllegalTransition, apierr.IllegalTransition},
		{adapter.ErrUnknownAdapter, apierr.UnknownAdapter},
	}
	for _, c := range cases {
		if got := mapError(c.err); got.Code != c.want {
			t.Errorf("mapError(%v) = %s, want %s", c.err, got.Code, c.want)
		}
	}
}

func TestMapErrorDefaultsUnknownErrorsToStoreUnavailable(t *testing.T) {
	got := mapError(errPlain("boom"))
	if got.Code != apierr.StoreUnavailable {
		t.Fatalf("expected StoreUnavailable fallback, got %s", got.Code)
	}
}

func TestHTTPStatusForCode(t *testing.T) {
	cases := map[apierr.Code]int{
		apierr.ValidationError:   http.StatusBadRequest,
		apierr.NotFound:          http.StatusNotFound,
		apierr.Unauthorized:      http.StatusUnauthorized,
		apierr.QuotaExceeded:     http.StatusTooManyRequests,
		apierr.NotTerminal:       http.StatusConflict,
		apierr.TimedOut:          http.StatusGatewayTimeout,
		apierr.StoreUnavailable:  http.StatusServiceUnavailable,
		apierr.ChainBroken:       http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := httpStatusForCode(code); got != want {
			t.Errorf("httpStatusForCode(%s) = %d, want %d", code, got, want)
		}
	}
}

type errPlain string

func (e errPlain) Error() string { return string(e) }
