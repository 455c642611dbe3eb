package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{Validation("bad"), http.StatusBadRequest},
		{Authentication("who"), http.StatusUnauthorized},
		{Authorization("no"), http.StatusForbidden},
		{NotFound("gone"), http.StatusNotFound},
		{Conflict("dup"), http.StatusConflict},
		{Delivery(errors.New("smtp down")), http.StatusBadGateway},
		{Storage(errors.New("disk full")), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.err); got != tc.want {
			t.Fatalf("HTTPStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestSentinelSurvivesWrapping(t *testing.T) {
	sentinel := NotFound("Conversation not found")
	err := fmt.Errorf("load: %w", sentinel.Wrap(errors.New("open x.json: no such file")))

	if !errors.Is(err, sentinel) {
		t.Fatalf("errors.Is should match the sentinel through Wrap and fmt wrapping")
	}
	if KindOf(err) != KindNotFound {
		t.Fatalf("KindOf = %v, want not_found", KindOf(err))
	}
	if PublicMessage(err) != "Conversation not found" {
		t.Fatalf("PublicMessage = %q", PublicMessage(err))
	}
}

func TestStorageHidesCause(t *testing.T) {
	err := Storage(errors.New("pq: password authentication failed"))
	if PublicMessage(err) != "internal server error" {
		t.Fatalf("storage errors must not expose their cause, got %q", PublicMessage(err))
	}
}
