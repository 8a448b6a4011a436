package protocol

import (
	"testing"

	"go.mau.fi/whatsmeow/types"
)

func TestRecoverable(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{CodeNone, true},
		{CodeStreamReset, true},
		{CodeLoggedOut, false},
		{CodeAccessDenied, false},
		{CodePairingExpiry, false},
	}
	for _, tc := range cases {
		if got := Recoverable(tc.code); got != tc.want {
			t.Errorf("Recoverable(%d) = %t, want %t", tc.code, got, tc.want)
		}
	}
}

func TestParseTarget(t *testing.T) {
	jid, err := parseTarget("5491199999999")
	if err != nil {
		t.Fatalf("bare number: %v", err)
	}
	if jid.User != "5491199999999" || jid.Server != types.DefaultUserServer {
		t.Errorf("bare number parsed as %v", jid)
	}

	jid, err = parseTarget("+5491199999999")
	if err != nil {
		t.Fatalf("plus prefix: %v", err)
	}
	if jid.User != "5491199999999" {
		t.Errorf("plus prefix parsed as %v", jid)
	}

	jid, err = parseTarget("5491199999999@s.whatsapp.net")
	if err != nil {
		t.Fatalf("full jid: %v", err)
	}
	if jid.User != "5491199999999" {
		t.Errorf("full jid parsed as %v", jid)
	}

	if _, err := parseTarget(""); err == nil {
		t.Error("empty target must be rejected")
	}
	if _, err := parseTarget("+"); err == nil {
		t.Error("bare plus must be rejected")
	}
}
