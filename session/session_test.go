package session

import (
	"bytes"
	"testing"

	"github.com/cybroslabs/libdlms-go/cosem"
)

func TestNegotiateDefaultAccepted(t *testing.T) {
	e := NewEngine(DefaultAssociationParameters(), nil)
	res := e.Negotiate(true, 6, 0x0400, cosem.DefaultConformance, nil)
	if !res.Accepted {
		t.Fatalf("expected acceptance, got diagnostic %d", res.Diagnostic)
	}
	if res.NegotiatedConformance != cosem.DefaultConformance {
		t.Fatalf("negotiated conformance = %x, want %x", res.NegotiatedConformance, cosem.DefaultConformance)
	}
}

func TestNegotiateRejectsResponseNotAllowed(t *testing.T) {
	e := NewEngine(DefaultAssociationParameters(), nil)
	res := e.Negotiate(false, 6, 0x0400, cosem.DefaultConformance, nil)
	if res.Accepted || res.Diagnostic != DiagnosticResponseNotAllowed {
		t.Fatalf("got %+v", res)
	}
}

func TestNegotiateRejectsVersionMismatch(t *testing.T) {
	e := NewEngine(DefaultAssociationParameters(), nil)
	res := e.Negotiate(true, 5, 0x0400, cosem.DefaultConformance, nil)
	if res.Accepted || res.Diagnostic != DiagnosticDlmsVersionMismatch {
		t.Fatalf("got %+v", res)
	}
}

func TestNegotiateRejectsZeroClientPdu(t *testing.T) {
	e := NewEngine(DefaultAssociationParameters(), nil)
	res := e.Negotiate(true, 6, 0, cosem.DefaultConformance, nil)
	if res.Accepted || res.Diagnostic != DiagnosticInvalidClientPduSize {
		t.Fatalf("got %+v", res)
	}
}

func TestNegotiateRejectsEmptyIntersection(t *testing.T) {
	e := NewEngine(DefaultAssociationParameters(), nil)
	res := e.Negotiate(true, 6, 0x0400, cosem.ConformanceAction, nil)
	if res.Accepted || res.Diagnostic != DiagnosticNoCommonConformance {
		t.Fatalf("got %+v", res)
	}
}

func TestVerifyNegotiationMirror(t *testing.T) {
	proposed := DefaultAssociationParameters()
	negotiated := DefaultAssociationParameters()
	if err := VerifyNegotiation(proposed, nil, negotiated, nil); err != nil {
		t.Fatalf("unexpected rejection: %v", err)
	}
	badConformance := negotiated
	badConformance.Conformance = 0
	if err := VerifyNegotiation(proposed, nil, badConformance, nil); err == nil {
		t.Fatal("expected rejection on empty negotiated conformance")
	}
	widened := negotiated
	widened.Conformance = cosem.DefaultConformance | cosem.ConformanceAction
	if err := VerifyNegotiation(proposed, nil, widened, nil); err == nil {
		t.Fatal("expected rejection when negotiated conformance exceeds the proposal")
	}
}

func TestChallengeIssueVerifyAndMismatchRetry(t *testing.T) {
	e := NewEngine(DefaultAssociationParameters(), []byte("password"))
	const sap = 0x0010

	challenge, err := e.IssueChallenge(sap)
	if err != nil {
		t.Fatalf("IssueChallenge: %v", err)
	}
	if len(challenge) != 16 {
		t.Fatalf("challenge length = %d, want 16", len(challenge))
	}
	if _, ok := e.Context(sap); ok {
		t.Fatal("ChallengeIssued must not yet have a context")
	}

	// Mismatched MAC: challenge retained, retry permitted.
	if err := e.VerifyChallenge(sap, []byte("garbage")); err != ErrChallengeMismatch {
		t.Fatalf("got %v, want ErrChallengeMismatch", err)
	}

	mac := LlsAuthenticate([]byte("password"), challenge)
	if err := e.VerifyChallenge(sap, mac); err != nil {
		t.Fatalf("VerifyChallenge with correct mac: %v", err)
	}

	// Challenge cleared: a second verify attempt now sees no stored challenge.
	if err := e.VerifyChallenge(sap, mac); err != ErrNoStoredChallenge {
		t.Fatalf("got %v, want ErrNoStoredChallenge", err)
	}
}

func TestVerifyChallengeWithoutIssueFails(t *testing.T) {
	e := NewEngine(DefaultAssociationParameters(), []byte("password"))
	if err := e.VerifyChallenge(0x0010, []byte{1, 2, 3}); err != ErrNoStoredChallenge {
		t.Fatalf("got %v", err)
	}
}

func TestEstablishAndReleaseLifecycle(t *testing.T) {
	e := NewEngine(DefaultAssociationParameters(), nil)
	const sap = 0x0020

	e.Establish(sap, 0x0400, cosem.DefaultConformance)
	ctx, ok := e.Context(sap)
	if !ok || ctx.ClientMaxReceivePduSize != 0x0400 {
		t.Fatalf("expected active context, got %+v ok=%v", ctx, ok)
	}

	e.Release(sap)
	if _, ok := e.Context(sap); ok {
		t.Fatal("expected no context after release")
	}
}

func TestPurgeContextOnRejection(t *testing.T) {
	e := NewEngine(DefaultAssociationParameters(), nil)
	const sap = 0x0030
	e.Establish(sap, 0x0400, cosem.DefaultConformance)
	e.PurgeContext(sap)
	if _, ok := e.Context(sap); ok {
		t.Fatal("expected context purged")
	}
}

func TestLlsAuthenticateDeterministic(t *testing.T) {
	a := LlsAuthenticate([]byte("password"), []byte("0123456789ABCDEF"))
	b := LlsAuthenticate([]byte("password"), []byte("0123456789ABCDEF"))
	if !bytes.Equal(a, b) {
		t.Fatal("LlsAuthenticate should be deterministic for identical inputs")
	}
	if len(a) != 32 {
		t.Fatalf("hmac-sha256 output length = %d, want 32", len(a))
	}
}
