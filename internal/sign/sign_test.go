package sign_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"strings"
	"testing"

	"swarmline/internal/sign"
)

func newKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return priv
}

func TestEnvelopeRoundTrip(t *testing.T) {
	priv := newKey(t)
	identity := sign.Identity(priv)
	isFinal := true
	signature, err := sign.Sign(priv, sign.Claims{
		TaskID:         "task-1",
		Round:          7,
		Action:         "submit-pr",
		Identity:       identity,
		GithubUsername: "octocat",
		PRUrl:          "https://github.com/acme/demo/pull/3",
		IsFinal:        &isFinal,
		ItemID:         "item-9",
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	claims, err := sign.Verifier{}.Decode(signature, identity, "submit-pr")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if claims.TaskID != "task-1" || claims.Round != 7 || claims.ItemID != "item-9" {
		t.Fatalf("claims round-trip mismatch: %+v", claims)
	}
	if claims.IsFinal == nil || !*claims.IsFinal {
		t.Fatalf("isFinal lost in transit: %+v", claims.IsFinal)
	}
}

func TestDecodeRejectsWrongIdentity(t *testing.T) {
	priv := newKey(t)
	other := newKey(t)
	signature, err := sign.Sign(priv, sign.Claims{
		TaskID: "task-1", Action: "claim-todo", Identity: sign.Identity(priv),
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = sign.Verifier{}.Decode(signature, sign.Identity(other), "claim-todo")
	if !errors.Is(err, sign.ErrBadSignature) {
		t.Fatalf("got %v, want ErrBadSignature", err)
	}
}

func TestDecodeRejectsTamperedPayload(t *testing.T) {
	priv := newKey(t)
	identity := sign.Identity(priv)
	signature, err := sign.Sign(priv, sign.Claims{
		TaskID: "task-1", Action: "claim-todo", Identity: identity, Round: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	parts := strings.Split(signature, ".")
	if len(parts) != 3 {
		t.Fatalf("unexpected token shape: %d parts", len(parts))
	}
	// Swap the payload for another round while keeping the old signature.
	forged, err := sign.Sign(priv, sign.Claims{
		TaskID: "task-1", Action: "claim-todo", Identity: identity, Round: 99,
	})
	if err != nil {
		t.Fatal(err)
	}
	tampered := parts[0] + "." + strings.Split(forged, ".")[1] + "." + parts[2]
	if _, err := (sign.Verifier{}).Decode(tampered, identity, "claim-todo"); !errors.Is(err, sign.ErrBadSignature) {
		t.Fatalf("got %v, want ErrBadSignature", err)
	}
}

func TestDecodeChecksActionAndTaskList(t *testing.T) {
	priv := newKey(t)
	identity := sign.Identity(priv)
	signature, err := sign.Sign(priv, sign.Claims{
		TaskID: "task-1", Action: "claim-todo", Identity: identity,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := (sign.Verifier{}).Decode(signature, identity, "submit-pr"); !errors.Is(err, sign.ErrBadPayload) {
		t.Fatalf("action mismatch: got %v, want ErrBadPayload", err)
	}
	v := sign.Verifier{AllowedTaskIDs: []string{"task-2"}}
	if _, err := v.Decode(signature, identity, "claim-todo"); !errors.Is(err, sign.ErrBadPayload) {
		t.Fatalf("task allow-list: got %v, want ErrBadPayload", err)
	}
	v = sign.Verifier{AllowedTaskIDs: []string{"task-1", "task-2"}}
	if _, err := v.Decode(signature, identity, "claim-todo"); err != nil {
		t.Fatalf("allow-listed task rejected: %v", err)
	}
}

func TestDecodeRejectsIdentityMismatchInClaims(t *testing.T) {
	priv := newKey(t)
	identity := sign.Identity(priv)
	// Signed with the right key, but the claims name someone else.
	signature, err := sign.Sign(priv, sign.Claims{
		TaskID: "task-1", Action: "claim-todo", Identity: "someone-else",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := (sign.Verifier{}).Decode(signature, identity, "claim-todo"); !errors.Is(err, sign.ErrBadPayload) {
		t.Fatalf("got %v, want ErrBadPayload", err)
	}
}

func TestPublicKeyRejectsGarbage(t *testing.T) {
	if _, err := sign.PublicKey("not base64!!"); err == nil {
		t.Fatal("garbage identity accepted")
	}
	if _, err := sign.PublicKey("QUJD"); err == nil {
		t.Fatal("short key accepted")
	}
}
