// Package sign verifies the signed request envelopes workers attach to every
// state-changing call. The envelope is a compact JWT signed with the worker's
// Ed25519 staking key; the claimed identity is the base64-encoded public key,
// so verification needs no key registry.
package sign

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrBadSignature = errors.New("signature verification failed")
	ErrBadPayload   = errors.New("signature payload invalid")
)

// Claims is the signed payload. Field names follow the worker wire format.
type Claims struct {
	TaskID         string `json:"taskId"`
	Round          int    `json:"roundNumber"`
	Action         string `json:"action"`
	Identity       string `json:"stakingKey"`
	GithubUsername string `json:"githubUsername,omitempty"`
	PRUrl          string `json:"prUrl,omitempty"`
	IsFinal        *bool  `json:"isFinal,omitempty"`
	ItemID         string `json:"uuid,omitempty"`
	BountyID       string `json:"bountyId,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Feedback       string `json:"feedback,omitempty"`
	Source         string `json:"source,omitempty"`
	ForkOwner      string `json:"forkOwner,omitempty"`
	ForkURL        string `json:"forkUrl,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks envelopes against a task-id allow-list. An empty allow-list
// admits any task id.
type Verifier struct {
	AllowedTaskIDs []string
}

// Verify decodes and verifies a signed envelope against the claimed identity,
// returning the payload. It does not check action or task id; Decode does.
func (v Verifier) Verify(signature, identity string) (*Claims, error) {
	pub, err := PublicKey(identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}))
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(signature, claims, func(t *jwt.Token) (any, error) {
		return pub, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !parsed.Valid {
		return nil, ErrBadSignature
	}
	return claims, nil
}

// Decode verifies the envelope and applies the structural checks shared by
// every endpoint: identity match, expected action tag, task-id allow-list,
// non-negative round.
func (v Verifier) Decode(signature, identity, action string) (*Claims, error) {
	claims, err := v.Verify(signature, identity)
	if err != nil {
		return nil, err
	}
	if claims.Identity == "" || claims.Identity != identity {
		return nil, fmt.Errorf("%w: staking key mismatch", ErrBadPayload)
	}
	if claims.Action != action {
		return nil, fmt.Errorf("%w: unexpected action %q", ErrBadPayload, claims.Action)
	}
	if claims.TaskID == "" {
		return nil, fmt.Errorf("%w: task id required", ErrBadPayload)
	}
	if len(v.AllowedTaskIDs) > 0 && !contains(v.AllowedTaskIDs, claims.TaskID) {
		return nil, fmt.Errorf("%w: task id %q not allowed", ErrBadPayload, claims.TaskID)
	}
	if claims.Round < 0 {
		return nil, fmt.Errorf("%w: negative round", ErrBadPayload)
	}
	return claims, nil
}

// Sign produces an envelope for the given private key. The identity written
// into the claims must match Identity(priv) or verification will reject it.
func Sign(priv ed25519.PrivateKey, claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, &claims)
	return token.SignedString(priv)
}

// Identity derives the wire identity for a private key.
func Identity(priv ed25519.PrivateKey) string {
	return base64.StdEncoding.EncodeToString(priv.Public().(ed25519.PublicKey))
}

// PublicKey decodes a wire identity into an Ed25519 public key.
func PublicKey(identity string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(identity)
	if err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("identity is not an ed25519 public key (%d bytes)", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
