package event

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"

	"grid/pkg/canonical"
	"grid/pkg/signing"
)

// Signer signs canonical bytes with the local server key
type Signer interface {
	KeyID() string
	Sign(msg []byte) ([]byte, error)
}

// ErrNoSignature is returned by Verify when the domain did not sign
var ErrNoSignature = errors.New("event carries no signature for domain")

// Top-level keys kept in the minimal representation
var minimalKeys = []string{
	"v", "type", "id", "origin", "sender", "channel", "scope",
	"prev_events", "depth", "timestamp", "content",
}

// Content keys that survive minimization, per type. Unknown types keep an
// empty content object.
var minimalContent = map[string][]string{
	TypeCreate:   {"creator"},
	TypeMember:   {"action"},
	TypePower:    {"def", "membership", "events", "users"},
	TypeJoinRule: {"rule"},
}

// Service hashes and signs outgoing events for one domain
type Service struct {
	domain string
	signer Signer
}

// NewService creates an event service signing as domain
func NewService(domain string, signer Signer) (*Service, error) {
	if domain == "" {
		return nil, errors.New("event service requires a domain")
	}
	if signer == nil {
		return nil, errors.New("event service requires a signer")
	}
	return &Service{domain: domain, signer: signer}, nil
}

// Domain returns the signing domain
func (s *Service) Domain() string {
	return s.domain
}

// Hash attaches the content hash of the full event under hashes.sha256
func (s *Service) Hash(raw json.RawMessage) (json.RawMessage, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	sum, err := contentHash(obj)
	if err != nil {
		return nil, err
	}
	hashes, err := json.Marshal(map[string]string{canonical.DigestName: sum})
	if err != nil {
		return nil, err
	}
	obj["hashes"] = hashes
	return json.Marshal(obj)
}

// Sign signs the minimal form of the event and merges the signature into
// signatures[domain][keyID]
func (s *Service) Sign(raw json.RawMessage) (json.RawMessage, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	msg, err := minimalBytes(obj)
	if err != nil {
		return nil, err
	}
	sig, err := s.signer.Sign(msg)
	if err != nil {
		return nil, fmt.Errorf("sign event: %w", err)
	}

	sigs := map[string]map[string]string{}
	if existing, ok := obj["signatures"]; ok && string(existing) != "null" {
		if err := json.Unmarshal(existing, &sigs); err != nil {
			return nil, fmt.Errorf("decode signatures: %w", err)
		}
	}
	if sigs[s.domain] == nil {
		sigs[s.domain] = map[string]string{}
	}
	sigs[s.domain][s.signer.KeyID()] = canonical.Encode(sig)

	encoded, err := json.Marshal(sigs)
	if err != nil {
		return nil, err
	}
	obj["signatures"] = encoded
	return json.Marshal(obj)
}

// Finalize hashes then signs
func (s *Service) Finalize(raw json.RawMessage) (json.RawMessage, error) {
	hashed, err := s.Hash(raw)
	if err != nil {
		return nil, err
	}
	return s.Sign(hashed)
}

// FinalizeEvent marshals and finalizes ev
func (s *Service) FinalizeEvent(ev Event) (json.RawMessage, error) {
	raw, err := ev.Marshal()
	if err != nil {
		return nil, err
	}
	return s.Finalize(raw)
}

// Minimal returns the canonical bytes that signatures cover
func Minimal(raw json.RawMessage) ([]byte, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	return minimalBytes(obj)
}

// ContentHash returns the unpadded base64 SHA-256 of the event without its
// hashes and signatures
func ContentHash(raw json.RawMessage) (string, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return "", err
	}
	return contentHash(obj)
}

// Verify checks that domain signed the event with pub. Any key id under the
// domain is accepted.
func Verify(raw json.RawMessage, domain string, pub ed25519.PublicKey) error {
	ev, err := Parse(raw)
	if err != nil {
		return err
	}
	byKey := ev.Signatures[domain]
	if len(byKey) == 0 {
		return fmt.Errorf("%w %s", ErrNoSignature, domain)
	}
	msg, err := Minimal(raw)
	if err != nil {
		return err
	}
	for keyID, encoded := range byKey {
		sig, err := canonical.Decode(encoded)
		if err != nil {
			return fmt.Errorf("decode signature %s: %w", keyID, err)
		}
		if signing.Verify(pub, msg, sig) {
			return nil
		}
	}
	return fmt.Errorf("signature from %s does not verify", domain)
}

// VerifyHash checks the declared content hash
func VerifyHash(raw json.RawMessage) error {
	ev, err := Parse(raw)
	if err != nil {
		return err
	}
	declared, ok := ev.Hashes[canonical.DigestName]
	if !ok {
		return fmt.Errorf("event %s has no %s hash", ev.ID, canonical.DigestName)
	}
	sum, err := ContentHash(raw)
	if err != nil {
		return err
	}
	if sum != declared {
		return fmt.Errorf("event %s content hash mismatch", ev.ID)
	}
	return nil
}

func decodeObject(raw json.RawMessage) (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("decode event object: %w", err)
	}
	if obj == nil {
		return nil, errors.New("event is not a JSON object")
	}
	return obj, nil
}

func contentHash(obj map[string]json.RawMessage) (string, error) {
	stripped := make(map[string]json.RawMessage, len(obj))
	for k, v := range obj {
		if k == "hashes" || k == "signatures" {
			continue
		}
		stripped[k] = v
	}
	sum, err := canonical.Sum(stripped)
	if err != nil {
		return "", fmt.Errorf("hash event: %w", err)
	}
	return canonical.Encode(sum), nil
}

func minimalBytes(obj map[string]json.RawMessage) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(minimalKeys))
	for _, k := range minimalKeys {
		if v, ok := obj[k]; ok {
			out[k] = v
		}
	}

	var evType string
	if t, ok := obj["type"]; ok {
		if err := json.Unmarshal(t, &evType); err != nil {
			return nil, fmt.Errorf("decode type: %w", err)
		}
	}
	content := map[string]json.RawMessage{}
	if c, ok := obj["content"]; ok && string(c) != "null" {
		var full map[string]json.RawMessage
		if err := json.Unmarshal(c, &full); err != nil {
			return nil, fmt.Errorf("decode content: %w", err)
		}
		for _, k := range minimalContent[evType] {
			if v, ok := full[k]; ok {
				content[k] = v
			}
		}
	}
	encoded, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	out["content"] = encoded

	return canonical.Marshal(out)
}
