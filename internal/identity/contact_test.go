package identity

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nhardt/footnote-sub000/internal/clock"
)

func mustKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	k, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func signedContact(t *testing.T, idKey ed25519.PrivateKey, devices ...ed25519.PrivateKey) *Contact {
	t.Helper()
	c := &Contact{Username: "ada", Nickname: "ada"}
	for i, d := range devices {
		c.Devices = append(c.Devices, Device{Name: "dev" + string(rune('a'+i)), EndpointID: PublicKeyString(d)})
	}
	if len(devices) > 0 {
		c.DeviceLeader = c.Devices[0].EndpointID
	}
	if err := Sign(c, idKey); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return c
}

func TestSignVerify_RoundTrip(t *testing.T) {
	c := signedContact(t, mustKey(t), mustKey(t))
	if err := c.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if c.FormatVersion != FormatVersion {
		t.Errorf("format_version = %d, want %d", c.FormatVersion, FormatVersion)
	}
}

func TestVerify_SurvivesJSON(t *testing.T) {
	c := signedContact(t, mustKey(t), mustKey(t), mustKey(t))
	data, err := json.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	var back Contact
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if err := back.Verify(); err != nil {
		t.Fatalf("Verify after JSON: %v", err)
	}
}

func TestVerify_NicknameIsUnsigned(t *testing.T) {
	c := signedContact(t, mustKey(t), mustKey(t))
	c.Nickname = "someone else"
	if err := c.Verify(); err != nil {
		t.Errorf("renaming nickname broke signature: %v", err)
	}
}

func TestVerify_TamperedFieldsFail(t *testing.T) {
	intruder := PublicKeyString(mustKey(t))
	cases := map[string]func(c *Contact){
		"username":      func(c *Contact) { c.Username = "mallory" },
		"device_leader": func(c *Contact) { c.DeviceLeader = intruder },
		"devices":       func(c *Contact) { c.Devices = append(c.Devices, Device{Name: "evil", EndpointID: intruder}) },
		"device name":   func(c *Contact) { c.Devices[0].Name = "renamed" },
		"updated_at":    func(c *Contact) { c.UpdatedAt++ },
		"successor":     func(c *Contact) { c.SuccessorPublicKey = intruder },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := signedContact(t, mustKey(t), mustKey(t))
			mutate(c)
			if err := c.Verify(); !errors.Is(err, ErrVerification) {
				t.Errorf("Verify = %v, want ErrVerification", err)
			}
		})
	}
}

func TestVerify_SignatureProblems(t *testing.T) {
	cases := map[string]string{
		"missing":   "",
		"not hex":   "zz",
		"truncated": "abcd",
	}
	for name, sig := range cases {
		t.Run(name, func(t *testing.T) {
			c := signedContact(t, mustKey(t), mustKey(t))
			c.Signature = sig
			if err := c.Verify(); !errors.Is(err, ErrVerification) {
				t.Errorf("Verify = %v, want ErrVerification", err)
			}
		})
	}
}

func TestSign_RejectsForeignKey(t *testing.T) {
	c := signedContact(t, mustKey(t), mustKey(t))
	if err := Sign(c, mustKey(t)); !errors.Is(err, ErrKeyMismatch) {
		t.Errorf("Sign = %v, want ErrKeyMismatch", err)
	}
}

func TestSuccessor_NewerIsValid(t *testing.T) {
	defer clock.SetWallClock(func() time.Time { return time.Unix(1000, 0) })()

	idKey := mustKey(t)
	a := signedContact(t, idKey, mustKey(t))
	b := a.Clone()
	b.Username = "ada lovelace"
	if err := Sign(b, idKey); err != nil {
		t.Fatal(err)
	}

	if !b.IsValidSuccessorOf(a) {
		t.Errorf("newer record rejected: %v", b.CheckSuccessor(a))
	}
	if a.IsValidSuccessorOf(b) {
		t.Error("older record accepted as successor")
	}
}

func TestSuccessor_IdempotentReplay(t *testing.T) {
	a := signedContact(t, mustKey(t), mustKey(t))
	replay := a.Clone()
	if err := replay.CheckSuccessor(a); err != nil {
		t.Errorf("identical replay rejected: %v", err)
	}
}

func TestSuccessor_EqualTimeDifferentSignature(t *testing.T) {
	defer clock.SetWallClock(func() time.Time { return time.Unix(1000, 0) })()

	idKey := mustKey(t)
	a := signedContact(t, idKey, mustKey(t))

	b := a.Clone()
	b.Username = "other"
	b.UpdatedAt = a.UpdatedAt - 1
	if err := Sign(b, idKey); err != nil {
		t.Fatal(err)
	}
	if b.UpdatedAt != a.UpdatedAt {
		t.Fatalf("setup: updated_at %d != %d", b.UpdatedAt, a.UpdatedAt)
	}
	if err := b.CheckSuccessor(a); !errors.Is(err, ErrNotSuccessor) {
		t.Errorf("CheckSuccessor = %v, want ErrNotSuccessor", err)
	}
}

func TestSuccessor_DifferentKeyRejected(t *testing.T) {
	a := signedContact(t, mustKey(t), mustKey(t))
	b := a.Clone()
	b.IDPublicKey = ""
	b.Signature = ""
	if err := Sign(b, mustKey(t)); err != nil {
		t.Fatal(err)
	}
	if err := b.CheckSuccessor(a); !errors.Is(err, ErrNotSuccessor) {
		t.Errorf("CheckSuccessor = %v, want ErrNotSuccessor", err)
	}
}

func TestSuccessor_TamperedRejected(t *testing.T) {
	idKey := mustKey(t)
	a := signedContact(t, idKey, mustKey(t))
	b := a.Clone()
	if err := Sign(b, idKey); err != nil {
		t.Fatal(err)
	}
	b.Username = "mallory"
	if err := b.CheckSuccessor(a); !errors.Is(err, ErrVerification) {
		t.Errorf("CheckSuccessor = %v, want ErrVerification", err)
	}
}

func TestTransferTakeover(t *testing.T) {
	oldID := mustKey(t)
	newID := mustKey(t)
	devA, devB := mustKey(t), mustKey(t)
	a := signedContact(t, oldID, devA, devB)
	newLeader := PublicKeyString(devB)

	transfer, err := Transfer(a, newLeader, newID.Public().(ed25519.PublicKey), oldID)
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if err := transfer.CheckSuccessor(a); err != nil {
		t.Fatalf("transfer rejected: %v", err)
	}
	if transfer.DeviceLeader != newLeader {
		t.Errorf("device_leader = %q, want %q", transfer.DeviceLeader, newLeader)
	}

	takeover, err := Takeover(transfer, newID)
	if err != nil {
		t.Fatalf("Takeover: %v", err)
	}
	if err := takeover.CheckSuccessor(transfer); err != nil {
		t.Fatalf("takeover rejected: %v", err)
	}
	if takeover.IDPublicKey != PublicKeyString(newID) {
		t.Errorf("id_public_key not rotated")
	}
}

func TestTakeover_WithoutTransferRejected(t *testing.T) {
	oldID := mustKey(t)
	a := signedContact(t, oldID, mustKey(t))

	if _, err := Takeover(a, mustKey(t)); !errors.Is(err, ErrNotSuccessor) {
		t.Errorf("Takeover = %v, want ErrNotSuccessor", err)
	}

	// A hand-built takeover claiming succession with a fresh key.
	forged := a.Clone()
	forged.IDPublicKey = ""
	forged.Signature = ""
	if err := Sign(forged, mustKey(t)); err != nil {
		t.Fatal(err)
	}
	if forged.IsValidSuccessorOf(a) {
		t.Error("takeover without transfer record accepted")
	}
}

func TestTakeover_WrongKeyRejected(t *testing.T) {
	oldID := mustKey(t)
	devA := mustKey(t)
	a := signedContact(t, oldID, devA)
	transfer, err := Transfer(a, PublicKeyString(devA), mustKey(t).Public().(ed25519.PublicKey), oldID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Takeover(transfer, mustKey(t)); !errors.Is(err, ErrKeyMismatch) {
		t.Errorf("Takeover = %v, want ErrKeyMismatch", err)
	}
}

func TestTakeover_CannotMoveLeader(t *testing.T) {
	oldID, newID := mustKey(t), mustKey(t)
	devA, devB := mustKey(t), mustKey(t)
	a := signedContact(t, oldID, devA, devB)
	transfer, err := Transfer(a, PublicKeyString(devB), newID.Public().(ed25519.PublicKey), oldID)
	if err != nil {
		t.Fatal(err)
	}
	takeover, err := Takeover(transfer, newID)
	if err != nil {
		t.Fatal(err)
	}
	takeover.DeviceLeader = PublicKeyString(devA)
	takeover.Signature = ""
	if err := Sign(takeover, newID); err != nil {
		t.Fatal(err)
	}
	if err := takeover.CheckSuccessor(transfer); !errors.Is(err, ErrNotSuccessor) {
		t.Errorf("CheckSuccessor = %v, want ErrNotSuccessor", err)
	}
}

func TestDeviceAuthorization(t *testing.T) {
	idKey := mustKey(t)
	ep := PublicKeyString(mustKey(t))
	a, err := AuthorizeDevice("laptop", ep, idKey)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Verify(PublicKeyString(idKey)); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := a.Verify(PublicKeyString(mustKey(t))); !errors.Is(err, ErrVerification) {
		t.Errorf("foreign identity accepted: %v", err)
	}
	a.DeviceName = "phone"
	if err := a.Verify(PublicKeyString(idKey)); !errors.Is(err, ErrVerification) {
		t.Errorf("tampered authorization accepted: %v", err)
	}
}

func TestValidate(t *testing.T) {
	c := signedContact(t, mustKey(t), mustKey(t))
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	c.Devices[0].EndpointID = "short"
	if err := c.Validate(); err == nil {
		t.Error("short endpoint id accepted")
	}
}

func TestValidateName(t *testing.T) {
	good := []string{"alice", "Work Laptop", "bob-2"}
	bad := []string{"", ".hidden", "a/b", `a\b`, ".."}
	for _, n := range good {
		if err := ValidateName(n); err != nil {
			t.Errorf("ValidateName(%q) = %v", n, err)
		}
	}
	for _, n := range bad {
		if err := ValidateName(n); err == nil {
			t.Errorf("ValidateName(%q) accepted", n)
		}
	}
}

func TestKeyEncoding(t *testing.T) {
	k := mustKey(t)
	back, err := DecodePrivateKey(EncodePrivateKey(k))
	if err != nil {
		t.Fatal(err)
	}
	if !back.Equal(k) {
		t.Error("private key round trip mismatch")
	}
	if _, err := DecodePublicKey("abcd"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("DecodePublicKey(short) = %v", err)
	}
}
