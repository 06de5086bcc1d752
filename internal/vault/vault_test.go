package vault

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/nhardt/footnote-sub000/internal/apperr"
	"github.com/nhardt/footnote-sub000/internal/identity"
	"github.com/nhardt/footnote-sub000/internal/note"
	"github.com/nhardt/footnote-sub000/internal/tombstone"
)

func openVault(t *testing.T) *Vault {
	t.Helper()
	v, err := Open(filepath.Join(t.TempDir(), "vault"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return v
}

func primaryVault(t *testing.T, username, device string) *Vault {
	t.Helper()
	v := openVault(t)
	if err := v.TransitionToPrimary(username, device); err != nil {
		t.Fatalf("TransitionToPrimary: %v", err)
	}
	return v
}

func mustState(t *testing.T, v *Vault, want State) {
	t.Helper()
	got, err := v.StateRead()
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("state = %s, want %s", got, want)
	}
}

func TestStateMachine(t *testing.T) {
	v := openVault(t)
	mustState(t, v, StateUninitialized)

	if err := v.CreateStandalone(); err != nil {
		t.Fatal(err)
	}
	mustState(t, v, StateStandAlone)

	if err := v.TransitionToPrimary("ada", "laptop"); err != nil {
		t.Fatalf("TransitionToPrimary: %v", err)
	}
	mustState(t, v, StatePrimary)

	if err := v.TransitionToPrimary("ada", "laptop"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second TransitionToPrimary = %v, want ErrInvalidState", err)
	}

	if err := v.TransitionToStandalone(); err != nil {
		t.Fatal(err)
	}
	mustState(t, v, StateStandAlone)
	for _, f := range []string{IDKeyFile, UserFile, DeviceKeyFile} {
		if v.fs.Exists(f) {
			t.Errorf("%s survived reset", f)
		}
	}
}

func TestSecondaryCannotBecomePrimary(t *testing.T) {
	primary := primaryVault(t, "ada", "laptop")
	user, _ := primary.UserRead()

	secondary := openVault(t)
	if err := secondary.fs.MkdirAll(ControlDir); err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(user)
	if err := secondary.fs.Write(UserFile, data); err != nil {
		t.Fatal(err)
	}
	mustState(t, secondary, StateSecondaryJoined)

	if err := secondary.TransitionToPrimary("ada", "phone"); !errors.Is(err, ErrUnjoinUnsupported) {
		t.Errorf("TransitionToPrimary = %v, want ErrUnjoinUnsupported", err)
	}
}

func TestPrimaryUserRecord(t *testing.T) {
	v := primaryVault(t, "ada", "laptop")
	user, err := v.UserRead()
	if err != nil || user == nil {
		t.Fatalf("UserRead: %v, %v", user, err)
	}
	if err := user.Verify(); err != nil {
		t.Errorf("user record does not verify: %v", err)
	}
	endpoint, name, err := v.DeviceEndpoint()
	if err != nil {
		t.Fatal(err)
	}
	if name != "laptop" || user.DeviceLeader != endpoint {
		t.Errorf("leader = %s, device = %s/%s", user.DeviceLeader, name, endpoint)
	}
	idKey, err := v.IDKey()
	if err != nil {
		t.Fatal(err)
	}
	if identity.PublicKeyString(idKey) != user.IDPublicKey {
		t.Error("id key does not match user record")
	}
	if leader, _ := v.IsDeviceLeader(endpoint); !leader {
		t.Error("primary is not device leader")
	}
}

func TestDeviceRead_StandaloneSynthesizes(t *testing.T) {
	v := openVault(t)
	if err := v.CreateStandalone(); err != nil {
		t.Fatal(err)
	}
	key, _ := identity.GenerateKey()
	if err := v.writeDeviceKey(key, "tablet"); err != nil {
		t.Fatal(err)
	}
	devices, err := v.DeviceRead()
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 1 || devices[0].Name != "tablet" || devices[0].EndpointID != identity.PublicKeyString(key) {
		t.Errorf("devices = %+v", devices)
	}
}

func TestDeviceAuthorizeAndDelete(t *testing.T) {
	v := primaryVault(t, "ada", "laptop")
	key, _ := identity.GenerateKey()
	ep := identity.PublicKeyString(key)

	auth, user, err := v.DeviceAuthorize("phone", ep)
	if err != nil {
		t.Fatalf("DeviceAuthorize: %v", err)
	}
	if err := auth.Verify(user.IDPublicKey); err != nil {
		t.Errorf("authorization does not verify: %v", err)
	}
	if len(user.Devices) != 2 {
		t.Errorf("devices = %d, want 2", len(user.Devices))
	}
	if name, _ := v.OwnedDeviceEndpointToName(ep); name != "phone" {
		t.Errorf("name = %q", name)
	}
	if got, _ := v.OwnedDeviceNameToEndpoint("phone"); got != ep {
		t.Errorf("endpoint = %q", got)
	}

	other, _ := identity.GenerateKey()
	if _, _, err := v.DeviceAuthorize("phone", identity.PublicKeyString(other)); !errors.Is(err, apperr.ErrAlreadyExists) {
		t.Errorf("duplicate name = %v, want ErrAlreadyExists", err)
	}

	if err := v.DeviceDelete(ep); err != nil {
		t.Fatalf("DeviceDelete: %v", err)
	}
	if v.IsOwnDevice(ep) {
		t.Error("deleted device still owned")
	}
	leader, _, _ := v.DeviceEndpoint()
	if err := v.DeviceDelete(leader); !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("deleting leader = %v, want ErrForbidden", err)
	}
}

func TestDeviceKeyUpdate(t *testing.T) {
	v := primaryVault(t, "ada", "laptop")
	if err := v.DeviceKeyUpdate("desktop"); err != nil {
		t.Fatal(err)
	}
	_, name, _ := v.DeviceKey()
	if name != "desktop" {
		t.Errorf("name = %q", name)
	}
	user, _ := v.UserRead()
	if user.Devices[0].Name != "desktop" {
		t.Errorf("user device name = %q", user.Devices[0].Name)
	}
	if err := user.Verify(); err != nil {
		t.Error(err)
	}
}

func TestUserUpdateAndAccept(t *testing.T) {
	v := primaryVault(t, "ada", "laptop")
	before, _ := v.UserRead()
	after, err := v.UserUpdate("ada lovelace")
	if err != nil {
		t.Fatal(err)
	}
	if !after.UpdatedAt.After(before.UpdatedAt) {
		t.Error("updated_at did not advance")
	}

	changed, err := v.UserAccept(before)
	if !errors.Is(err, identity.ErrNotSuccessor) || changed {
		t.Errorf("stale accept = %v, %v", changed, err)
	}
	changed, err = v.UserAccept(after)
	if err != nil || changed {
		t.Errorf("replay accept = %v, %v", changed, err)
	}
}

func exportedContact(t *testing.T, username string) (*Vault, []byte) {
	t.Helper()
	v := primaryVault(t, username, "laptop")
	var buf bytes.Buffer
	if err := v.ContactExport(&buf); err != nil {
		t.Fatal(err)
	}
	return v, buf.Bytes()
}

func TestContactImportAndLookup(t *testing.T) {
	me := primaryVault(t, "ada", "laptop")
	bobVault, bobJSON := exportedContact(t, "bob")

	c, err := me.ContactImport("bob", bobJSON)
	if err != nil {
		t.Fatalf("ContactImport: %v", err)
	}
	if c.Nickname != "bob" {
		t.Errorf("nickname = %q", c.Nickname)
	}

	bobEP, _, _ := bobVault.DeviceEndpoint()
	found, err := me.FindContactByEndpoint(bobEP)
	if err != nil || found.Nickname != "bob" {
		t.Errorf("FindContactByEndpoint = %v, %v", found, err)
	}
	if ep, _ := me.FindPrimaryDeviceByNickname("bob"); ep != bobEP {
		t.Errorf("primary device = %q, want %q", ep, bobEP)
	}

	if _, err := me.ContactImport("robert", bobJSON); !errors.Is(err, apperr.ErrAlreadyExists) {
		t.Errorf("second nickname = %v, want ErrAlreadyExists", err)
	}

	tampered := bytes.Replace(bobJSON, []byte(`"bob"`), []byte(`"eve"`), 1)
	if _, err := me.ContactImport("eve", tampered); !errors.Is(err, identity.ErrVerification) {
		t.Errorf("tampered import = %v, want ErrVerification", err)
	}

	var mine bytes.Buffer
	_ = me.ContactExport(&mine)
	if _, err := me.ContactImport("self", mine.Bytes()); err == nil {
		t.Error("imported own identity")
	}
}

func TestContactUpdate(t *testing.T) {
	me := primaryVault(t, "ada", "laptop")
	bobVault, bobJSON := exportedContact(t, "bob")
	if _, err := me.ContactImport("bob", bobJSON); err != nil {
		t.Fatal(err)
	}
	old, _ := me.ContactGet("bob")

	newer, err := bobVault.UserUpdate("bobby")
	if err != nil {
		t.Fatal(err)
	}
	changed, err := me.ContactUpdate("bob", newer)
	if err != nil || !changed {
		t.Fatalf("ContactUpdate = %v, %v", changed, err)
	}
	stored, _ := me.ContactGet("bob")
	if stored.Username != "bobby" || stored.Nickname != "bob" {
		t.Errorf("stored = %+v", stored)
	}

	if _, err := me.ContactUpdate("bob", old); !errors.Is(err, identity.ErrNotSuccessor) {
		t.Errorf("stale update = %v, want ErrNotSuccessor", err)
	}
}

func TestContactsReplace(t *testing.T) {
	me := primaryVault(t, "ada", "laptop")
	_, bobJSON := exportedContact(t, "bob")
	_, carolJSON := exportedContact(t, "carol")
	if _, err := me.ContactImport("bob", bobJSON); err != nil {
		t.Fatal(err)
	}
	var carol identity.Contact
	_ = json.Unmarshal(carolJSON, &carol)
	carol.Nickname = "carol"

	if err := me.ContactsReplace([]*identity.Contact{&carol}); err != nil {
		t.Fatalf("ContactsReplace: %v", err)
	}
	list, _ := me.ContactRead()
	if len(list) != 1 || list[0].Nickname != "carol" {
		t.Errorf("contacts = %v", list)
	}

	bad := carol.Clone()
	bad.Username = "mallory"
	if err := me.ContactsReplace([]*identity.Contact{bad}); err == nil {
		t.Error("unverified contact accepted")
	}
	if list, _ := me.ContactRead(); len(list) != 1 || list[0].Username == "mallory" {
		t.Errorf("failed replace changed contacts: %v", list)
	}
}

func TestNoteCreateShareRead(t *testing.T) {
	me := primaryVault(t, "ada", "laptop")
	bobVault, bobJSON := exportedContact(t, "bob")
	if _, err := me.ContactImport("bob", bobJSON); err != nil {
		t.Fatal(err)
	}

	if _, err := me.NoteCreate("ideas.md", "hello\n"); err != nil {
		t.Fatal(err)
	}
	if _, err := me.NoteCreate("ideas.md", "again"); !errors.Is(err, apperr.ErrAlreadyExists) {
		t.Errorf("duplicate create = %v", err)
	}
	if _, err := me.NoteCreate(".footnote/x.md", ""); err == nil {
		t.Error("note created inside control dir")
	}

	bobEP, _, _ := bobVault.DeviceEndpoint()
	ok, err := me.CanDeviceReadNote(bobEP, "ideas.md")
	if err != nil || ok {
		t.Errorf("unshared readable = %v, %v", ok, err)
	}
	if err := me.NoteShare("ideas.md", "bob"); err != nil {
		t.Fatal(err)
	}
	ok, err = me.CanDeviceReadNote(bobEP, "ideas.md")
	if err != nil || !ok {
		t.Errorf("shared readable = %v, %v", ok, err)
	}

	myEP, _, _ := me.DeviceEndpoint()
	if ok, _ := me.CanDeviceReadNote(myEP, "ideas.md"); !ok {
		t.Error("own device cannot read")
	}
	stranger, _ := identity.GenerateKey()
	if ok, _ := me.CanDeviceReadNote(identity.PublicKeyString(stranger), "ideas.md"); ok {
		t.Error("stranger can read")
	}
}

func TestNoteDeleteWritesTombstone(t *testing.T) {
	v := primaryVault(t, "ada", "laptop")
	n, err := v.NoteCreate("gone.md", "bye")
	if err != nil {
		t.Fatal(err)
	}
	if err := v.NoteDelete("gone.md"); err != nil {
		t.Fatal(err)
	}
	if v.fs.Exists("gone.md") {
		t.Error("file still exists")
	}
	var ledger *tombstone.Ledger
	_ = v.WithTombstones(func(l *tombstone.Ledger) error { ledger = l; return nil })
	if !ledger.Suppresses(n.Frontmatter.UUID, n.Frontmatter.Modified) {
		t.Error("tombstone does not cover deleted copy")
	}
}

func TestReplyCreate(t *testing.T) {
	v := primaryVault(t, "ada", "laptop")
	id := uuid.New()
	rel, err := v.ReplyCreate(id, "thanks")
	if err != nil {
		t.Fatal(err)
	}
	if rel != "_replies/response-to-"+id.String()+".md" {
		t.Errorf("rel = %q", rel)
	}
}

func TestDoctor(t *testing.T) {
	v := primaryVault(t, "ada", "laptop")
	n, _ := v.NoteCreate("a.md", "first")
	data, _ := v.fs.Read("a.md")
	_ = v.fs.Write("copy.md", data)
	_ = v.fs.Write("plain.md", []byte("no frontmatter here"))
	_ = v.fs.Write("nil.md", []byte("---\nuuid: 00000000-0000-0000-0000-000000000000\nmodified: 1\n---\nx"))

	issues, err := v.Doctor(false)
	if err != nil {
		t.Fatal(err)
	}
	if len(issues) != 3 {
		t.Fatalf("issues = %v, want 3", issues)
	}

	if _, err := v.Doctor(true); err != nil {
		t.Fatal(err)
	}
	issues, _ = v.Doctor(false)
	if len(issues) != 0 {
		t.Errorf("issues after fix = %v", issues)
	}

	fixed, err := note.ReadFile(v.fs, "copy.md", false)
	if err != nil {
		t.Fatal(err)
	}
	if fixed.Frontmatter.UUID == n.Frontmatter.UUID {
		t.Error("duplicate uuid not replaced")
	}
	plain, _ := v.fs.Read("plain.md")
	if !strings.Contains(string(plain), "no frontmatter here") {
		t.Error("body lost while adding frontmatter")
	}
}

func TestPeers(t *testing.T) {
	v := primaryVault(t, "ada", "laptop")
	if err := v.PeerSet("abc", "127.0.0.1:4919"); err != nil {
		t.Fatal(err)
	}
	addr, err := v.Resolve(t.Context(), "abc")
	if err != nil || addr != "127.0.0.1:4919" {
		t.Errorf("Resolve = %q, %v", addr, err)
	}
	if _, err := v.Resolve(t.Context(), "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Resolve(missing) = %v", err)
	}
}

func TestCompleteJoin(t *testing.T) {
	primary := primaryVault(t, "ada", "laptop")
	joiner := openVault(t)

	key, _ := identity.GenerateKey()
	ep := identity.PublicKeyString(key)
	auth, user, err := primary.DeviceAuthorize("phone", ep)
	if err != nil {
		t.Fatal(err)
	}
	primaryEP, _, _ := primary.DeviceEndpoint()

	if err := joiner.CompleteJoin(key, "tablet", user, auth, primaryEP, "h:1"); err == nil {
		t.Error("join with wrong device name succeeded")
	}
	mustState(t, joiner, StateUninitialized)
	if joiner.fs.Exists(DeviceKeyFile) {
		t.Error("failed join left a device key")
	}

	other, _ := identity.GenerateKey()
	foreign, _ := identity.AuthorizeDevice("phone", ep, other)
	if err := joiner.CompleteJoin(key, "phone", user, foreign, primaryEP, "h:1"); !errors.Is(err, identity.ErrVerification) {
		t.Errorf("join with foreign authorization = %v, want ErrVerification", err)
	}

	if err := joiner.CompleteJoin(key, "phone", user, auth, primaryEP, "h:1"); err != nil {
		t.Fatalf("CompleteJoin: %v", err)
	}
	stored, err := joiner.Authorization()
	if err != nil || stored == nil || stored.Signature != auth.Signature {
		t.Errorf("Authorization = %+v, %v", stored, err)
	}
	mustState(t, joiner, StateSecondaryJoined)
	if addr, _ := joiner.Resolve(t.Context(), primaryEP); addr != "h:1" {
		t.Errorf("primary addr = %q", addr)
	}
	if err := joiner.CompleteJoin(key, "phone", user, auth, primaryEP, "h:1"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second join = %v, want ErrInvalidState", err)
	}
}

func TestDeviceKeyPermissions(t *testing.T) {
	v := primaryVault(t, "ada", "laptop")
	info, err := os.Stat(filepath.Join(v.Path(), ".footnote", "id_key"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("id_key perm = %o", info.Mode().Perm())
	}
}

func TestUnjoin(t *testing.T) {
	v := primaryVault(t, "ada", "laptop")
	if err := v.Unjoin(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Unjoin on primary = %v, want ErrInvalidState", err)
	}
	if err := v.fs.Delete(IDKeyFile); err != nil {
		t.Fatal(err)
	}
	mustState(t, v, StateSecondaryJoined)
	if err := v.Unjoin(); !errors.Is(err, ErrUnjoinUnsupported) {
		t.Errorf("Unjoin = %v, want ErrUnjoinUnsupported", err)
	}
}
