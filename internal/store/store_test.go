package store_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"stringcomm/internal/crypto"
	"stringcomm/internal/domain"
	"stringcomm/internal/store"
)

func TestIdentitySaveLoad(t *testing.T) {
	home := t.TempDir()
	ids := store.NewIdentityFileStore(home)
	if ids.Exists() {
		t.Fatal("identity exists in empty home")
	}
	if _, err := ids.LoadIdentity("pass"); !errors.Is(err, store.ErrNoIdentity) {
		t.Fatalf("want ErrNoIdentity, got %v", err)
	}

	id, err := crypto.NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	if err := ids.SaveIdentity("pass", id); err != nil {
		t.Fatalf("save identity: %v", err)
	}
	got, err := ids.LoadIdentity("pass")
	if err != nil {
		t.Fatalf("load identity: %v", err)
	}
	if got != id {
		t.Fatal("identity changed across save/load")
	}

	fi, err := os.Stat(filepath.Join(home, store.IdentityFilename))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Fatalf("identity file mode %v", fi.Mode().Perm())
	}
}

func TestIdentityWrongPassphrase(t *testing.T) {
	ids := store.NewIdentityFileStore(t.TempDir())
	if err := ids.SaveIdentity("correct", domain.Identity{XPub: domain.X25519Public{1}}); err != nil {
		t.Fatalf("save identity: %v", err)
	}
	if _, err := ids.LoadIdentity("wrong"); !errors.Is(err, store.ErrWrongPassphrase) {
		t.Fatalf("want ErrWrongPassphrase, got %v", err)
	}
}

func TestKeysSurviveReopen(t *testing.T) {
	home := t.TempDir()
	a, err := crypto.NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	fp := crypto.FingerprintOf(a.Public())
	if err := store.NewKeyFileStore(home).SaveKey(fp, a.Public()); err != nil {
		t.Fatalf("SaveKey: %v", err)
	}
	keys, err := store.NewKeyFileStore(home).LoadKeys()
	if err != nil {
		t.Fatalf("LoadKeys: %v", err)
	}
	if len(keys) != 1 || keys[fp] != a.Public() {
		t.Fatalf("loaded %v", keys)
	}
}

func TestMessagesOrderedByTimestamp(t *testing.T) {
	ms := store.NewMessageFileStore(t.TempDir())
	if err := ms.CreateChannel(domain.Channel{ID: "general", Name: "general"}); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if err := ms.CreateChannel(domain.Channel{ID: "general", Name: "renamed"}); err != nil {
		t.Fatalf("CreateChannel again: %v", err)
	}

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	for _, m := range []domain.StoredMessage{
		{ID: "c", ChannelID: "general", Content: "third", Timestamp: base.Add(2 * time.Second)},
		{ID: "a", ChannelID: "general", Content: "first", Timestamp: base},
		{ID: "b", ChannelID: "general", Content: "second", Timestamp: base.Add(time.Second)},
		{ID: "a", ChannelID: "general", Content: "first again", Timestamp: base},
	} {
		if err := ms.SaveMessage(m); err != nil {
			t.Fatalf("SaveMessage %s: %v", m.ID, err)
		}
	}

	got, err := ms.ListMessages("general")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	var ids string
	for _, m := range got {
		ids += m.ID
	}
	if ids != "abc" {
		t.Fatalf("order %q, want abc", ids)
	}
	if got[0].Content != "first" {
		t.Fatalf("duplicate overwrote original: %q", got[0].Content)
	}

	chans, err := ms.ListChannels()
	if err != nil {
		t.Fatalf("ListChannels: %v", err)
	}
	if len(chans) != 1 || chans[0].Name != "general" {
		t.Fatalf("channels %+v", chans)
	}
}

func TestMessageForUnknownChannel(t *testing.T) {
	ms := store.NewMessageFileStore(t.TempDir())
	err := ms.SaveMessage(domain.StoredMessage{ID: "x", ChannelID: "nope", Timestamp: time.Now()})
	if !errors.Is(err, store.ErrUnknownChannel) {
		t.Fatalf("want ErrUnknownChannel, got %v", err)
	}
	if _, err := ms.ListMessages("nope"); !errors.Is(err, store.ErrUnknownChannel) {
		t.Fatalf("want ErrUnknownChannel, got %v", err)
	}
	if err := ms.CreateChannel(domain.Channel{ID: "../etc"}); err == nil {
		t.Fatal("path-like channel id accepted")
	}
}
