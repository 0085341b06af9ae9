package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/oszuidwest/zwfm-wakeword/internal/config"
	"github.com/oszuidwest/zwfm-wakeword/internal/engine/soft"
	"github.com/oszuidwest/zwfm-wakeword/internal/env"
	"github.com/oszuidwest/zwfm-wakeword/internal/types"
)

const (
	factoryManifest = `
format_version: 3
keyphrases:
  - phrase: hey radio
  - phrase: ok studio
`
	userManifest = `
format_version: 2
keyphrases:
  - phrase: hello wake
    users: [alice, bob]
`
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	cfg := config.New(filepath.Join(t.TempDir(), "config.json"))
	return New(&env.Env{Config: cfg, Engine: soft.New(soft.Options{}, nil)})
}

func writeModel(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestScanAndLoad(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, "radio.uim", factoryManifest)
	writeModel(t, dir, "alice.udm", userManifest)
	writeModel(t, dir, "notes.txt", "ignored")
	if err := os.Mkdir(filepath.Join(dir, "sub.uim"), 0o755); err != nil {
		t.Fatal(err)
	}

	r := newTestRegistry(t)
	res, err := r.ScanAndLoad(dir)
	if err != nil {
		t.Fatalf("ScanAndLoad() error = %v", err)
	}
	if len(res.Added) != 2 {
		t.Fatalf("added %d models, want 2", len(res.Added))
	}

	radio, ok := r.Lookup("radio.uim")
	if !ok || radio.Kind != types.ModelFactory || radio.Status() != types.StatusUnloaded {
		t.Fatalf("radio.uim = %+v, %v", radio, ok)
	}
	user, ok := r.Lookup("alice.udm")
	if !ok || user.Kind != types.ModelUserTrained {
		t.Fatalf("alice.udm = %+v, %v", user, ok)
	}

	// os.ReadDir sorts by name, so alice.udm is assigned ids first.
	if got := user.Info().Keyphrases[0].ID; got != config.DefaultKeyphraseIDBase {
		t.Errorf("first keyphrase id = %d, want %d", got, config.DefaultKeyphraseIDBase)
	}
	kps := radio.Info().Keyphrases
	if kps[0].ID != config.DefaultKeyphraseIDBase+1 || kps[1].ID != config.DefaultKeyphraseIDBase+2 {
		t.Errorf("factory keyphrase ids = %d, %d", kps[0].ID, kps[1].ID)
	}
	users := user.Info().Keyphrases[0].Users
	if users[0].ID != 1 || users[1].ID != 2 {
		t.Errorf("user ids = %d, %d, want 1, 2", users[0].ID, users[1].ID)
	}

	if !r.IsFactoryKeyphrase("hey radio") || r.IsFactoryKeyphrase("hello wake") {
		t.Error("factory keyphrase set is wrong")
	}
	if _, ok := r.Lookup("notes.txt"); ok {
		t.Error("file with unknown suffix registered")
	}
}

func TestRescanKeepsIDsAndReportsRemovals(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, "radio.uim", factoryManifest)
	writeModel(t, dir, "alice.udm", userManifest)

	r := newTestRegistry(t)
	if _, err := r.ScanAndLoad(dir); err != nil {
		t.Fatal(err)
	}
	radio, _ := r.Lookup("radio.uim")
	firstID := radio.Info().Keyphrases[0].ID

	writeModel(t, dir, "radio.uim", factoryManifest+"  - phrase: new phrase\n")
	if err := os.Remove(filepath.Join(dir, "alice.udm")); err != nil {
		t.Fatal(err)
	}

	res, err := r.ScanAndLoad(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Updated) != 1 || len(res.Removed) != 1 || res.Removed[0].Name != "alice.udm" {
		t.Fatalf("result = %+v", res)
	}
	if _, ok := r.Lookup("alice.udm"); ok {
		t.Error("removed model still registered")
	}

	kps := radio.Info().Keyphrases
	if kps[0].ID != firstID {
		t.Errorf("existing keyphrase id changed: %d -> %d", firstID, kps[0].ID)
	}
	if kps[2].ID != config.DefaultKeyphraseIDBase+3 {
		t.Errorf("new keyphrase id = %d, want %d", kps[2].ID, config.DefaultKeyphraseIDBase+3)
	}
}

func TestScanAndLoadQueryFailure(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, "broken.uim", "keyphrases: [")

	r := newTestRegistry(t)
	if _, err := r.ScanAndLoad(dir); err != nil {
		t.Fatal(err)
	}
	m, ok := r.Lookup("broken.uim")
	if !ok {
		t.Fatal("model with failed metadata query not registered")
	}
	if m.Info() != nil || m.Usable() {
		t.Error("model without metadata reported as usable")
	}
}

func TestScanAndLoadMissingDir(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.ScanAndLoad(filepath.Join(t.TempDir(), "missing"))
	if !errors.Is(err, types.ErrFileNotFound) {
		t.Errorf("ScanAndLoad() error = %v, want %v", err, types.ErrFileNotFound)
	}
}

func TestStableUUID(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, "radio.uim", factoryManifest)

	a, b := newTestRegistry(t), newTestRegistry(t)
	for _, r := range []*Registry{a, b} {
		if _, err := r.ScanAndLoad(dir); err != nil {
			t.Fatal(err)
		}
	}
	ma, _ := a.Lookup("radio.uim")
	mb, _ := b.Lookup("radio.uim")
	if ma.ID != mb.ID {
		t.Errorf("uuid differs across registries: %s vs %s", ma.ID, mb.ID)
	}
}

func TestGetKeyphraseNameByEngineID(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, "radio.uim", factoryManifest)

	r := newTestRegistry(t)
	if _, err := r.ScanAndLoad(dir); err != nil {
		t.Fatal(err)
	}
	if got, ok := r.GetKeyphraseNameByEngineID(config.DefaultKeyphraseIDBase + 1); !ok || got != "ok studio" {
		t.Errorf("GetKeyphraseNameByEngineID() = %q, %v", got, ok)
	}
	if _, ok := r.GetKeyphraseNameByEngineID(1); ok {
		t.Error("unknown id resolved")
	}
}
