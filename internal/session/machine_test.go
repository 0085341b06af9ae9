package session

import (
	"bytes"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/oszuidwest/zwfm-wakeword/internal/config"
	"github.com/oszuidwest/zwfm-wakeword/internal/engine"
	"github.com/oszuidwest/zwfm-wakeword/internal/engine/mock"
	"github.com/oszuidwest/zwfm-wakeword/internal/env"
	"github.com/oszuidwest/zwfm-wakeword/internal/registry"
	"github.com/oszuidwest/zwfm-wakeword/internal/tlv"
	"github.com/oszuidwest/zwfm-wakeword/internal/types"
)

type fixture struct {
	eng *mock.Engine
	reg *registry.Registry
	m   *Machine
	dir string
}

func newFixture(t *testing.T, eng *mock.Engine, models ...string) *fixture {
	t.Helper()
	dir := t.TempDir()
	for _, name := range models {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("model"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	e := &env.Env{Config: config.New(filepath.Join(t.TempDir(), "config.json")), Engine: eng}
	reg := registry.New(e)
	if _, err := reg.ScanAndLoad(dir); err != nil {
		t.Fatal(err)
	}
	eng.Reset()
	return &fixture{eng: eng, reg: reg, m: NewMachine(e, reg, nil), dir: dir}
}

func (f *fixture) status(t *testing.T, name string) types.SessionStatus {
	t.Helper()
	s, err := f.m.Status(name)
	if err != nil {
		t.Fatalf("Status(%s) error = %v", name, err)
	}
	return s
}

func TestLifecycleScenario(t *testing.T) {
	f := newFixture(t, &mock.Engine{}, "A.uim")

	steps := []struct {
		name      string
		op        func(string) error
		want      types.SessionStatus
		wantStart int
	}{
		{"load", f.m.Load, types.StatusLoaded, 0},
		{"start", f.m.Start, types.StatusStarted, 1},
		{"start again", f.m.Start, types.StatusStarted, 1},
		{"stop", f.m.Stop, types.StatusStopped, 1},
		{"unload", f.m.Unload, types.StatusUnloaded, 1},
	}
	for _, step := range steps {
		if err := step.op("A.uim"); err != nil {
			t.Fatalf("%s: error = %v", step.name, err)
		}
		if got := f.status(t, "A.uim"); got != step.want {
			t.Fatalf("%s: status = %s, want %s", step.name, got, step.want)
		}
		if _, start, _, _ := f.eng.Counts(); start != step.wantStart {
			t.Fatalf("%s: engine start calls = %d, want %d", step.name, start, step.wantStart)
		}
	}
}

func TestIllegalTransitions(t *testing.T) {
	f := newFixture(t, &mock.Engine{}, "B.uim")

	err := f.m.Start("B.uim")
	if got := types.StatusOf(err); got != types.StatusFailure {
		t.Errorf("Start from unloaded = %d, want %d", got, types.StatusFailure)
	}
	if got := types.StatusOf(f.m.Stop("B.uim")); got != types.StatusWrongState {
		t.Errorf("Stop from unloaded = %d, want %d", got, types.StatusWrongState)
	}
	if got := f.status(t, "B.uim"); got != types.StatusUnloaded {
		t.Errorf("status = %s, want unloaded", got)
	}

	if err := f.m.Load("B.uim"); err != nil {
		t.Fatal(err)
	}
	if err := f.m.Start("B.uim"); err != nil {
		t.Fatal(err)
	}
	if got := types.StatusOf(f.m.Unload("B.uim")); got != types.StatusWrongState {
		t.Errorf("Unload while started = %d, want %d", got, types.StatusWrongState)
	}
	if got := types.StatusOf(f.m.Load("B.uim")); got != types.StatusWrongState {
		t.Errorf("Load while started = %d, want %d", got, types.StatusWrongState)
	}
	if got := f.status(t, "B.uim"); got != types.StatusStarted {
		t.Errorf("status = %s, want started", got)
	}

	load, start, stop, unload := f.eng.Counts()
	if load != 1 || start != 1 || stop != 0 || unload != 0 {
		t.Errorf("engine calls = %d/%d/%d/%d", load, start, stop, unload)
	}
}

func TestIdempotentOperations(t *testing.T) {
	f := newFixture(t, &mock.Engine{}, "A.uim")

	for range 2 {
		if err := f.m.Load("A.uim"); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.m.Start("A.uim"); err != nil {
		t.Fatal(err)
	}
	for range 2 {
		if err := f.m.Stop("A.uim"); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.m.Load("A.uim"); err != nil {
		t.Fatalf("Load from stopped error = %v", err)
	}
	for range 2 {
		if err := f.m.Unload("A.uim"); err != nil {
			t.Fatal(err)
		}
	}

	load, start, stop, unload := f.eng.Counts()
	if load != 1 || start != 1 || stop != 1 || unload != 1 {
		t.Errorf("engine calls = %d/%d/%d/%d, want 1/1/1/1", load, start, stop, unload)
	}
}

func TestEngineFailureKeepsState(t *testing.T) {
	eng := &mock.Engine{}
	f := newFixture(t, eng, "A.uim")

	eng.SetStatuses(-22, 0, 0, 0)
	if got := types.StatusOf(f.m.Load("A.uim")); got != -22 {
		t.Errorf("Load status = %d, want engine code -22", got)
	}
	if got := f.status(t, "A.uim"); got != types.StatusUnloaded {
		t.Errorf("status after failed load = %s", got)
	}

	eng.SetStatuses(0, -38, 0, 0)
	if err := f.m.Load("A.uim"); err != nil {
		t.Fatal(err)
	}
	err := f.m.Start("A.uim")
	var engErr *EngineError
	if !errors.As(err, &engErr) || engErr.Op != "start" || engErr.Code != -38 {
		t.Errorf("Start error = %v", err)
	}
	if got := f.status(t, "A.uim"); got != types.StatusLoaded {
		t.Errorf("status after failed start = %s", got)
	}
}

func TestLoadPreconditions(t *testing.T) {
	eng := &mock.Engine{QueryStatus: -1}
	f := newFixture(t, eng, "broken.uim")

	if got := types.StatusOf(f.m.Load("broken.uim")); got != types.StatusInvalidParameter {
		t.Errorf("Load without metadata = %d, want %d", got, types.StatusInvalidParameter)
	}
	if got := types.StatusOf(f.m.Load("missing.uim")); got != types.StatusFileNotFound {
		t.Errorf("Load unknown model = %d, want %d", got, types.StatusFileNotFound)
	}
}

func TestLoadDescriptor(t *testing.T) {
	f := newFixture(t, &mock.Engine{}, "A.uim")
	if err := f.m.Load("A.uim"); err != nil {
		t.Fatal(err)
	}
	desc := f.eng.LoadModelCalls[0]
	model, _ := f.reg.Lookup("A.uim")
	if desc.UUID != model.ID || string(desc.Data) != "model" {
		t.Errorf("descriptor = %+v", desc)
	}
	if len(desc.Keyphrases) != 1 || desc.Keyphrases[0].ID != config.DefaultKeyphraseIDBase {
		t.Errorf("descriptor keyphrases = %+v", desc.Keyphrases)
	}
	if desc.Confidence.Keyphrase != config.DefaultKeyphraseConf {
		t.Errorf("descriptor confidence = %+v", desc.Confidence)
	}
}

func TestStartParametersFollowFormatVersion(t *testing.T) {
	tests := []struct {
		name    string
		version int
		wantCNN bool
	}{
		{"legacy", 2, false},
		{"v3", 3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &mock.Engine{Info: &types.ModelInfo{
				FormatVersion: tt.version,
				Keyphrases:    []types.Keyphrase{{Phrase: "hey radio"}},
			}}
			f := newFixture(t, eng, "A.uim")
			if err := f.m.Load("A.uim"); err != nil {
				t.Fatal(err)
			}
			if err := f.m.Start("A.uim"); err != nil {
				t.Fatal(err)
			}

			var hasCNN bool
			tlv.Walk(eng.StartRecognitionCalls[0].Params, func(tag tlv.Tag, _ []byte) bool {
				hasCNN = hasCNN || tag == tlv.TagCNNConfidenceLevels
				return true
			})
			if hasCNN != tt.wantCNN {
				t.Errorf("CNN record present = %v, want %v", hasCNN, tt.wantCNN)
			}
		})
	}
}

func TestRestartRecognition(t *testing.T) {
	f := newFixture(t, &mock.Engine{}, "A.uim")

	if got := types.StatusOf(f.m.RestartRecognition("A.uim")); got != types.StatusFailure {
		t.Errorf("restart while unloaded = %d, want %d", got, types.StatusFailure)
	}
	if err := f.m.Load("A.uim"); err != nil {
		t.Fatal(err)
	}
	if err := f.m.Start("A.uim"); err != nil {
		t.Fatal(err)
	}
	if err := f.m.RestartRecognition("A.uim"); err != nil {
		t.Fatalf("restart while started error = %v", err)
	}

	calls := f.eng.StartRecognitionCalls
	if len(calls) != 2 || !bytes.Equal(calls[0].Params, calls[1].Params) {
		t.Errorf("restart did not reuse start parameters")
	}
	if err := f.m.Stop("A.uim"); err != nil {
		t.Fatal(err)
	}
	if got := types.StatusOf(f.m.RestartRecognition("A.uim")); got != types.StatusFailure {
		t.Errorf("restart while stopped = %d, want %d", got, types.StatusFailure)
	}
}

func TestIsRecognitionActive(t *testing.T) {
	f := newFixture(t, &mock.Engine{}, "A.uim")
	if f.m.IsRecognitionActive("A.uim") {
		t.Error("active before start")
	}
	_ = f.m.Load("A.uim")
	_ = f.m.Start("A.uim")
	if !f.m.IsRecognitionActive("A.uim") {
		t.Error("not active after start")
	}
	h, _ := f.m.Handle("A.uim")
	f.eng.Fire(engine.Event{Handle: h})
	if f.m.IsRecognitionActive("A.uim") {
		t.Error("active after one-shot detection")
	}
}

func TestRecognitionHandlerGetsModelName(t *testing.T) {
	f := newFixture(t, &mock.Engine{}, "A.uim")
	var got string
	f.m.onRecog = func(model string, ev engine.Event) { got = model }

	_ = f.m.Load("A.uim")
	_ = f.m.Start("A.uim")
	h, _ := f.m.Handle("A.uim")
	if !f.eng.Fire(engine.Event{Handle: h, Status: types.RecognitionSuccess}) {
		t.Fatal("no callback registered")
	}
	if got != "A.uim" {
		t.Errorf("handler model = %q", got)
	}
}

func TestReleaseAll(t *testing.T) {
	eng := &mock.Engine{}
	f := newFixture(t, eng, "a.uim", "b.uim", "c.uim", "d.uim")

	_ = f.m.Load("a.uim")
	_ = f.m.Start("a.uim")
	_ = f.m.Load("b.uim")
	_ = f.m.Load("c.uim")
	_ = f.m.Start("c.uim")
	_ = f.m.Stop("c.uim")

	f.m.ReleaseAll()
	for _, name := range []string{"a.uim", "b.uim", "c.uim", "d.uim"} {
		if got := f.status(t, name); got != types.StatusUnloaded {
			t.Errorf("%s status = %s, want unloaded", name, got)
		}
	}
}

func TestReleaseAllContinuesAfterFailure(t *testing.T) {
	eng := &mock.Engine{}
	f := newFixture(t, eng, "a.uim", "b.uim")
	_ = f.m.Load("a.uim")
	_ = f.m.Start("a.uim")
	_ = f.m.Load("b.uim")

	eng.SetStatuses(0, 0, -32, 0)
	f.m.ReleaseAll()

	if got := f.status(t, "a.uim"); got != types.StatusStarted {
		t.Errorf("a.uim status = %s, want started after failed stop", got)
	}
	if got := f.status(t, "b.uim"); got != types.StatusUnloaded {
		t.Errorf("b.uim status = %s, want unloaded", got)
	}
}

func TestUnloadAfterFileRemoved(t *testing.T) {
	f := newFixture(t, &mock.Engine{}, "a.uim")
	_ = f.m.Load("a.uim")
	if err := os.Remove(filepath.Join(f.dir, "a.uim")); err != nil {
		t.Fatal(err)
	}
	if _, err := f.reg.ScanAndLoad(f.dir); err != nil {
		t.Fatal(err)
	}
	if err := f.m.Unload("a.uim"); err != nil {
		t.Errorf("Unload of removed model error = %v", err)
	}
}

func TestConcurrentStartCallsEngineOnce(t *testing.T) {
	f := newFixture(t, &mock.Engine{}, "A.uim")
	if err := f.m.Load("A.uim"); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for range 16 {
		wg.Go(func() {
			if err := f.m.Start("A.uim"); err != nil {
				t.Errorf("Start() error = %v", err)
			}
		})
	}
	wg.Wait()

	if _, start, _, _ := f.eng.Counts(); start != 1 {
		t.Errorf("engine start calls = %d, want 1", start)
	}
}

func TestRandomSequencesStayOnLegalGraph(t *testing.T) {
	eng := &mock.Engine{}
	f := newFixture(t, eng, "a.uim", "b.uim")
	rng := rand.New(rand.NewPCG(1, 2))
	names := []string{"a.uim", "b.uim"}
	ops := []func(string) error{f.m.Load, f.m.Start, f.m.Stop, f.m.Unload}
	codes := []types.Status{0, 0, 0, -5}

	for i := range 2000 {
		name := names[rng.IntN(len(names))]
		eng.SetStatuses(codes[rng.IntN(4)], codes[rng.IntN(4)], codes[rng.IntN(4)], codes[rng.IntN(4)])

		before := f.status(t, name)
		err := ops[rng.IntN(len(ops))](name)
		after := f.status(t, name)

		if before == after {
			continue
		}
		if err != nil {
			t.Fatalf("step %d: failed op changed state %s -> %s", i, before, after)
		}
		if !before.CanTransition(after) {
			t.Fatalf("step %d: illegal transition %s -> %s", i, before, after)
		}
	}
}
