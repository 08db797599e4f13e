package modules_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"gcwalk/internal/codeman"
	"gcwalk/internal/gcinfo"
	"gcwalk/internal/modules"
	"gcwalk/internal/synth"
)

func TestLoad(t *testing.T) {
	code := codeman.NewRegistry()
	reg := modules.NewRegistry(code)
	mi, err := synth.NewMethod("m", 0x1000, 0x40, gcinfo.MethodSpec{FrameSize: 16})
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Load(&modules.Module{Name: "app", Methods: []*codeman.MethodInfo{mi}}); err != nil {
		t.Fatal(err)
	}
	if got, _, ok := code.Lookup(0x1010); !ok || got != mi {
		t.Error("module method not registered")
	}
	if err := reg.Load(&modules.Module{Name: "app"}); err == nil {
		t.Error("duplicate module loaded")
	}
	// overlapping code is rejected and the module is not recorded
	if err := reg.Load(&modules.Module{Name: "other", Methods: []*codeman.MethodInfo{mi}}); err == nil {
		t.Error("overlapping method accepted")
	}
	if n := len(reg.Modules()); n != 1 {
		t.Errorf("%d modules", n)
	}
	if reg.Code() != code {
		t.Error("Code")
	}
}

func TestClaimFinalizerInit(t *testing.T) {
	m := &modules.Module{Name: "corelib", ClassLib: true}
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.ClaimFinalizerInit() {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 || !m.FinalizerInitComplete() {
		t.Errorf("wins %d, complete %v", wins.Load(), m.FinalizerInitComplete())
	}
}
