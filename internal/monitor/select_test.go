package monitor

import (
	"errors"
	"testing"
)

type stubMonitor struct {
	backend string
	closed  bool
}

func (s *stubMonitor) Backend() string                    { return s.backend }
func (s *stubMonitor) StaticInfo() StaticInfo             { return StaticInfo{Name: s.backend} }
func (s *stubMonitor) Sample() (Sample, []Process, error) { return Sample{}, []Process{}, nil }
func (s *stubMonitor) Close() error {
	s.closed = true
	return nil
}

func TestSelectFromFallsThroughInOrder(t *testing.T) {
	t.Parallel()

	var opened []string
	candidates := []Candidate{
		{Name: "nvml", Open: func() (Monitor, error) {
			opened = append(opened, "nvml")
			return nil, newError(ErrInitialization, "library missing")
		}},
		{Name: "amdgpu", Open: func() (Monitor, error) {
			opened = append(opened, "amdgpu")
			return &stubMonitor{backend: "amdgpu"}, nil
		}},
		{Name: "never", Open: func() (Monitor, error) {
			opened = append(opened, "never")
			return &stubMonitor{backend: "never"}, nil
		}},
	}

	mon, ok := SelectFrom(candidates, nil)
	if !ok {
		t.Fatalf("expected a monitor to be selected")
	}
	if mon.Backend() != "amdgpu" {
		t.Fatalf("expected amdgpu backend, got %q", mon.Backend())
	}
	if len(opened) != 2 || opened[0] != "nvml" || opened[1] != "amdgpu" {
		t.Fatalf("unexpected probe order %v", opened)
	}
}

func TestSelectFromPrefersFirstCandidate(t *testing.T) {
	t.Parallel()

	candidates := []Candidate{
		{Name: "nvml", Open: func() (Monitor, error) { return &stubMonitor{backend: "nvml"}, nil }},
		{Name: "amdgpu", Open: func() (Monitor, error) {
			t.Fatalf("amdgpu must not be probed once nvml succeeded")
			return nil, nil
		}},
	}

	mon, ok := SelectFrom(candidates, nil)
	if !ok || mon.Backend() != "nvml" {
		t.Fatalf("expected nvml, got %v %v", mon, ok)
	}
}

func TestSelectFromNoneAvailable(t *testing.T) {
	t.Parallel()

	candidates := []Candidate{
		{Name: "nvml", Open: func() (Monitor, error) { return nil, newError(ErrDeviceNotFound, "no device") }},
		{Name: "amdgpu", Open: func() (Monitor, error) { return nil, errors.New("boom") }},
	}

	mon, ok := SelectFrom(candidates, nil)
	if ok || mon != nil {
		t.Fatalf("expected no monitor, got %v %v", mon, ok)
	}
}

func TestSelectFallsBackToAMDGPU(t *testing.T) {
	t.Parallel()

	fixture := newSysfsFixture(t, true)
	mon, ok := Select(Options{SysfsRoot: fixture.root, ProcRoot: t.TempDir(), DisableNVML: true}, nil)
	if !ok {
		t.Fatalf("expected amdgpu monitor from fixture sysfs")
	}
	t.Cleanup(func() { _ = mon.Close() })

	if mon.Backend() != "amdgpu" {
		t.Fatalf("expected amdgpu backend, got %q", mon.Backend())
	}
}

func TestSelectEmptyHost(t *testing.T) {
	t.Parallel()

	mon, ok := Select(Options{SysfsRoot: t.TempDir(), ProcRoot: t.TempDir(), DisableNVML: true}, nil)
	if ok || mon != nil {
		t.Fatalf("expected no monitor on empty sysfs, got %v", mon)
	}
}
