package operator

import (
	"errors"
	"testing"

	"go.uber.org/zap"
)

type fakeController struct {
	reloadCount    int
	reloadErr      error
	defaultActions map[string]string
	cgroups        map[uint64]struct{}
	rules          map[string][]string
}

func newFakeController() *fakeController {
	return &fakeController{
		defaultActions: make(map[string]string),
		cgroups:        make(map[uint64]struct{}),
		rules:          make(map[string][]string),
	}
}

func (f *fakeController) ReloadRules(domain string) (int, error) {
	if f.reloadErr != nil {
		return 0, f.reloadErr
	}
	f.reloadCount++
	return len(f.rules[domain]), nil
}

func (f *fakeController) SetDefaultAction(domain, action string) error {
	f.defaultActions[domain] = action
	return nil
}

func (f *fakeController) AddCgroup(id uint64) error {
	f.cgroups[id] = struct{}{}
	return nil
}

func (f *fakeController) RemoveCgroup(id uint64) error {
	delete(f.cgroups, id)
	return nil
}

func (f *fakeController) Status() ([]DomainStatus, int, error) {
	return []DomainStatus{{Domain: "open", RuleCount: 3, DefaultAction: "allow"}}, len(f.cgroups), nil
}

func (f *fakeController) ListRules(domain string) ([]string, error) {
	return f.rules[domain], nil
}

func newTestServer() (*Server, *fakeController) {
	ctrl := newFakeController()
	s := NewServer("/run/syscage/operator.sock", ctrl, zap.NewNop())
	return s, ctrl
}

func TestDispatchReload(t *testing.T) {
	s, ctrl := newTestServer()
	ctrl.rules["open"] = []string{"a", "b"}
	resp := s.dispatch(Request{Cmd: "reload", Domain: "open"})
	if !resp.OK || resp.RuleCount != 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestDispatchReloadRejectsBadDomain(t *testing.T) {
	s, _ := newTestServer()
	resp := s.dispatch(Request{Cmd: "reload", Domain: "bogus"})
	if resp.OK {
		t.Fatal("expected failure for unknown domain")
	}
}

func TestDispatchReloadPropagatesError(t *testing.T) {
	s, ctrl := newTestServer()
	ctrl.reloadErr = errors.New("bad rule file")
	resp := s.dispatch(Request{Cmd: "reload", Domain: "exec"})
	if resp.OK {
		t.Fatal("expected failure")
	}
	if resp.Error != "bad rule file" {
		t.Fatalf("error = %q", resp.Error)
	}
}

func TestDispatchSetDefault(t *testing.T) {
	s, ctrl := newTestServer()
	resp := s.dispatch(Request{Cmd: "set-default", Domain: "connect", Action: "deny"})
	if !resp.OK || ctrl.defaultActions["connect"] != "deny" {
		t.Fatalf("unexpected response: %+v, ctrl=%+v", resp, ctrl.defaultActions)
	}
}

func TestDispatchSetDefaultRejectsBadAction(t *testing.T) {
	s, _ := newTestServer()
	resp := s.dispatch(Request{Cmd: "set-default", Domain: "open", Action: "maybe"})
	if resp.OK {
		t.Fatal("expected failure for invalid action")
	}
}

func TestDispatchAddRemoveCgroup(t *testing.T) {
	s, ctrl := newTestServer()
	resp := s.dispatch(Request{Cmd: "add-cgroup", CgroupID: 4026531840})
	if !resp.OK || resp.CgroupID != 4026531840 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if _, ok := ctrl.cgroups[4026531840]; !ok {
		t.Fatal("cgroup not added")
	}

	resp = s.dispatch(Request{Cmd: "remove-cgroup", CgroupID: 4026531840})
	if !resp.OK {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if _, ok := ctrl.cgroups[4026531840]; ok {
		t.Fatal("cgroup not removed")
	}
}

func TestDispatchStatus(t *testing.T) {
	s, ctrl := newTestServer()
	ctrl.cgroups[1] = struct{}{}
	ctrl.cgroups[2] = struct{}{}
	resp := s.dispatch(Request{Cmd: "status"})
	if !resp.OK || resp.CgroupMembers != 2 || len(resp.Domains) != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestDispatchListRules(t *testing.T) {
	s, ctrl := newTestServer()
	ctrl.rules["connect"] = []string{"10.0.0.1:443 -> allow"}
	resp := s.dispatch(Request{Cmd: "list-rules", Domain: "connect"})
	if !resp.OK || len(resp.Rules) != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestDispatchUnknownCommand(t *testing.T) {
	s, _ := newTestServer()
	resp := s.dispatch(Request{Cmd: "frobnicate"})
	if resp.OK {
		t.Fatal("expected failure for unknown command")
	}
}
