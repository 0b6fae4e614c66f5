// Package policyctl glues internal/rulecompiler, internal/lsm, and
// internal/cgroupset together behind the interfaces internal/operator and
// internal/gossip depend on. It is the one place that knows both "how to
// read a rule file" and "how to write the result into the live BPF maps".
package policyctl

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/syscage/syscage/internal/abi"
	"github.com/syscage/syscage/internal/cgroupset"
	"github.com/syscage/syscage/internal/config"
	"github.com/syscage/syscage/internal/lsm"
	"github.com/syscage/syscage/internal/operator"
	"github.com/syscage/syscage/internal/rulecompiler"
)

type openRuleFile struct {
	Rules []rulecompiler.OpenRuleSpec `yaml:"rules"`
}

type execRuleFile struct {
	Rules []rulecompiler.ExecRuleSpec `yaml:"rules"`
}

type connectRuleFile struct {
	Rules []rulecompiler.ConnectRuleSpec `yaml:"rules"`
}

type domainState struct {
	lines   []string
	hash    string
	count   int
	defAct  abi.Action
	sumFile string
}

// Controller implements both operator.Controller and gossip.ReloadTrigger
// over a live internal/lsm.Objects and the rule files named in config.
type Controller struct {
	mu   sync.RWMutex
	objs *lsm.Objects
	cfg  *config.Config
	log  *zap.Logger

	domains map[string]*domainState
}

// New constructs a Controller. Call LoadAll before serving any operator or
// gossip traffic so domains is populated from the configured rule files.
func New(objs *lsm.Objects, cfg *config.Config, log *zap.Logger) *Controller {
	return &Controller{
		objs: objs,
		cfg:  cfg,
		log:  log,
		domains: map[string]*domainState{
			"open":    {},
			"exec":    {},
			"connect": {},
		},
	}
}

// LoadAll compiles and loads all three rule files. Intended to run once at
// startup; a failure here is fatal (the caller should abort rather than run
// with partially loaded policy).
func (c *Controller) LoadAll() error {
	for _, domain := range []string{"open", "exec", "connect"} {
		if _, err := c.reload(domain); err != nil {
			return fmt.Errorf("policyctl: initial load of %s rules: %w", domain, err)
		}
	}
	return nil
}

func (c *Controller) ruleFilePath(domain string) string {
	switch domain {
	case "open":
		return c.cfg.Policy.OpenRulesFile
	case "exec":
		return c.cfg.Policy.ExecRulesFile
	case "connect":
		return c.cfg.Policy.ConnectRulesFile
	default:
		return ""
	}
}

func (c *Controller) defaultActionFromConfig(domain string) abi.Action {
	var s string
	switch domain {
	case "open":
		s = c.cfg.Policy.DefaultOpenAction
	case "exec":
		s = c.cfg.Policy.DefaultExecAction
	case "connect":
		s = c.cfg.Policy.DefaultConnectAction
	}
	if s == "deny" {
		return abi.ActionDeny
	}
	return abi.ActionAllow
}

// reload re-reads domain's rule file, compiles it, writes the result into
// the live BPF maps, and updates the cached domainState. The default action
// in effect is whatever SetDefaultAction last set for this domain (or the
// config default, the first time). Returns the new rule count.
func (c *Controller) reload(domain string) (int, error) {
	path := c.ruleFilePath(domain)
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read rule file %s: %w", path, err)
	}

	c.mu.Lock()
	st, ok := c.domains[domain]
	if !ok {
		c.mu.Unlock()
		return 0, fmt.Errorf("unknown domain %q", domain)
	}
	def := st.defAct
	if st.sumFile == "" {
		def = c.defaultActionFromConfig(domain)
	}
	c.mu.Unlock()

	var (
		count int
		lines []string
	)
	switch domain {
	case "open":
		var doc openRuleFile
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return 0, fmt.Errorf("parse %s: %w", path, err)
		}
		rules, err := rulecompiler.CompileOpenRules(doc.Rules)
		if err != nil {
			return 0, err
		}
		if err := c.objs.ReplaceOpenRules(rules, def); err != nil {
			return 0, err
		}
		count = len(rules)
		for i, r := range doc.Rules {
			lines = append(lines, fmt.Sprintf("%d: %s %s -> %s", i, r.Operation, r.Path, r.Action))
		}
	case "exec":
		var doc execRuleFile
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return 0, fmt.Errorf("parse %s: %w", path, err)
		}
		rules, warnings, err := rulecompiler.CompileExecRules(doc.Rules)
		if err != nil {
			return 0, err
		}
		if err := c.objs.ReplaceExecRules(rules, def); err != nil {
			return 0, err
		}
		count = len(rules)
		for _, w := range warnings {
			c.log.Warn("policyctl: exec rule warning", zap.String("message", w.Message))
		}
		for i, r := range doc.Rules {
			lines = append(lines, fmt.Sprintf("%d: exec %s %v -> %s", i, r.Path, r.Args, r.Action))
		}
	case "connect":
		var doc connectRuleFile
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return 0, fmt.Errorf("parse %s: %w", path, err)
		}
		rules, warnings, err := rulecompiler.CompileConnectRules(doc.Rules)
		if err != nil {
			return 0, err
		}
		if err := c.objs.ReplaceConnectRules(rules, def); err != nil {
			return 0, err
		}
		count = len(rules)
		for _, w := range warnings {
			c.log.Warn("policyctl: connect rule warning", zap.String("message", w.Message))
		}
		for i, r := range doc.Rules {
			lines = append(lines, fmt.Sprintf("%d: %s:%d (%s) -> %s", i, r.DestIP, r.DestPort, r.Hostname, r.Action))
		}
	default:
		return 0, fmt.Errorf("unknown domain %q", domain)
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	c.mu.Lock()
	st.lines = lines
	st.hash = hash
	st.count = count
	st.defAct = def
	st.sumFile = path
	c.mu.Unlock()

	return count, nil
}

// ReloadRules implements operator.Controller.
func (c *Controller) ReloadRules(domain string) (int, error) {
	return c.reload(domain)
}

// SetDefaultAction implements operator.Controller.
func (c *Controller) SetDefaultAction(domain, action string) error {
	var def abi.Action
	switch action {
	case "allow":
		def = abi.ActionAllow
	case "deny":
		def = abi.ActionDeny
	default:
		return fmt.Errorf("invalid action %q", action)
	}

	c.mu.Lock()
	st, ok := c.domains[domain]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("unknown domain %q", domain)
	}
	st.defAct = def
	rules := make([]string, len(st.lines))
	copy(rules, st.lines)
	c.mu.Unlock()

	// Re-read and recompile the rule file and push it with the new default action.
	switch domain {
	case "open":
		path := c.ruleFilePath(domain)
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var doc openRuleFile
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return err
		}
		compiled, err := rulecompiler.CompileOpenRules(doc.Rules)
		if err != nil {
			return err
		}
		return c.objs.ReplaceOpenRules(compiled, def)
	case "exec":
		path := c.ruleFilePath(domain)
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var doc execRuleFile
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return err
		}
		compiled, _, err := rulecompiler.CompileExecRules(doc.Rules)
		if err != nil {
			return err
		}
		return c.objs.ReplaceExecRules(compiled, def)
	case "connect":
		path := c.ruleFilePath(domain)
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var doc connectRuleFile
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return err
		}
		compiled, _, err := rulecompiler.CompileConnectRules(doc.Rules)
		if err != nil {
			return err
		}
		return c.objs.ReplaceConnectRules(compiled, def)
	default:
		return fmt.Errorf("unknown domain %q", domain)
	}
}

// AddCgroup implements operator.Controller.
func (c *Controller) AddCgroup(id uint64) error {
	return c.objs.AddCgroupMember(id)
}

// RemoveCgroup implements operator.Controller.
func (c *Controller) RemoveCgroup(id uint64) error {
	return c.objs.RemoveCgroupMember(id)
}

// Status implements operator.Controller.
func (c *Controller) Status() ([]operator.DomainStatus, int, error) {
	c.mu.RLock()
	out := make([]operator.DomainStatus, 0, len(c.domains))
	for _, domain := range []string{"open", "exec", "connect"} {
		st := c.domains[domain]
		out = append(out, operator.DomainStatus{
			Domain:        domain,
			RuleCount:     st.count,
			DefaultAction: st.defAct.String(),
		})
	}
	c.mu.RUnlock()

	members, err := c.objs.ListCgroupMembers()
	if err != nil {
		return out, 0, err
	}
	return out, len(members), nil
}

// ListRules implements operator.Controller.
func (c *Controller) ListRules(domain string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.domains[domain]
	if !ok {
		return nil, fmt.Errorf("unknown domain %q", domain)
	}
	out := make([]string, len(st.lines))
	copy(out, st.lines)
	return out, nil
}

// ReloadDomain implements gossip.ReloadTrigger.
func (c *Controller) ReloadDomain(domain string) error {
	_, err := c.reload(domain)
	return err
}

// LocalRuleHashes implements gossip.ReloadTrigger.
func (c *Controller) LocalRuleHashes() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.domains))
	for domain, st := range c.domains {
		out[domain] = st.hash
	}
	return out
}

// LocalCgroupSetDigest implements gossip.ReloadTrigger.
func (c *Controller) LocalCgroupSetDigest() string {
	members, err := c.objs.ListCgroupMembers()
	if err != nil {
		c.log.Warn("policyctl: list cgroup members for digest", zap.Error(err))
		return ""
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	h := sha256.New()
	for _, id := range members {
		h.Write([]byte(strconv.FormatUint(id, 10)))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CgroupPublisher exposes the underlying cgroupset.Publisher so cmd/syscaged
// can hand the same *lsm.Objects to a cgroupset.Watcher without importing
// internal/lsm directly.
func (c *Controller) CgroupPublisher() cgroupset.Publisher {
	return c.objs
}
