// Package routing implements the illustrative routing actuator (spec
// §4.6): a query/diff/apply backend driving `vtysh`. The subprocess
// invocation pattern follows the teacher's test/contract/neoexpress.go
// (exec.CommandContext + CombinedOutput around an external CLI), and the
// diff reporting uses kylelemons/godebug's pretty-printer the way the
// curated dependency set carries it for structural comparison/logging.
package routing

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/kylelemons/godebug/pretty"
	"github.com/sirupsen/logrus"

	"github.com/r3e-cfagent/cfagentd/internal/cferrors"
	"github.com/r3e-cfagent/cfagentd/internal/evalctx"
	"github.com/r3e-cfagent/cfagentd/internal/logging"
	"github.com/r3e-cfagent/cfagentd/internal/outcome"
	"github.com/r3e-cfagent/cfagentd/internal/policy"
)

// section is the small state machine query_state walks through (spec
// §4.6 step 1: "INITIAL -> OSPF | BGP | INTERFACE, reset on a line
// beginning with !").
type section int

const (
	sectionInitial section = iota
	sectionOSPF
	sectionBGP
	sectionInterface
)

// InterfaceState is the set of configuration lines declared under one
// "interface <name>" stanza.
type InterfaceState struct {
	Name  string
	Lines []string
}

// OSPFState is the set of "network <prefix> area <id>" lines declared
// under "router ospf".
type OSPFState struct {
	Networks []string
}

// BGPState is the ASN and neighbor lines declared under "router bgp <asn>".
type BGPState struct {
	ASN       string
	Neighbors []string
}

// State is the parsed shape of a full running-config (spec §4.6 step 1).
type State struct {
	Interfaces map[string]*InterfaceState
	OSPF       OSPFState
	BGP        BGPState
}

func newState() *State {
	return &State{Interfaces: make(map[string]*InterfaceState)}
}

// parseRunningConfig implements the INITIAL -> OSPF | BGP | INTERFACE
// state machine, resetting to INITIAL on any line beginning with "!".
func parseRunningConfig(raw string) *State {
	st := newState()
	cur := sectionInitial
	var curIface *InterfaceState

	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "!") {
			cur = sectionInitial
			curIface = nil
			continue
		}

		if !strings.HasPrefix(line, " ") {
			switch {
			case strings.HasPrefix(trimmed, "interface "):
				cur = sectionInterface
				name := strings.TrimSpace(strings.TrimPrefix(trimmed, "interface"))
				curIface = &InterfaceState{Name: name}
				st.Interfaces[name] = curIface
			case strings.HasPrefix(trimmed, "router ospf"):
				cur = sectionOSPF
			case strings.HasPrefix(trimmed, "router bgp"):
				cur = sectionBGP
				st.BGP.ASN = strings.TrimSpace(strings.TrimPrefix(trimmed, "router bgp"))
			default:
				cur = sectionInitial
			}
			continue
		}

		switch cur {
		case sectionInterface:
			if curIface != nil {
				curIface.Lines = append(curIface.Lines, trimmed)
			}
		case sectionOSPF:
			if strings.HasPrefix(trimmed, "network ") {
				st.OSPF.Networks = append(st.OSPF.Networks, trimmed)
			}
		case sectionBGP:
			if strings.HasPrefix(trimmed, "neighbor ") {
				st.BGP.Neighbors = append(st.BGP.Neighbors, trimmed)
			}
		}
	}
	return st
}

// Actuator drives vtysh to bring the running configuration in line with
// the routing promises declared in policy (spec §4.6).
type Actuator struct {
	VtyshPath string
	timeout   time.Duration
	log       *logging.Logger
}

// New constructs a routing Actuator. vtyshPath defaults to "vtysh" on $PATH.
func New(vtyshPath string, log *logging.Logger) *Actuator {
	if vtyshPath == "" {
		vtyshPath = "vtysh"
	}
	return &Actuator{VtyshPath: vtyshPath, timeout: 10 * time.Second, log: log}
}

// QueryState runs `vtysh -c "show running-config"` and parses the result
// (spec §4.6 step 1).
func (a *Actuator) QueryState(ctx context.Context) (*State, error) {
	runCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	out, err := exec.CommandContext(runCtx, a.VtyshPath, "-c", "show running-config").CombinedOutput()
	if err != nil {
		return nil, cferrors.Wrap(cferrors.KindIO, cferrors.CodeSpawnFailed, "query running-config via vtysh", err)
	}
	return parseRunningConfig(string(out)), nil
}

// ComputeDiff yields the remediation command sequence turning current into
// desired (spec §4.6 step 2): additions first, then removals, each scoped
// under its own "conf t" / section-entry preamble the way vtysh expects
// multi-line stanzas to be issued one `-c` invocation at a time.
func ComputeDiff(desired, current *State) []string {
	var cmds []string

	addOSPF, delOSPF := diffLines(desired.OSPF.Networks, current.OSPF.Networks)
	for _, n := range addOSPF {
		cmds = append(cmds, fmt.Sprintf("configure terminal\nrouter ospf\n%s\nend", n))
	}
	for _, n := range delOSPF {
		cmds = append(cmds, fmt.Sprintf("configure terminal\nrouter ospf\nno %s\nend", n))
	}

	addBGP, delBGP := diffLines(desired.BGP.Neighbors, current.BGP.Neighbors)
	if desired.BGP.ASN != "" {
		for _, n := range addBGP {
			cmds = append(cmds, fmt.Sprintf("configure terminal\nrouter bgp %s\n%s\nend", desired.BGP.ASN, n))
		}
		for _, n := range delBGP {
			cmds = append(cmds, fmt.Sprintf("configure terminal\nrouter bgp %s\nno %s\nend", desired.BGP.ASN, n))
		}
	}

	names := make([]string, 0, len(desired.Interfaces))
	for name := range desired.Interfaces {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		want := desired.Interfaces[name]
		have := current.Interfaces[name]
		var haveLines []string
		if have != nil {
			haveLines = have.Lines
		}
		addLines, delLines := diffLines(want.Lines, haveLines)
		for _, l := range addLines {
			cmds = append(cmds, fmt.Sprintf("configure terminal\ninterface %s\n%s\nend", name, l))
		}
		for _, l := range delLines {
			cmds = append(cmds, fmt.Sprintf("configure terminal\ninterface %s\nno %s\nend", name, l))
		}
	}

	return cmds
}

// diffLines returns (present in want but not have, present in have but not
// want), each de-duplicated and order-stable.
func diffLines(want, have []string) (add, remove []string) {
	haveSet := make(map[string]bool, len(have))
	for _, l := range have {
		haveSet[l] = true
	}
	wantSet := make(map[string]bool, len(want))
	for _, l := range want {
		wantSet[l] = true
	}
	for _, l := range want {
		if !haveSet[l] {
			add = append(add, l)
		}
	}
	for _, l := range have {
		if !wantSet[l] {
			remove = append(remove, l)
		}
	}
	return add, remove
}

// Apply runs cmd as a single `vtysh -c "<cmd>"` invocation; an empty
// stdout is success, any output is treated as failure (spec §4.6 step 3).
func (a *Actuator) Apply(ctx context.Context, cmd string) error {
	runCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	out, err := exec.CommandContext(runCtx, a.VtyshPath, "-c", cmd).Output()
	if err != nil {
		return cferrors.Wrap(cferrors.KindProtocol, cferrors.CodeWrapperExit, fmt.Sprintf("vtysh command failed: %s", string(out)), err)
	}
	if strings.TrimSpace(string(out)) != "" {
		return cferrors.Protocol(cferrors.CodeWrapperExit, fmt.Sprintf("vtysh reported output for %q: %s", cmd, string(out)), nil)
	}
	return nil
}

// DesiredStateFromPromise builds a routing-promise State from a routing
// promise's `ospf_network`, `bgp_asn`, `bgp_neighbor` and `interface_line`
// constraints; `interface_line` entries belong to the interface named by
// the promiser.
func DesiredStateFromPromise(p *policy.Promise) *State {
	st := newState()
	for _, c := range p.Conlist {
		switch c.Lval {
		case "ospf_network":
			if c.Rval.IsScalar() {
				st.OSPF.Networks = append(st.OSPF.Networks, "network "+c.Rval.Scalar)
			}
		case "bgp_asn":
			if c.Rval.IsScalar() {
				st.BGP.ASN = c.Rval.Scalar
			}
		case "bgp_neighbor":
			if c.Rval.IsScalar() {
				st.BGP.Neighbors = append(st.BGP.Neighbors, "neighbor "+c.Rval.Scalar)
			}
		case "interface_line":
			if c.Rval.IsScalar() {
				iface := st.Interfaces[p.Promiser]
				if iface == nil {
					iface = &InterfaceState{Name: p.Promiser}
					st.Interfaces[p.Promiser] = iface
				}
				iface.Lines = append(iface.Lines, c.Rval.Scalar)
			}
		}
	}
	return st
}

// KeepPromise implements actuator.Actuator: query the live state, diff
// against the promise's declared state, apply every remediation command,
// and roll the result up into a single Outcome.
func (a *Actuator) KeepPromise(ctx context.Context, p *policy.Promise, ectx *evalctx.Context) (outcome.Outcome, error) {
	current, err := a.QueryState(ctx)
	if err != nil {
		if a.log != nil {
			a.log.ErrorLog(ctx, "routing actuator failed to query state", err, nil)
		}
		return outcome.FAIL, err
	}
	desired := DesiredStateFromPromise(p)

	cmds := ComputeDiff(desired, current)
	if len(cmds) == 0 {
		return outcome.KEPT, nil
	}

	if a.log != nil {
		diff := pretty.Compare(current, desired)
		a.log.Verbose(ctx, "routing diff computed", logrus.Fields{"diff": diff, "commands": len(cmds)})
	}

	var failed bool
	for _, cmd := range cmds {
		if err := a.Apply(ctx, cmd); err != nil {
			failed = true
			if a.log != nil {
				a.log.ErrorLog(ctx, "routing remediation command failed", err, nil)
			}
		}
	}
	if failed {
		return outcome.FAIL, nil
	}
	return outcome.REPAIRED, nil
}
