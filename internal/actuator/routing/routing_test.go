package routing

import (
	"strings"
	"testing"

	"github.com/r3e-cfagent/cfagentd/internal/policy"
)

const sampleRunningConfig = `
!
interface eth0
 ip address 10.0.0.1/24
 no shutdown
!
router ospf
 network 10.0.0.0/24 area 0
 network 10.0.1.0/24 area 0
!
router bgp 65000
 neighbor 10.0.0.2 remote-as 65001
!
`

func TestParseRunningConfig_SplitsSectionsOnBang(t *testing.T) {
	st := parseRunningConfig(sampleRunningConfig)

	iface, ok := st.Interfaces["eth0"]
	if !ok {
		t.Fatalf("expected eth0 interface to be parsed")
	}
	if len(iface.Lines) != 2 {
		t.Fatalf("expected 2 interface lines, got %d: %v", len(iface.Lines), iface.Lines)
	}

	if len(st.OSPF.Networks) != 2 {
		t.Fatalf("expected 2 OSPF networks, got %d: %v", len(st.OSPF.Networks), st.OSPF.Networks)
	}

	if st.BGP.ASN != "65000" {
		t.Fatalf("expected BGP ASN 65000, got %q", st.BGP.ASN)
	}
	if len(st.BGP.Neighbors) != 1 {
		t.Fatalf("expected 1 BGP neighbor, got %d", len(st.BGP.Neighbors))
	}
}

func TestComputeDiff_AddsMissingAndRemovesExtra(t *testing.T) {
	current := parseRunningConfig(sampleRunningConfig)

	desired := newState()
	desired.OSPF.Networks = []string{"network 10.0.1.0/24 area 0", "network 10.0.2.0/24 area 0"}
	desired.BGP.ASN = "65000"
	desired.BGP.Neighbors = nil

	cmds := ComputeDiff(desired, current)

	var sawAdd, sawRemoveOSPF, sawRemoveNeighbor bool
	for _, c := range cmds {
		if strings.Contains(c, "network 10.0.2.0/24 area 0") && !strings.Contains(c, "no network") {
			sawAdd = true
		}
		if strings.Contains(c, "no network 10.0.0.0/24 area 0") {
			sawRemoveOSPF = true
		}
		if strings.Contains(c, "no neighbor 10.0.0.2 remote-as 65001") {
			sawRemoveNeighbor = true
		}
	}
	if !sawAdd {
		t.Fatalf("expected a command adding the new OSPF network, got %v", cmds)
	}
	if !sawRemoveOSPF {
		t.Fatalf("expected a command removing the stale OSPF network, got %v", cmds)
	}
	if !sawRemoveNeighbor {
		t.Fatalf("expected a command removing the stale BGP neighbor, got %v", cmds)
	}
}

func TestComputeDiff_NoChangesYieldsNoCommands(t *testing.T) {
	current := parseRunningConfig(sampleRunningConfig)
	desired := newState()
	desired.OSPF.Networks = append([]string(nil), current.OSPF.Networks...)
	desired.BGP = current.BGP
	for name, iface := range current.Interfaces {
		desired.Interfaces[name] = &InterfaceState{Name: name, Lines: append([]string(nil), iface.Lines...)}
	}

	cmds := ComputeDiff(desired, current)
	if len(cmds) != 0 {
		t.Fatalf("expected no remediation commands, got %v", cmds)
	}
}

func TestDesiredStateFromPromise(t *testing.T) {
	p := &policy.Promise{
		Promiser: "eth0",
		Conlist: []policy.Constraint{
			{Lval: "ospf_network", Rval: policy.Scalar("10.0.5.0/24 area 0")},
			{Lval: "bgp_asn", Rval: policy.Scalar("65000")},
			{Lval: "bgp_neighbor", Rval: policy.Scalar("10.0.5.2 remote-as 65002")},
			{Lval: "interface_line", Rval: policy.Scalar("ip address 10.0.5.1/24")},
		},
	}

	st := DesiredStateFromPromise(p)
	if len(st.OSPF.Networks) != 1 || st.OSPF.Networks[0] != "network 10.0.5.0/24 area 0" {
		t.Fatalf("unexpected OSPF networks: %v", st.OSPF.Networks)
	}
	if st.BGP.ASN != "65000" {
		t.Fatalf("unexpected BGP ASN: %q", st.BGP.ASN)
	}
	iface, ok := st.Interfaces["eth0"]
	if !ok || len(iface.Lines) != 1 {
		t.Fatalf("expected one interface line on eth0, got %+v", st.Interfaces)
	}
}
