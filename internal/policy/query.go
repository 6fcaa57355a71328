package policy

import "strings"

// splitNamespaceQualified splits "ns:local" into ("ns", "local"); a name
// with no colon is returned unqualified with ns == "".
func splitNamespaceQualified(name string) (ns, local string) {
	if i := strings.IndexByte(name, ':'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}

// GetBundle resolves a bundle reference by type and (possibly
// namespace-qualified) name. When callerNS is non-nil and name carries no
// "ns:" qualifier, lookup is scoped to *callerNS first, then
// DefaultNamespace; if neither holds a match, every namespace is scanned
// (spec "ns=None means any namespace"; original_source/libpromises/policy.c
// PolicyGetBundle ~L280-332 falls all the way through to an any-namespace
// scan when no namespace filter pins the lookup down).
func (p *Policy) GetBundle(callerNS *string, typ BundleType, name string) *Bundle {
	ns, local := splitNamespaceQualified(name)
	if ns != "" {
		return p.findBundle(ns, typ, local)
	}
	if callerNS != nil {
		if b := p.findBundle(*callerNS, typ, local); b != nil {
			return b
		}
	}
	if b := p.findBundle(DefaultNamespace, typ, local); b != nil {
		return b
	}
	return p.findBundleAnyNS(typ, local)
}

func (p *Policy) findBundle(ns string, typ BundleType, name string) *Bundle {
	for _, b := range p.Bundles {
		if b.Namespace == ns && b.Type == typ && b.Name == name {
			return b
		}
	}
	return nil
}

// findBundleAnyNS scans every namespace, ignoring it entirely — the "ns=None"
// fallback once callerNS and DefaultNamespace have both missed.
func (p *Policy) findBundleAnyNS(typ BundleType, name string) *Bundle {
	for _, b := range p.Bundles {
		if b.Type == typ && b.Name == name {
			return b
		}
	}
	return nil
}

// GetBody resolves a body reference by type and (possibly
// namespace-qualified) name, with the same scoping rule as GetBundle
// (callerNS, then DefaultNamespace, then any namespace).
func (p *Policy) GetBody(callerNS *string, typ, name string) *Body {
	ns, local := splitNamespaceQualified(name)
	if ns != "" {
		return p.findBody(ns, typ, local)
	}
	if callerNS != nil {
		if b := p.findBody(*callerNS, typ, local); b != nil {
			return b
		}
	}
	if b := p.findBody(DefaultNamespace, typ, local); b != nil {
		return b
	}
	return p.findBodyAnyNS(typ, local)
}

func (p *Policy) findBody(ns, typ, name string) *Body {
	for _, b := range p.Bodies {
		if b.Namespace == ns && b.Type == typ && b.Name == name {
			return b
		}
	}
	return nil
}

// findBodyAnyNS scans every namespace, ignoring it entirely — the "ns=None"
// fallback once callerNS and DefaultNamespace have both missed.
func (p *Policy) findBodyAnyNS(typ, name string) *Body {
	for _, b := range p.Bodies {
		if b.Type == typ && b.Name == name {
			return b
		}
	}
	return nil
}

// BundlesOfType returns every bundle of the given type, in source order;
// used by the agent daemon to find its bun(s) of type "agent"/"server".
func (p *Policy) BundlesOfType(typ BundleType) []*Bundle {
	var out []*Bundle
	for _, b := range p.Bundles {
		if b.Type == typ {
			out = append(out, b)
		}
	}
	return out
}
