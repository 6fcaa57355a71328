package policy

// Merge concatenates the bundles and bodies of a and b into a new Policy,
// in (a, b) order, with no deduplication — an overriding bundle/body with
// the same key as one already present simply sits later in the slice, and
// GetBundle/GetBody's linear scan returns the first match it sees, so of
// two bundles/bodies with the same key the one from the earlier argument
// is the one found (§4.1 "policies from multiple
// sources concatenate; they do not overwrite in place").
func Merge(a, b *Policy) *Policy {
	out := &Policy{
		Bundles: make([]*Bundle, 0, len(a.Bundles)+len(b.Bundles)),
		Bodies:  make([]*Body, 0, len(a.Bodies)+len(b.Bodies)),
	}
	out.Bundles = append(out.Bundles, a.Bundles...)
	out.Bundles = append(out.Bundles, b.Bundles...)
	out.Bodies = append(out.Bodies, a.Bodies...)
	out.Bodies = append(out.Bodies, b.Bodies...)
	if a.ReleaseID != "" {
		out.ReleaseID = a.ReleaseID
	} else {
		out.ReleaseID = b.ReleaseID
	}
	return out
}

// MergeAll folds Merge across policies in order; an empty argument list
// returns an empty Policy.
func MergeAll(policies ...*Policy) *Policy {
	out := NewPolicy()
	for _, p := range policies {
		out = Merge(out, p)
	}
	return out
}
