package pkgid

// IsSatisfiedBy reports whether an installed version meets req.
//
// Latest is satisfied by any candidate: it means "accept whatever is newest",
// and whether the candidate really is the newest is a separate question.
func IsSatisfiedBy(req VersionSpec, candidate uint32) bool {
	switch req.Kind {
	case Exact:
		return candidate == req.Number
	case Latest:
		return true
	default:
		return candidate >= req.Number
	}
}
