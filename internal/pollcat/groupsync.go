package pollcat

// MissingMembers returns the members of desired not present in existing, in
// the order they first appear in desired. Group synchronization only ever
// appends this difference, so existing members are never removed.
func MissingMembers(desired, existing []string) []string {
	have := make(map[string]struct{}, len(existing)+len(desired))
	for _, m := range existing {
		have[m] = struct{}{}
	}

	var missing []string
	for _, m := range desired {
		if _, ok := have[m]; ok {
			continue
		}
		have[m] = struct{}{}
		missing = append(missing, m)
	}
	return missing
}
