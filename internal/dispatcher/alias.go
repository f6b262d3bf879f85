package dispatcher

// resolveCanonicalBotID applies the router snapshot's alias map to a raw
// selfId. Idempotent: returns the id unchanged if it is not a key in the
// alias map (spec §8).
func resolveCanonicalBotID(aliases map[string]string, selfID string) string {
	if canonical, ok := aliases[selfID]; ok {
		return canonical
	}
	return selfID
}
