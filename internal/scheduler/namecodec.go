package scheduler

import "strings"

// EncodeName maps a Waiter service-id to a cluster-legal workload name (spec
// §4.2). Expected input shape: "<prefix>-<x:8><y:><z:8>" where x, y, z are hex
// segments of a hash; y is whatever sits between the fixed-width x and z
// segments. The budget available for the hash suffix is
// maxNameLength - podSuffixLength - 1 (the "-1" accounts for the separator
// between prefix and hash suffix). When that budget is >= 48, the full hash
// x+y+z is preserved; otherwise only x+z survives. Whatever budget remains
// goes to prefix, truncated from the right.
func EncodeName(serviceID string, maxNameLength, podSuffixLength int) string {
	prefix, x, y, z := splitServiceID(serviceID)
	budget := maxNameLength - podSuffixLength - 1
	if budget < 0 {
		budget = 0
	}

	var hashSuffix string
	if budget >= 48 {
		hashSuffix = x + y + z
	} else {
		hashSuffix = x + z
	}
	if len(hashSuffix) > budget {
		hashSuffix = hashSuffix[:budget]
	}

	prefixBudget := budget - len(hashSuffix) - 1 // "-1" for the separator
	if prefixBudget < 0 {
		prefixBudget = 0
	}
	if len(prefix) > prefixBudget {
		prefix = prefix[:prefixBudget]
	}

	if hashSuffix == "" {
		return prefix
	}
	if prefix == "" {
		return hashSuffix
	}
	return prefix + "-" + hashSuffix
}

// leaderPrefix is the fixed product-name segment every Waiter service-id
// starts with; it carries no collision-resistance value so the codec drops
// it before budgeting prefix length (matching S1/S2's "waiter-myapp-<hash>"
// -> "myapp-<hash>" behavior).
const leaderPrefix = "waiter-"

// splitServiceID parses "<prefix>-<x:8><y:><z:8>" into its four pieces. The
// trailing hash segment is the last 32 hex characters of the service-id (a
// UUID-without-dashes digest, per S1/S2). x is the first 8 hex chars of that
// block, z is the last 8, y is whatever sits between them; prefix is
// everything before the block's leading "-", with the leaderPrefix stripped.
func splitServiceID(serviceID string) (prefix, x, y, z string) {
	const hashLen = 32
	if len(serviceID) <= hashLen {
		return serviceID, "", "", ""
	}
	splitAt := len(serviceID) - hashLen
	hashBlock := serviceID[splitAt:]
	prefixPart := serviceID[:splitAt]
	prefixPart = strings.TrimSuffix(prefixPart, "-")
	prefixPart = strings.TrimPrefix(prefixPart, leaderPrefix)

	if len(hashBlock) < 16 {
		return prefixPart, hashBlock, "", ""
	}
	x = hashBlock[:8]
	z = hashBlock[len(hashBlock)-8:]
	y = hashBlock[8 : len(hashBlock)-8]
	return prefixPart, x, y, z
}
