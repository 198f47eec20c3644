// Package redact masks personally identifiable data before it reaches logs.
// Recipient addresses show up in almost every pipeline log line, so the rule
// is uniform: domains stay visible for debugging deliverability, local parts
// do not.
package redact

import "strings"

// Email masks the local part of an address, keeping the domain:
// "john.doe@example.com" becomes "jo***@example.com". Local parts of two
// characters or fewer are masked entirely, and anything that does not look
// like an address at all comes back as "***@***".
func Email(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return "***@***"
	}
	local, domain := addr[:at], addr[at+1:]
	if len(local) <= 2 {
		return "***@" + domain
	}
	return local[:2] + "***@" + domain
}

// List redacts every address and joins them for a single log field.
func List(addrs []string) string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = Email(a)
	}
	return strings.Join(out, ", ")
}
