// File: protocol/address.go
// Author: momentics <momentics@gmail.com>

package protocol

import "strings"

// MatchAddress reports whether address satisfies rule, ignoring case:
//
//	""                  matches every address
//	"@example.org"      matches any address in example.org
//	"example.org"       same as "@example.org"
//	"user@"             matches local part "user" in any domain
//	"user@example.org"  matches that exact address
func MatchAddress(rule, address string) bool {
	rule = strings.TrimSpace(rule)
	if rule == "" {
		return true
	}
	local, domain := SplitAddress(address)
	at := strings.LastIndexByte(rule, '@')
	switch {
	case at < 0:
		return strings.EqualFold(rule, domain)
	case at == 0:
		return strings.EqualFold(rule[1:], domain)
	case at == len(rule)-1:
		return strings.EqualFold(rule[:at], local)
	}
	return strings.EqualFold(rule[:at], local) && strings.EqualFold(rule[at+1:], domain)
}
