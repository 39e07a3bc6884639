package ir

import (
	"fmt"
	"strings"
)

// Address identifies a single resource instance across configuration, plan
// and state. The canonical string form is:
//
//	[module.<module>.]<type>.<name>
//
// where <name> may carry an instance key suffix produced by count/for_each
// expansion, e.g. web[0] or bucket["logs"]. The key is part of the identity,
// so collection instances are correlated by key rather than position.
type Address struct {
	Module string // "" for the root module
	Type   string
	Name   string // includes the instance key suffix, if any
}

// String returns the canonical address form.
func (a Address) String() string {
	if a.Module != "" {
		return fmt.Sprintf("module.%s.%s.%s", a.Module, a.Type, a.Name)
	}
	return fmt.Sprintf("%s.%s", a.Type, a.Name)
}

// ParseAddress parses the canonical address form.
func ParseAddress(s string) (Address, error) {
	var addr Address
	rest := s
	if strings.HasPrefix(rest, "module.") {
		parts := strings.SplitN(rest, ".", 3)
		if len(parts) != 3 {
			return addr, fmt.Errorf("invalid resource address %q", s)
		}
		addr.Module = parts[1]
		rest = parts[2]
	}
	// The type may itself contain dots (e.g. aws:S3.Bucket), so split on the
	// last dot that is outside an instance-key bracket.
	idx := lastAddressDot(rest)
	if idx <= 0 || idx >= len(rest)-1 {
		return addr, fmt.Errorf("invalid resource address %q, expected format type.name", s)
	}
	addr.Type = rest[:idx]
	addr.Name = rest[idx+1:]
	return addr, nil
}

// lastAddressDot returns the index of the dot separating type from name:
// the last dot not inside a bracketed instance key.
func lastAddressDot(s string) int {
	depth := 0
	last := -1
	for i, r := range s {
		switch r {
		case '[':
			depth++
		case ']':
			depth--
		case '.':
			if depth == 0 {
				last = i
			}
		}
	}
	return last
}

// InstanceKey returns the instance key portion of the name ("0", `"logs"`)
// and whether the address has one.
func (a Address) InstanceKey() (string, bool) {
	open := strings.IndexByte(a.Name, '[')
	if open < 0 || !strings.HasSuffix(a.Name, "]") {
		return "", false
	}
	return a.Name[open+1 : len(a.Name)-1], true
}
