// Package apiset resolves a virtual api-*.dll module name to the real
// host DLL that backs it, via the schema host.Services.APISet returns.
// Grounded on tun/wintun/memmod_windows.go's buildImportTable, which
// loads every import descriptor's name through windows.LoadLibraryEx
// directly — here that single LoadLibraryEx call is split into "find the
// real host name" (this package) and "load it" (the loader package),
// since this module re-implements the lookup instead of delegating to
// the OS loader.
package apiset

import (
	"sort"
	"strings"

	"github.com/darkit/winpacker/host"
)

const prefix = "api-"

// IsVirtualName reports whether name begins with the api-set prefix.
// The prefix check is byte-for-byte case-sensitive, matching spec.md
// §4.4's note that the schema's own prefix is always lowercase.
func IsVirtualName(name string) bool {
	return strings.HasPrefix(name, prefix)
}

// Redirect resolves a virtual module name (e.g. "api-ms-win-core-heap-
// l1-1-0.dll") to the real host module it maps to. matched is false if
// name isn't a recognized api-set contract, in which case the caller
// should fall through to the normal import resolver.
func Redirect(name string, h host.Services) (hostModule string, matched bool, err error) {
	if !IsVirtualName(name) {
		return "", false, nil
	}

	contract := strings.TrimSuffix(name, ".dll")
	contract = strings.TrimSuffix(contract, ".DLL")

	schema, err := h.APISet()
	if err != nil {
		return "", false, err
	}

	entry, found := lookup(schema.Entries, contract)
	if !found {
		return "", false, nil
	}

	for i := len(entry.Hosts) - 1; i >= 0; i-- {
		if entry.Hosts[i].Name != "" {
			return entry.Hosts[i].Name, true, nil
		}
	}
	return "", false, nil
}

// lookup binary-searches entries (must be sorted by Name in byte order)
// for an exact match against contract.
//
// spec.md §9 flags the original comparison loop as ambiguous: it walks
// i = 0..NameLength/2-1 and returns on the first differing character via
// the loop variable left over after the loop, which is wrong for a key
// that is a proper prefix of the table entry's name. This resolves that
// open question (spec.md §9, REDESIGN) with a strict comparator for the
// match: compare lengths first, and only compare bytes when the lengths
// already match. The search itself follows the entries' byte order.
func lookup(entries []host.ApiSetEntry, contract string) (host.ApiSetEntry, bool) {
	i := sort.Search(len(entries), func(i int) bool {
		return strings.Compare(entries[i].Name, contract) >= 0
	})
	if i < len(entries) && compare(entries[i].Name, contract) == 0 {
		return entries[i], true
	}
	return host.ApiSetEntry{}, false
}

func compare(a, b string) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}
