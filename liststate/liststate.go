// Package liststate loads an immutable snapshot of the mailing lists served
// by this server. The snapshot is built once at startup and shared read-only
// by every connection; picking up changed list files requires restarting the
// server.
package liststate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/mailingset/mailingset/setexpr"
)

// Mailing lists may not be nested more deeply than this. Nesting deeper than
// this probably means the list files contain a cycle.
const nestLimit = 10

// State resolves mailing list names and individual identifiers to subject
// symbols and recipient address sets. It implements setexpr.Resolver via the
// Lookup method.
//
// An individual identifier is the username, the first, middle or last name,
// or the period-concatenated full name of a list member, as long as it
// uniquely identifies one person across all lists.
type State struct {
	lists map[string]setexpr.Set
	// aliases maps individual identifiers to an address. An identifier
	// claimed by more than one person stays in the map with an empty
	// value so it can be reported as ambiguous rather than unknown.
	aliases map[string]string
	// symbols maps list names and member addresses to subject-tag
	// symbols. List symbols come from the symbols file; an individual's
	// symbol is their initials in lowercase.
	symbols map[string]string
}

// New loads list membership from the files in listsDir, subject symbols from
// symbolsFile, and flattens lists nested under the given domain. It fails if
// any list lacks a symbol or if nesting exceeds the depth limit.
func New(listsDir, symbolsFile, domain string) (*State, error) {
	names, err := listNames(listsDir)
	if err != nil {
		return nil, err
	}

	members := make(map[string][]member, len(names))
	for _, name := range names {
		m, err := readMembers(listsDir, name)
		if err != nil {
			return nil, err
		}
		members[name] = m
	}

	lists, err := flattenLists(members, domain)
	if err != nil {
		return nil, err
	}

	symbols, err := loadSymbols(symbolsFile, members)
	if err != nil {
		return nil, err
	}

	s := &State{
		lists:   lists,
		aliases: loadAliases(members),
		symbols: symbols,
	}
	return s, s.checkSymbols()
}

// Lookup resolves a mailing list name or individual identifier. Treating the
// input as a list name takes precedence over treating it as a person, so a
// message can always be addressed to every list on the server.
func (s *State) Lookup(val string) (string, setexpr.Set, error) {
	val = strings.ToLower(val)
	if addrs, ok := s.lists[val]; ok {
		return s.symbols[val], addrs, nil
	}
	if addr, ok := s.aliases[val]; ok {
		if addr == "" {
			return "", nil, &setexpr.SyntaxError{Msg: "Ambiguous person: " + val}
		}
		return s.symbols[addr], setexpr.NewSet(addr), nil
	}
	return "", nil, &setexpr.SyntaxError{Msg: "No such list or person: " + val}
}

// member is one line of a list file: an optional display name and an email
// address.
type member struct {
	name string
	addr string
}

// listNames returns the names of the mailing lists on this server. A mailing
// list is a regular file in the lists directory; the list is named after the
// file.
func listNames(listsDir string) ([]string, error) {
	entries, err := os.ReadDir(listsDir)
	if err != nil {
		return nil, fmt.Errorf("can't read the lists directory: %v", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// readMembers reads the membership of one list. Each non-blank line of the
// file is one member in a format used by the GNU Mailman list_members
// command: a bare address, "First Last <addr>", or `"First Last" <addr>`.
func readMembers(listsDir, listname string) ([]member, error) {
	raw, err := os.ReadFile(filepath.Join(listsDir, listname))
	if err != nil {
		return nil, fmt.Errorf("can't read list %q: %v", listname, err)
	}
	var members []member
	for _, line := range strings.Split(string(raw), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		members = append(members, splitLine(line))
	}
	return members, nil
}

// splitLine separates a member line into a display name and an address. No
// meaningful validation is done; the result is undefined for input outside
// the Mailman formats.
func splitLine(line string) member {
	before, after, found := strings.Cut(line, "<")
	if !found {
		return member{addr: strings.ToLower(strings.TrimSpace(line))}
	}
	name := strings.TrimSpace(before)
	name = strings.TrimSpace(strings.Trim(name, `"`))
	name = strings.TrimSpace(strings.ReplaceAll(name, `\`, ""))
	addr := strings.ToLower(strings.TrimRight(strings.TrimSpace(after), ">"))
	return member{name: name, addr: addr}
}

// flattenLists expands lists that contain other lists. A member address
// local@<domain> whose local part names another list is replaced by that
// list's members, recursively.
func flattenLists(members map[string][]member, domain string) (map[string]setexpr.Set, error) {
	raw := make(map[string]setexpr.Set, len(members))
	for name, ms := range members {
		addrs := setexpr.NewSet()
		for _, m := range ms {
			addrs.Add(m.addr)
		}
		raw[name] = addrs
	}

	lists := make(map[string]setexpr.Set, len(raw))
	for name := range raw {
		flat, err := flatten(name, raw, domain, 0)
		if err != nil {
			return nil, err
		}
		lists[name] = flat
	}
	return lists, nil
}

func flatten(name string, raw map[string]setexpr.Set, domain string, depth int) (setexpr.Set, error) {
	if depth > nestLimit {
		return nil, errors.New("maximum recursion depth exceeded; lists might have a cycle")
	}
	result := setexpr.NewSet()
	for addr := range raw[name] {
		local, dom, found := strings.Cut(addr, "@")
		if _, isList := raw[local]; found && dom == domain && isList {
			nested, err := flatten(local, raw, domain, depth+1)
			if err != nil {
				return nil, err
			}
			for a := range nested {
				result.Add(a)
			}
		} else {
			result.Add(addr)
		}
	}
	return result, nil
}

var invalidAliasChars = regexp.MustCompile(`[^a-z0-9.]`)

// loadAliases builds the map of individual identifiers. An identifier that
// applies to more than one person, such as a common first name, stays in the
// map with an empty value.
func loadAliases(members map[string][]member) map[string]string {
	aliases := make(map[string]string)
	setIfAbsent := func(key, value string, clean bool) {
		if clean {
			key = invalidAliasChars.ReplaceAllString(key, "")
		}
		if existing, ok := aliases[key]; ok && existing != value {
			aliases[key] = ""
			return
		}
		aliases[key] = value
	}

	for _, ms := range members {
		for _, m := range ms {
			if m.name == "" {
				continue
			}

			// Username
			local, _, _ := strings.Cut(m.addr, "@")
			setIfAbsent(local, m.addr, false)

			// First name, middle name, last name
			parts := strings.Fields(strings.ToLower(m.name))
			for _, part := range parts {
				setIfAbsent(part, m.addr, true)
			}

			// Period-concatenated full name
			setIfAbsent(strings.Join(parts, "."), m.addr, true)
		}
	}
	return aliases
}

// loadSymbols reads the list symbols file, where each line has the format
// "list-name:SYM", and adds a lowercase-initials symbol for each named list
// member.
func loadSymbols(symbolsFile string, members map[string][]member) (map[string]string, error) {
	raw, err := os.ReadFile(symbolsFile)
	if err != nil {
		return nil, fmt.Errorf("can't read the symbols file: %v", err)
	}

	symbols := make(map[string]string)
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		listname, symbol, found := strings.Cut(line, ":")
		if !found {
			return nil, fmt.Errorf("malformed symbols line: %q", line)
		}
		symbols[strings.ToLower(listname)] = symbol
	}

	for _, ms := range members {
		for _, m := range ms {
			if m.name == "" {
				continue
			}
			var initials strings.Builder
			for _, word := range strings.Fields(m.name) {
				initials.WriteString(word[:1])
			}
			symbols[strings.ToLower(m.addr)] = strings.ToLower(initials.String())
		}
	}
	return symbols, nil
}

// checkSymbols verifies that a symbol has been defined for every mailing
// list, so subject tagging never has to invent one.
func (s *State) checkSymbols() error {
	var missing []string
	for name := range s.lists {
		if _, ok := s.symbols[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("these mailing lists are missing symbols: %s", strings.Join(missing, ", "))
	}
	return nil
}
