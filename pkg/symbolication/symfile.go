package symbolication

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

var (
	ErrBadDebugID    = errors.New("debug id does not match")
	ErrMissingModule = errors.New("missing MODULE record")
	ErrMalformed     = errors.New("malformed record")
)

// ParseError reports symbol file content that cannot be used.
type ParseError struct {
	Module string
	Line   int
	Err    error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parsing symbols for %s: line %d: %v", e.Module, e.Line, e.Err)
	}
	return fmt.Sprintf("parsing symbols for %s: %v", e.Module, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Symbol is the entry an address resolves to.
type Symbol struct {
	Address uint64 `json:"a"`
	Name    string `json:"n"`
	// Public entries come from PUBLIC records and carry no line data.
	Public bool   `json:"p,omitempty"`
	Lines  []Line `json:"l,omitempty"`
}

// Line maps an address range inside a function to a source position.
type Line struct {
	Address uint64 `json:"a"`
	Size    uint64 `json:"s"`
	Line    int    `json:"l"`
	File    int    `json:"f"`
}

// SymbolMap is the parsed, address-sorted content of one symbol file.
type SymbolMap struct {
	Found     bool           `json:"found"`
	OS        string         `json:"os,omitempty"`
	Arch      string         `json:"arch,omitempty"`
	DebugID   string         `json:"debug_id,omitempty"`
	DebugFile string         `json:"debug_file,omitempty"`
	CodeID    string         `json:"code_id,omitempty"`
	CodeFile  string         `json:"code_file,omitempty"`
	Generator string         `json:"generator,omitempty"`
	Symbols   []Symbol       `json:"symbols,omitempty"`
	Files     map[int]string `json:"files,omitempty"`
}

// Match is the result of a successful lookup.
type Match struct {
	Name           string
	FunctionOffset int64
	File           string
	Line           int
}

// Lookup finds the nearest symbol at or before addr.
func (m *SymbolMap) Lookup(addr uint64) (Match, bool) {
	if m == nil || len(m.Symbols) == 0 {
		return Match{}, false
	}
	i := sort.Search(len(m.Symbols), func(i int) bool { return m.Symbols[i].Address > addr })
	if i == 0 {
		return Match{}, false
	}
	s := &m.Symbols[i-1]
	match := Match{Name: s.Name, FunctionOffset: int64(addr - s.Address)}
	if l, ok := s.line(addr); ok {
		match.File = m.Files[l.File]
		match.Line = l.Line
	}
	return match, true
}

func (s *Symbol) line(addr uint64) (Line, bool) {
	j := sort.Search(len(s.Lines), func(j int) bool { return s.Lines[j].Address > addr })
	if j == 0 {
		return Line{}, false
	}
	l := s.Lines[j-1]
	if addr >= l.Address+l.Size {
		return Line{}, false
	}
	return l, true
}

// ParseSymbolFile reads a symbol file. The declared debug id must match
// debugID, ignoring case.
func ParseSymbolFile(r io.Reader, module, debugID string) (*SymbolMap, error) {
	m := &SymbolMap{Found: true, Files: map[int]string{}}
	byAddr := map[uint64]*Symbol{}
	var current *Symbol
	seenModule := false

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	perr := func(err error) error { return &ParseError{Module: module, Line: lineNo, Err: err} }

	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		if !seenModule {
			if !strings.HasPrefix(line, "MODULE ") {
				return nil, perr(ErrMissingModule)
			}
			f := strings.SplitN(line, " ", 5)
			if len(f) != 5 {
				return nil, perr(fmt.Errorf("%w: MODULE", ErrMalformed))
			}
			seenModule = true
			m.OS, m.Arch, m.DebugID, m.DebugFile = f[1], f[2], strings.ToUpper(f[3]), f[4]
			if !strings.EqualFold(m.DebugID, debugID) {
				return nil, perr(fmt.Errorf("%w: file declares %s, requested %s", ErrBadDebugID, m.DebugID, strings.ToUpper(debugID)))
			}
			continue
		}

		keyword, rest, _ := strings.Cut(line, " ")
		switch keyword {
		case "INFO":
			kind, value, _ := strings.Cut(rest, " ")
			switch kind {
			case "CODE_ID":
				m.CodeID, m.CodeFile, _ = strings.Cut(value, " ")
			case "GENERATOR":
				m.Generator = value
			}
			current = nil
		case "FILE":
			num, name, ok := strings.Cut(rest, " ")
			n, err := strconv.Atoi(num)
			if !ok || err != nil {
				return nil, perr(fmt.Errorf("%w: FILE", ErrMalformed))
			}
			m.Files[n] = name
			current = nil
		case "FUNC":
			f := splitOptionalMulti(rest, 4)
			if len(f) != 4 {
				return nil, perr(fmt.Errorf("%w: FUNC", ErrMalformed))
			}
			addr, err := strconv.ParseUint(f[0], 16, 64)
			if err != nil {
				return nil, perr(fmt.Errorf("%w: FUNC address %q", ErrMalformed, f[0]))
			}
			s := byAddr[addr]
			switch {
			case s == nil:
				s = &Symbol{Address: addr, Name: f[3]}
				byAddr[addr] = s
			case !s.Public:
				*s = Symbol{Address: addr, Name: f[3]}
			}
			// Line records following a FUNC belong to it, even when a
			// PUBLIC at the same address owns the name.
			current = s
		case "PUBLIC":
			f := splitOptionalMulti(rest, 3)
			if len(f) != 3 {
				return nil, perr(fmt.Errorf("%w: PUBLIC", ErrMalformed))
			}
			addr, err := strconv.ParseUint(f[0], 16, 64)
			if err != nil {
				return nil, perr(fmt.Errorf("%w: PUBLIC address %q", ErrMalformed, f[0]))
			}
			s := byAddr[addr]
			if s == nil {
				s = &Symbol{Address: addr}
				byAddr[addr] = s
			}
			s.Name, s.Public = f[2], true
			current = nil
		case "STACK", "INLINE", "INLINE_ORIGIN":
			current = nil
		default:
			if current == nil {
				continue
			}
			l, ok := parseLineRecord(line)
			if !ok {
				return nil, perr(fmt.Errorf("%w: line record", ErrMalformed))
			}
			current.Lines = append(current.Lines, l)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, &ParseError{Module: module, Err: err}
	}
	if !seenModule {
		return nil, &ParseError{Module: module, Err: ErrMissingModule}
	}

	m.Symbols = make([]Symbol, 0, len(byAddr))
	for _, s := range byAddr {
		sort.Slice(s.Lines, func(i, j int) bool { return s.Lines[i].Address < s.Lines[j].Address })
		m.Symbols = append(m.Symbols, *s)
	}
	sort.Slice(m.Symbols, func(i, j int) bool { return m.Symbols[i].Address < m.Symbols[j].Address })
	if len(m.Files) == 0 {
		m.Files = nil
	}
	return m, nil
}

// splitOptionalMulti splits FUNC/PUBLIC fields, skipping the optional "m"
// marker and keeping spaces in the trailing name.
func splitOptionalMulti(s string, n int) []string {
	if strings.HasPrefix(s, "m ") {
		s = s[2:]
	}
	return strings.SplitN(s, " ", n)
}

func parseLineRecord(s string) (Line, bool) {
	f := strings.Fields(s)
	if len(f) != 4 {
		return Line{}, false
	}
	addr, err1 := strconv.ParseUint(f[0], 16, 64)
	size, err2 := strconv.ParseUint(f[1], 16, 64)
	line, err3 := strconv.Atoi(f[2])
	file, err4 := strconv.Atoi(f[3])
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return Line{}, false
	}
	return Line{Address: addr, Size: size, Line: line, File: file}, true
}
