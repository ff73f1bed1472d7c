package linker

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/wippyai/js-runtime/errors"
)

// Transform rewrites an ES module source into a compilable wrapper closure.
//
// The wrapper has the shape
//
//	(function(__import, __dynamicImport, __meta, __export) {
//	    "use strict";
//	    return (async function() { <body> ;__export({...}); })();
//	})
//
// so evaluating a module means calling the wrapper with host closures and
// receiving the internal evaluation promise; top-level await is just await
// inside the async body. Static import declarations become awaited
// __import calls, import() becomes __dynamicImport(, and import.meta
// becomes __meta.
//
// The scanner handles the declarative subset of module syntax: import
// default/named/namespace/bare forms, export declarations (const/let/var
// with a terminating semicolon, function, async function, class, default)
// and export name lists. Re-exports (export ... from) and destructuring
// exports are rejected at fetch time.
func Transform(specifier, source string, media MediaKind) (string, []string, error) {
	if media == MediaJSON {
		body := "const __default = JSON.parse(" + quoteJS(source) + ");"
		return assemble(body, []exportBinding{{exported: "default", local: "__default"}}), nil, nil
	}

	sc := &scanner{
		specifier: specifier,
		src:       source,
		mask:      maskSource(source),
	}
	body, err := sc.run()
	if err != nil {
		return "", nil, err
	}
	body = rewriteTokens(body)
	return assemble(body, sc.exports), sc.requests, nil
}

type exportBinding struct {
	exported string
	local    string
}

func assemble(body string, exports []exportBinding) string {
	var b strings.Builder
	b.WriteString("(function(__import, __dynamicImport, __meta, __export) {\n")
	b.WriteString("\"use strict\";\n")
	b.WriteString("return (async function() {\n")
	b.WriteString(body)
	b.WriteString("\n;__export({")
	for i, e := range exports {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%q: %s", e.exported, e.local)
	}
	b.WriteString("});\n})();\n})\n")
	return b.String()
}

type scanner struct {
	specifier string
	src       string
	mask      []bool

	out       strings.Builder
	requests  []string
	seenReq   map[string]bool
	exports   []exportBinding
	importTmp int
}

func (s *scanner) errf(format string, args ...any) error {
	return errors.New(errors.PhaseFetch, errors.KindModuleLoad).
		Specifier(s.specifier).
		Detail(format, args...).
		Build()
}

func (s *scanner) addRequest(spec string) {
	if s.seenReq == nil {
		s.seenReq = make(map[string]bool)
	}
	if !s.seenReq[spec] {
		s.seenReq[spec] = true
		s.requests = append(s.requests, spec)
	}
}

func (s *scanner) run() (string, error) {
	depth := 0
	i := 0
	for i < len(s.src) {
		if s.mask[i] {
			s.out.WriteByte(s.src[i])
			i++
			continue
		}
		c := s.src[i]
		switch c {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		}
		if depth == 0 && s.wordAt(i, "import") && s.isDeclaration(i) {
			next, err := s.importDecl(i)
			if err != nil {
				return "", err
			}
			i = next
			continue
		}
		if depth == 0 && s.wordAt(i, "export") {
			next, err := s.exportDecl(i)
			if err != nil {
				return "", err
			}
			i = next
			continue
		}
		s.out.WriteByte(c)
		i++
	}
	return s.out.String(), nil
}

// wordAt reports whether the identifier w starts at i with word boundaries
// on both sides.
func (s *scanner) wordAt(i int, w string) bool {
	if i+len(w) > len(s.src) || s.src[i:i+len(w)] != w {
		return false
	}
	if i > 0 && isIdentChar(s.src[i-1]) {
		return false
	}
	if i+len(w) < len(s.src) && isIdentChar(s.src[i+len(w)]) {
		return false
	}
	return true
}

// isDeclaration distinguishes an import declaration from import( and
// import.meta, and from property accesses like obj.import.
func (s *scanner) isDeclaration(i int) bool {
	for p := i - 1; p >= 0; p-- {
		if s.mask[p] || isSpace(s.src[p]) {
			continue
		}
		if s.src[p] == '.' {
			return false
		}
		break
	}
	j := s.skipSpace(i + len("import"))
	if j < len(s.src) && (s.src[j] == '(' || s.src[j] == '.') {
		return false
	}
	return true
}

func (s *scanner) skipSpace(i int) int {
	for i < len(s.src) && !s.mask[i] && isSpace(s.src[i]) {
		i++
	}
	return i
}

// specifierString finds the next string literal at or after i and returns
// its contents plus the index just past the closing quote.
func (s *scanner) specifierString(i int) (string, int, error) {
	for ; i < len(s.src); i++ {
		if s.mask[i] && (s.src[i] == '"' || s.src[i] == '\'') && (i == 0 || !s.mask[i-1]) {
			quote := s.src[i]
			for k := i + 1; k < len(s.src); k++ {
				if s.src[k] == '\\' {
					k++
					continue
				}
				if s.src[k] == quote {
					return s.src[i+1 : k], k + 1, nil
				}
			}
			return "", 0, s.errf("unterminated module specifier string")
		}
	}
	return "", 0, s.errf("import declaration missing specifier string")
}

// consumeTerminator skips whitespace and one optional semicolon.
func (s *scanner) consumeTerminator(i int) int {
	i = s.skipSpace(i)
	if i < len(s.src) && !s.mask[i] && s.src[i] == ';' {
		i++
	}
	return i
}

func (s *scanner) importDecl(i int) (int, error) {
	clauseStart := i + len("import")
	spec, afterSpec, err := s.specifierString(clauseStart)
	if err != nil {
		return 0, err
	}
	// The clause runs from "import" to the specifier string; peel the
	// trailing "from" keyword if present.
	clauseEnd := afterSpec - len(spec) - 2
	clause := strings.TrimSpace(s.src[clauseStart:clauseEnd])
	bare := clause == ""
	if !bare {
		if !strings.HasSuffix(clause, "from") {
			return 0, s.errf("malformed import declaration for %q", spec)
		}
		clause = strings.TrimSpace(strings.TrimSuffix(clause, "from"))
		if clause == "" {
			return 0, s.errf("malformed import declaration for %q", spec)
		}
	}

	s.addRequest(spec)
	end := s.consumeTerminator(afterSpec)

	if bare {
		fmt.Fprintf(&s.out, "await __import(%q);", spec)
		return end, nil
	}

	tmp := fmt.Sprintf("__mod%d", s.importTmp)
	s.importTmp++
	fmt.Fprintf(&s.out, "const %s = await __import(%q);", tmp, spec)

	for _, part := range splitBindings(clause) {
		part = strings.TrimSpace(part)
		switch {
		case part == "":
			continue
		case strings.HasPrefix(part, "{"):
			inner := strings.TrimSpace(strings.Trim(part, "{}"))
			if inner != "" {
				fmt.Fprintf(&s.out, " const { %s } = %s;", renameAs(inner), tmp)
			}
		case strings.HasPrefix(part, "*"):
			ns := strings.TrimSpace(strings.TrimPrefix(part, "*"))
			ns = strings.TrimSpace(strings.TrimPrefix(ns, "as"))
			if ns == "" {
				return 0, s.errf("malformed namespace import for %q", spec)
			}
			fmt.Fprintf(&s.out, " const %s = %s;", ns, tmp)
		default:
			fmt.Fprintf(&s.out, " const %s = %s.default;", part, tmp)
		}
	}
	return end, nil
}

// splitBindings splits an import clause at top-level commas, keeping braced
// groups intact: "d, { a, b as c }" -> ["d", "{ a, b as c }"].
func splitBindings(clause string) []string {
	var parts []string
	depth := 0
	start := 0
	for i := 0; i < len(clause); i++ {
		switch clause[i] {
		case '{':
			depth++
		case '}':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, clause[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, clause[start:])
}

// renameAs converts "a as b" pairs into object destructuring form "a: b".
func renameAs(inner string) string {
	parts := strings.Split(inner, ",")
	for i, p := range parts {
		fields := strings.Fields(p)
		if len(fields) == 3 && fields[1] == "as" {
			parts[i] = fields[0] + ": " + fields[2]
		} else {
			parts[i] = strings.TrimSpace(p)
		}
	}
	return strings.Join(parts, ", ")
}

func (s *scanner) exportDecl(i int) (int, error) {
	j := s.skipSpace(i + len("export"))
	switch {
	case s.wordAt(j, "default"):
		s.exports = append(s.exports, exportBinding{exported: "default", local: "__default"})
		s.out.WriteString("const __default = ")
		return s.skipSpace(j + len("default")), nil

	case s.wordAt(j, "function"), s.wordAt(j, "class"), s.wordAt(j, "async"):
		name, err := s.declaredName(j)
		if err != nil {
			return 0, err
		}
		s.exports = append(s.exports, exportBinding{exported: name, local: name})
		// Keep the declaration itself; only the export prefix goes away.
		return j, nil

	case s.wordAt(j, "const"), s.wordAt(j, "let"), s.wordAt(j, "var"):
		return s.exportVarDecl(j)

	case j < len(s.src) && s.src[j] == '{':
		return s.exportList(j)

	case j < len(s.src) && s.src[j] == '*':
		return 0, s.errf("re-exports (export * from) are not supported")

	default:
		return 0, s.errf("unsupported export form")
	}
}

// declaredName extracts the identifier declared by a function/class/async
// function statement starting at i.
func (s *scanner) declaredName(i int) (string, error) {
	j := i
	for _, kw := range []string{"async", "function", "class"} {
		if s.wordAt(j, kw) {
			j = s.skipSpace(j + len(kw))
		}
	}
	// Generators: function* name() {}
	if j < len(s.src) && s.src[j] == '*' {
		j = s.skipSpace(j + 1)
	}
	start := j
	for j < len(s.src) && isIdentChar(s.src[j]) {
		j++
	}
	if start == j {
		return "", s.errf("exported declaration is missing a name")
	}
	return s.src[start:j], nil
}

// exportVarDecl handles "export const|let|var ...;". The declaration must be
// semicolon-terminated; it is emitted unchanged minus the export prefix.
func (s *scanner) exportVarDecl(j int) (int, error) {
	depth := 0
	end := -1
	for k := j; k < len(s.src); k++ {
		if s.mask[k] {
			continue
		}
		switch s.src[k] {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case ';':
			if depth == 0 {
				end = k
			}
		}
		if end >= 0 {
			break
		}
	}
	if end < 0 {
		return 0, s.errf("exported variable declarations must end with a semicolon")
	}

	decl := s.src[j:end]
	s.out.WriteString(decl)
	s.out.WriteByte(';')

	// Names: strip the keyword, split declarators at top-level commas.
	rest := decl
	for _, kw := range []string{"const", "let", "var"} {
		if strings.HasPrefix(rest, kw) {
			rest = rest[len(kw):]
			break
		}
	}
	for _, part := range splitDeclarators(rest) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if part[0] == '{' || part[0] == '[' {
			return 0, s.errf("destructuring exports are not supported")
		}
		k := 0
		for k < len(part) && isIdentChar(part[k]) {
			k++
		}
		if k == 0 {
			return 0, s.errf("malformed exported variable declaration")
		}
		name := part[:k]
		s.exports = append(s.exports, exportBinding{exported: name, local: name})
	}
	return end + 1, nil
}

// splitDeclarators splits a declaration list at commas outside any nesting.
func splitDeclarators(list string) []string {
	var parts []string
	depth := 0
	start := 0
	inStr := byte(0)
	for i := 0; i < len(list); i++ {
		c := list[i]
		if inStr != 0 {
			if c == '\\' {
				i++
			} else if c == inStr {
				inStr = 0
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			inStr = c
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, list[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, list[start:])
}

// exportList handles "export { a, b as c };" (without a from clause).
func (s *scanner) exportList(j int) (int, error) {
	end := -1
	for k := j + 1; k < len(s.src); k++ {
		if !s.mask[k] && s.src[k] == '}' {
			end = k
			break
		}
	}
	if end < 0 {
		return 0, s.errf("unterminated export list")
	}
	after := s.skipSpace(end + 1)
	if s.wordAt(after, "from") {
		return 0, s.errf("re-exports (export { } from) are not supported")
	}

	inner := s.src[j+1 : end]
	for _, part := range strings.Split(inner, ",") {
		fields := strings.Fields(part)
		switch len(fields) {
		case 0:
			continue
		case 1:
			s.exports = append(s.exports, exportBinding{exported: fields[0], local: fields[0]})
		case 3:
			if fields[1] != "as" {
				return 0, s.errf("malformed export list entry %q", strings.TrimSpace(part))
			}
			s.exports = append(s.exports, exportBinding{exported: fields[2], local: fields[0]})
		default:
			return 0, s.errf("malformed export list entry %q", strings.TrimSpace(part))
		}
	}
	return s.consumeTerminator(after), nil
}

// rewriteTokens rewrites dynamic import calls and import.meta references in
// an already import/export-free body.
func rewriteTokens(body string) string {
	mask := maskSource(body)
	var out strings.Builder
	i := 0
	for i < len(body) {
		if mask[i] {
			out.WriteByte(body[i])
			i++
			continue
		}
		if body[i] == 'i' && strings.HasPrefix(body[i:], "import") &&
			(i == 0 || !isIdentChar(body[i-1])) {
			j := i + len("import")
			for j < len(body) && isSpace(body[j]) {
				j++
			}
			if j < len(body) && body[j] == '(' {
				out.WriteString("__dynamicImport")
				i += len("import")
				continue
			}
			if strings.HasPrefix(body[j:], ".meta") {
				out.WriteString("__meta")
				i = j + len(".meta")
				continue
			}
		}
		out.WriteByte(body[i])
		i++
	}
	return out.String()
}

// maskSource marks every byte that is inside a string literal, template
// literal, or comment. Template substitutions (${...}) count as code.
func maskSource(src string) []bool {
	mask := make([]bool, len(src))

	const (
		stCode = iota
		stLineComment
		stBlockComment
		stSingle
		stDouble
		stTemplate
	)
	state := stCode
	braceDepth := 0
	var tplStack []int // saved braceDepths of enclosing template substitutions

	for i := 0; i < len(src); i++ {
		c := src[i]
		switch state {
		case stCode:
			switch {
			case c == '/' && i+1 < len(src) && src[i+1] == '/':
				state = stLineComment
				mask[i] = true
			case c == '/' && i+1 < len(src) && src[i+1] == '*':
				state = stBlockComment
				mask[i] = true
			case c == '\'':
				state = stSingle
				mask[i] = true
			case c == '"':
				state = stDouble
				mask[i] = true
			case c == '`':
				state = stTemplate
				mask[i] = true
			case c == '{':
				braceDepth++
			case c == '}':
				if braceDepth == 0 && len(tplStack) > 0 {
					braceDepth = tplStack[len(tplStack)-1]
					tplStack = tplStack[:len(tplStack)-1]
					state = stTemplate
					mask[i] = true
				} else if braceDepth > 0 {
					braceDepth--
				}
			}
		case stLineComment:
			if c == '\n' {
				state = stCode
			} else {
				mask[i] = true
			}
		case stBlockComment:
			mask[i] = true
			if c == '*' && i+1 < len(src) && src[i+1] == '/' {
				mask[i+1] = true
				i++
				state = stCode
			}
		case stSingle, stDouble:
			mask[i] = true
			if c == '\\' {
				if i+1 < len(src) {
					mask[i+1] = true
					i++
				}
			} else if (state == stSingle && c == '\'') || (state == stDouble && c == '"') {
				state = stCode
			}
		case stTemplate:
			mask[i] = true
			switch {
			case c == '\\':
				if i+1 < len(src) {
					mask[i+1] = true
					i++
				}
			case c == '`':
				state = stCode
			case c == '$' && i+1 < len(src) && src[i+1] == '{':
				mask[i+1] = true
				i++
				tplStack = append(tplStack, braceDepth)
				braceDepth = 0
				state = stCode
			}
		}
	}
	return mask
}

func isIdentChar(c byte) bool {
	return c == '_' || c == '$' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// quoteJS produces a JS string literal for s. Go's quoting rules are a
// compatible subset of JS string syntax.
func quoteJS(s string) string {
	return strconv.Quote(s)
}
