package sig

import (
	"fmt"
	"strings"
)

// parseParamList splits a captured argument-list text on top-level
// commas and classifies each entry. A single "void" parameter (or an
// empty list) yields zero parameters.
func parseParamList(argsText string) ([]Parameter, error) {
	text := strings.TrimSpace(argsText)
	if text == "" || text == "void" {
		return nil, nil
	}

	parts := splitTopLevelCommas(text)
	params := make([]Parameter, 0, len(parts))
	for _, part := range parts {
		p, err := classifyParam(part)
		if err != nil {
			return nil, err
		}
		params = append(params, p)
	}
	return params, nil
}

// splitTopLevelCommas splits on commas that are not nested inside
// parens (guards against function-pointer parameters like
// "void (*cb)(int, int)").
func splitTopLevelCommas(s string) []string {
	var parts []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// classifyParam turns one "<type> <name>" declarator into a Parameter,
// deriving Category purely from the presence of a pointer or array
// marker in the declarator text.
func classifyParam(decl string) (Parameter, error) {
	text := strings.TrimSpace(decl)
	if text == "" {
		return Parameter{}, fmt.Errorf("sig: empty parameter declarator")
	}

	isArray := false
	if idx := strings.IndexByte(text, '['); idx >= 0 {
		isArray = true
		text = strings.TrimSpace(text[:idx])
	}

	text = strings.ReplaceAll(text, "*", " * ")
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return Parameter{}, fmt.Errorf("sig: unparseable parameter declarator %q", decl)
	}

	name := fields[len(fields)-1]
	if name == "*" {
		return Parameter{}, fmt.Errorf("sig: parameter %q has no name", decl)
	}

	typeFields := fields[:len(fields)-1]
	starCount := 0
	typeParts := make([]string, 0, len(typeFields))
	for _, f := range typeFields {
		if f == "*" {
			starCount++
			continue
		}
		typeParts = append(typeParts, f)
	}
	if len(typeParts) == 0 {
		// A bare "int" with no name: the single field we captured as
		// "name" is actually the type, and the parameter is unnamed.
		typeParts = []string{name}
		name = ""
	}

	category := CategoryValue
	if starCount > 0 || isArray {
		category = CategoryPointer
	}

	return Parameter{
		Name:     name,
		Type:     strings.Join(typeParts, " "),
		Category: category,
	}, nil
}
