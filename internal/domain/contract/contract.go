// Package contract defines the API contract record used for proxy-time
// request filtering.
package contract

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Operation is one permitted request shape: an upper-case HTTP method and a
// path template whose {param} segments match any single path segment.
type Operation struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}

// Contract is the immutable set of request shapes an instance's agent
// declares. It is fetched once per instance and never mutated.
type Contract struct {
	Operations []Operation `json:"operations"`

	// compiled path regexes, index-aligned with Operations
	patterns []*regexp.Regexp
}

var escapedParam = regexp.MustCompile(`\\\{[^}]+\\\}`)

// compileTemplate converts a path template to an anchored regex where each
// {param} matches exactly one path segment.
func compileTemplate(template string) (*regexp.Regexp, error) {
	escaped := regexp.QuoteMeta(template)
	// QuoteMeta escapes the braces, so rewrite the escaped form.
	pattern := escapedParam.ReplaceAllString(escaped, `[^/]+`)
	return regexp.Compile("^" + pattern + "$")
}

// New builds a Contract from explicit operations.
func New(ops []Operation) (*Contract, error) {
	c := &Contract{Operations: make([]Operation, 0, len(ops))}
	for _, op := range ops {
		re, err := compileTemplate(op.Path)
		if err != nil {
			return nil, fmt.Errorf("contract: compile template %q: %w", op.Path, err)
		}
		c.Operations = append(c.Operations, Operation{
			Method: strings.ToUpper(op.Method),
			Path:   op.Path,
		})
		c.patterns = append(c.patterns, re)
	}
	return c, nil
}

// openAPIDoc is the subset of the agent's description document we read:
// path templates mapped to their per-method operation objects.
type openAPIDoc struct {
	Paths map[string]map[string]json.RawMessage `json:"paths"`
}

// Parse builds a Contract from the agent's description document (an
// OpenAPI-shaped JSON body with a "paths" object).
func Parse(data []byte) (*Contract, error) {
	var doc openAPIDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("contract: parse document: %w", err)
	}
	if doc.Paths == nil {
		return nil, fmt.Errorf("contract: document has no paths")
	}

	ops := make([]Operation, 0, len(doc.Paths))
	for template, methods := range doc.Paths {
		for method := range methods {
			switch strings.ToUpper(method) {
			case "GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS":
				ops = append(ops, Operation{Method: method, Path: template})
			}
		}
	}
	return New(ops)
}

// Marshal returns the canonical JSON form of the contract, suitable for
// caching and re-loading with Unmarshal.
func (c *Contract) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// Unmarshal reloads a contract from its canonical JSON form.
func Unmarshal(data []byte) (*Contract, error) {
	var raw struct {
		Operations []Operation `json:"operations"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("contract: unmarshal: %w", err)
	}
	return New(raw.Operations)
}

// Allows reports whether the method and concrete path match a declared
// operation. The method comparison is exact; templates are matched after
// URL-decoding the path.
func (c *Contract) Allows(method, path string) bool {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if decoded, err := url.PathUnescape(path); err == nil {
		path = decoded
	}
	for i, op := range c.Operations {
		if op.Method != method {
			continue
		}
		if c.patterns[i].MatchString(path) {
			return true
		}
	}
	return false
}

// Len returns the number of declared operations.
func (c *Contract) Len() int { return len(c.Operations) }
