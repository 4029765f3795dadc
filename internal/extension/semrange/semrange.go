// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

// Package semrange implements the version-constraint grammar used in
// extension dependency declarations and the pure resolver that gates
// lifecycle starts.
//
// The grammar is deliberately small:
//
//	constraint := caret | range | pin
//	caret      := "^" version
//	range      := cmp version { cmp version }
//	cmp        := ">=" | ">" | "<=" | "<"
//	pin        := ["="] version
//
// Versions parse and compare via Masterminds semver. A caret accepts
// [v, next-major); for a 0.y.z version it accepts [v, next-minor).
package semrange

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// constraintLexer tokenizes the constraint grammar. The Version pattern
// accepts the full semver shape including prerelease and build metadata.
var constraintLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Version", Pattern: `\d+\.\d+\.\d+(?:-[0-9A-Za-z-]+(?:\.[0-9A-Za-z-]+)*)?(?:\+[0-9A-Za-z-]+(?:\.[0-9A-Za-z-]+)*)?`},
	{Name: "Caret", Pattern: `\^`},
	{Name: "Cmp", Pattern: `>=|<=|>|<`},
	{Name: "Eq", Pattern: `=`},
	{Name: "whitespace", Pattern: `\s+`},
})

// constraintAST is the parse tree; exactly one branch is set.
type constraintAST struct {
	Caret  *string    `parser:"  '^' @Version"`
	Bounds []boundAST `parser:"| @@ @@*"`
	Pin    *string    `parser:"| '='? @Version"`
}

type boundAST struct {
	Op      string `parser:"@Cmp"`
	Version string `parser:"@Version"`
}

var parser = participle.MustBuild[constraintAST](
	participle.Lexer(constraintLexer),
)

// bound is one comparator clause of a range constraint.
type bound struct {
	op string
	v  *semver.Version
}

func (b bound) holds(v *semver.Version) bool {
	c := v.Compare(b.v)
	switch b.op {
	case ">=":
		return c >= 0
	case ">":
		return c > 0
	case "<=":
		return c <= 0
	case "<":
		return c < 0
	default:
		return false
	}
}

// Constraint is one parsed version requirement. Constraints are
// immutable and safe for concurrent use.
type Constraint struct {
	raw    string
	pin    *semver.Version
	lo, hi *semver.Version // caret floor and exclusive ceiling
	bounds []bound
}

// Parse parses a constraint expression.
func Parse(input string) (*Constraint, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return nil, fmt.Errorf("empty version range")
	}

	ast, err := parser.ParseString("", raw)
	if err != nil {
		return nil, fmt.Errorf("invalid version range %q: %w", raw, err)
	}

	c := &Constraint{raw: raw}
	switch {
	case ast.Caret != nil:
		v, err := semver.NewVersion(*ast.Caret)
		if err != nil {
			return nil, fmt.Errorf("invalid version in %q: %w", raw, err)
		}
		c.lo = v
		c.hi = caretCeiling(v)
	case len(ast.Bounds) > 0:
		for _, b := range ast.Bounds {
			v, err := semver.NewVersion(b.Version)
			if err != nil {
				return nil, fmt.Errorf("invalid version in %q: %w", raw, err)
			}
			c.bounds = append(c.bounds, bound{op: b.Op, v: v})
		}
	case ast.Pin != nil:
		v, err := semver.NewVersion(*ast.Pin)
		if err != nil {
			return nil, fmt.Errorf("invalid version in %q: %w", raw, err)
		}
		c.pin = v
	default:
		return nil, fmt.Errorf("invalid version range %q", raw)
	}
	return c, nil
}

// MustParse parses a constraint and panics on failure. For tests and
// compile-time-constant ranges.
func MustParse(input string) *Constraint {
	c, err := Parse(input)
	if err != nil {
		panic(err)
	}
	return c
}

// caretCeiling returns the first version a caret constraint excludes:
// the next major, or the next minor for 0.y.z versions.
func caretCeiling(v *semver.Version) *semver.Version {
	if v.Major() > 0 {
		next := semver.New(v.Major()+1, 0, 0, "", "")
		return next
	}
	return semver.New(0, v.Minor()+1, 0, "", "")
}

// Check reports whether v satisfies the constraint.
func (c *Constraint) Check(v *semver.Version) bool {
	switch {
	case c.pin != nil:
		return v.Compare(c.pin) == 0
	case c.lo != nil:
		return v.Compare(c.lo) >= 0 && v.Compare(c.hi) < 0
	default:
		for _, b := range c.bounds {
			if !b.holds(v) {
				return false
			}
		}
		return true
	}
}

// String returns the constraint as written.
func (c *Constraint) String() string { return c.raw }

// Requirement names one dependency an extension declares: the target id
// and the range its version must fall in.
type Requirement struct {
	ID    string
	Range *Constraint
}

// Unsatisfied explains one failed requirement.
type Unsatisfied struct {
	ID      string
	Range   string
	Have    string // registered version, empty when the id is missing
	Missing bool
}

// Reason renders a human-readable cause.
func (u Unsatisfied) Reason() string {
	if u.Missing {
		return fmt.Sprintf("%s: no registered extension satisfies %q", u.ID, u.Range)
	}
	return fmt.Sprintf("%s: registered version %s is outside %q", u.ID, u.Have, u.Range)
}

// Result partitions a requirement list into satisfied and unsatisfied.
type Result struct {
	Satisfied   []Requirement
	Unsatisfied []Unsatisfied
}

// OK reports whether every requirement was satisfied.
func (r Result) OK() bool { return len(r.Unsatisfied) == 0 }

// Resolve checks each requirement against the registered id → version
// set. It is a pure function of its inputs: no alternate-version
// search, no mutation, deterministic output in requirement order.
func Resolve(registered map[string]*semver.Version, reqs []Requirement) Result {
	var res Result
	for _, req := range reqs {
		have, ok := registered[req.ID]
		if !ok {
			res.Unsatisfied = append(res.Unsatisfied, Unsatisfied{
				ID:      req.ID,
				Range:   req.Range.String(),
				Missing: true,
			})
			continue
		}
		if !req.Range.Check(have) {
			res.Unsatisfied = append(res.Unsatisfied, Unsatisfied{
				ID:    req.ID,
				Range: req.Range.String(),
				Have:  have.String(),
			})
			continue
		}
		res.Satisfied = append(res.Satisfied, req)
	}
	return res
}

// ResolutionError reports the dependency ranges a start could not
// satisfy. The entry's lifecycle state is unchanged by the failure.
type ResolutionError struct {
	Extension   string
	Unsatisfied []Unsatisfied
}

func (e *ResolutionError) Error() string {
	reasons := make([]string, len(e.Unsatisfied))
	for i, u := range e.Unsatisfied {
		reasons[i] = u.Reason()
	}
	return fmt.Sprintf("extension %s has unsatisfied dependencies: %s",
		e.Extension, strings.Join(reasons, "; "))
}
