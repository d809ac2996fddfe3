package analysis

import (
	"go/ast"
	"go/parser"
	"go/token"
	"regexp"
	"strings"

	"github.com/tracecov/tracecov/pkg/branch"
)

// ignoreDirective marks source the user wants left out of coverage. Placed
// in a comment attached to a statement or declaration it excludes that
// node's lines; in the file doc comment it excludes the whole file.
const ignoreDirective = "tracecov:ignore"

var generatedRx = regexp.MustCompile(`^// Code generated .* DO NOT EDIT\.$`)

type sourceFile struct {
	fset     *token.FileSet
	file     *ast.File
	lines    *LineAnalysis
	branches *branch.BranchAnalysis
	seen     map[ast.Node]bool
}

// scanFile parses path and extracts its coverable lines and decision
// points. The skip result is true for generated files and files carrying a
// file-level ignore directive.
func scanFile(path string) (*Result, error) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, path, nil, parser.ParseComments)
	if err != nil {
		return nil, err
	}
	if isGenerated(f) || hasFileIgnore(f) {
		return &Result{Skip: true}, nil
	}

	sf := &sourceFile{
		fset:     fset,
		file:     f,
		lines:    newLineAnalysis(),
		branches: &branch.BranchAnalysis{},
		seen:     make(map[ast.Node]bool),
	}
	sf.markIgnored()
	for _, decl := range f.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if ok && fn.Body != nil {
			sf.lines.Cover[sf.line(fn.Pos())] = true
			sf.walkBody(fn.Body)
		}
	}
	return &Result{Lines: sf.lines, Branches: sf.branches}, nil
}

func isGenerated(f *ast.File) bool {
	for _, cg := range f.Comments {
		if cg.Pos() >= f.Package {
			break
		}
		for _, c := range cg.List {
			if generatedRx.MatchString(c.Text) {
				return true
			}
		}
	}
	return false
}

func hasFileIgnore(f *ast.File) bool {
	return hasIgnoreDirective(f.Doc)
}

// hasIgnoreDirective scans the raw comment text. CommentGroup.Text strips
// directive comments, which is exactly the form the ignore marker takes.
func hasIgnoreDirective(cg *ast.CommentGroup) bool {
	if cg == nil {
		return false
	}
	for _, c := range cg.List {
		if strings.Contains(c.Text, ignoreDirective) {
			return true
		}
	}
	return false
}

// markIgnored maps ignore directives to the nodes they are attached to and
// records those nodes' line spans.
func (sf *sourceFile) markIgnored() {
	cmap := ast.NewCommentMap(sf.fset, sf.file, sf.file.Comments)
	for node, groups := range cmap {
		for _, cg := range groups {
			if !hasIgnoreDirective(cg) {
				continue
			}
			for line := sf.line(node.Pos()); line <= sf.line(node.End()); line++ {
				sf.lines.Ignore[line] = true
			}
			break
		}
	}
}

func (sf *sourceFile) line(pos token.Pos) int {
	return sf.fset.Position(pos).Line
}

func (sf *sourceFile) walkBody(body *ast.BlockStmt) {
	if body == nil {
		return
	}
	for _, stmt := range body.List {
		sf.walkStmt(stmt)
	}
}

func (sf *sourceFile) walkStmt(stmt ast.Stmt) {
	if stmt == nil || sf.seen[stmt] {
		return
	}
	sf.seen[stmt] = true

	switch s := stmt.(type) {
	case *ast.BlockStmt:
		sf.walkBody(s)
	case *ast.LabeledStmt:
		sf.walkStmt(s.Stmt)
	case *ast.EmptyStmt:
	case *ast.IfStmt:
		sf.walkIfChain(s)
	case *ast.ForStmt:
		sf.coverSpan(s.Pos(), s.Body.Pos())
		sf.addLoop(s.Pos(), s.End(), s.Body, s.Cond != nil)
		sf.walkStmt(s.Init)
		sf.walkStmt(s.Post)
		sf.walkBody(s.Body)
	case *ast.RangeStmt:
		sf.coverSpan(s.Pos(), s.Body.Pos())
		sf.addLoop(s.Pos(), s.End(), s.Body, true)
		sf.walkBody(s.Body)
	case *ast.SwitchStmt:
		sf.coverSpan(s.Pos(), s.Body.Pos())
		sf.walkStmt(s.Init)
		sf.walkCaseBody(s.Pos(), s.Body)
	case *ast.TypeSwitchStmt:
		sf.coverSpan(s.Pos(), s.Body.Pos())
		sf.walkStmt(s.Init)
		sf.walkCaseBody(s.Pos(), s.Body)
	case *ast.SelectStmt:
		sf.lines.Cover[sf.line(s.Pos())] = true
		sf.walkSelect(s)
	default:
		sf.walkLeaf(stmt)
	}
}

// walkLeaf marks the lines of a plain statement as coverable. Function
// literals are walked on their own so a multi-line closure does not drag
// its whole body into the enclosing statement's span.
func (sf *sourceFile) walkLeaf(stmt ast.Stmt) {
	end := stmt.End()
	ast.Inspect(stmt, func(n ast.Node) bool {
		if lit, ok := n.(*ast.FuncLit); ok {
			if lit.Pos() < end {
				end = lit.Pos()
			}
			sf.lines.Cover[sf.line(lit.Pos())] = true
			sf.walkBody(lit.Body)
			return false
		}
		return true
	})
	sf.coverSpan(stmt.Pos(), end)
}

// walkIfChain flattens an if / else if / else chain into one decision
// point. An arm covers only the body lines of its block: condition lines
// execute whenever the decision is evaluated, so counting them would make
// every evaluated arm read as taken. A chain with no final else has an
// implicit default.
func (sf *sourceFile) walkIfChain(s *ast.IfStmt) {
	start := sf.line(s.Pos())
	var arms []branch.LineRange
	implicit := false

	for cur := s; ; {
		sf.seen[cur] = true
		sf.coverSpan(cur.Pos(), cur.Body.Pos())
		sf.walkStmt(cur.Init)
		// The closing brace line is excluded too: it can carry the next
		// arm's condition.
		arms = append(arms, branch.LineRange{
			Start: sf.line(cur.Body.Pos()) + 1,
			End:   sf.line(cur.Body.End()),
		})
		sf.walkBody(cur.Body)

		switch els := cur.Else.(type) {
		case nil:
			implicit = true
		case *ast.IfStmt:
			cur = els
			continue
		case *ast.BlockStmt:
			arms = append(arms, branch.LineRange{
				Start: sf.line(els.Pos()) + 1,
				End:   sf.line(els.End()),
			})
			sf.walkBody(els)
		}
		break
	}

	end := sf.line(s.End()) + 1
	sf.branches.Add(branch.LineRange{Start: start, End: end}, branch.Branches{
		Ranges:          arms,
		ImplicitDefault: implicit,
	})
}

// walkCaseBody handles switch and type switch bodies: one arm per case
// clause, implicit default when no default clause exists. Arms start
// after the colon of their clause because the compiler attributes the
// comparison code of unmatched cases to the case lines.
func (sf *sourceFile) walkCaseBody(pos token.Pos, body *ast.BlockStmt) {
	var arms []branch.LineRange
	implicit := true
	for _, stmt := range body.List {
		clause, ok := stmt.(*ast.CaseClause)
		if !ok {
			continue
		}
		if clause.List == nil {
			implicit = false
		}
		sf.coverSpan(clause.Pos(), clause.Colon)
		arms = append(arms, branch.LineRange{
			Start: sf.line(clause.Colon) + 1,
			End:   sf.line(clause.End()) + 1,
		})
		for _, cs := range clause.Body {
			sf.walkStmt(cs)
		}
	}
	if len(arms) == 0 {
		return
	}
	sf.branches.Add(branch.LineRange{
		Start: sf.line(pos),
		End:   sf.line(body.End()) + 1,
	}, branch.Branches{Ranges: arms, ImplicitDefault: implicit})
}

// walkSelect records each communication clause as an arm. A select always
// commits to one of its clauses, so there is never an implicit default.
func (sf *sourceFile) walkSelect(s *ast.SelectStmt) {
	var arms []branch.LineRange
	for _, stmt := range s.Body.List {
		clause, ok := stmt.(*ast.CommClause)
		if !ok {
			continue
		}
		sf.coverSpan(clause.Pos(), clause.Colon)
		if clause.Comm != nil {
			sf.seen[clause.Comm] = true
		}
		arms = append(arms, branch.LineRange{
			Start: sf.line(clause.Colon) + 1,
			End:   sf.line(clause.End()) + 1,
		})
		for _, cs := range clause.Body {
			sf.walkStmt(cs)
		}
	}
	if len(arms) == 0 {
		return
	}
	sf.branches.Add(branch.LineRange{
		Start: sf.line(s.Pos()),
		End:   sf.line(s.Body.End()) + 1,
	}, branch.Branches{Ranges: arms})
}

// addLoop records a loop as a two-way decision: the body arm and, when the
// loop can run zero times, an implicit default for the skip path.
func (sf *sourceFile) addLoop(pos, end token.Pos, body *ast.BlockStmt, canSkip bool) {
	sf.branches.Add(branch.LineRange{
		Start: sf.line(pos),
		End:   sf.line(end) + 1,
	}, branch.Branches{
		Ranges: []branch.LineRange{{
			Start: sf.line(body.Pos()) + 1,
			End:   sf.line(body.End()),
		}},
		ImplicitDefault: canSkip,
	})
}

// coverSpan marks every line from pos up to and including the line of end
// as coverable.
func (sf *sourceFile) coverSpan(pos, end token.Pos) {
	last := sf.line(end)
	for line := sf.line(pos); line <= last; line++ {
		sf.lines.Cover[line] = true
	}
}
