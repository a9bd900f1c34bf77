// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package instrument

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"go/ast"
	"go/printer"
	"go/token"
	"io"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/tools/go/ast/astutil"
)

const (
	depName = "_fuzzexec_dep_"
	depPath = "github.com/bradleyjkemp/fuzzexec/fuzzdep"
)

// file is one source file being rewritten.
type file struct {
	fset    *token.FileSet
	name    string
	astFile *ast.File
	points  int
}

// instrumentFile inserts a fuzzdep.Hit call at the start of every function
// body, loop body, branch and case clause of f. name seeds the point ids, so
// the same file always gets the same ids.
func instrumentFile(fset *token.FileSet, name string, f *ast.File) *file {
	file := &file{fset: fset, name: name, astFile: f}
	f.Comments = trimComments(f, fset)
	astutil.AddNamedImport(fset, f, depName, depPath)
	ast.Inspect(f, file.visit)
	file.addReference()
	return file
}

func (f *file) visit(node ast.Node) bool {
	switch n := node.(type) {
	case *ast.FuncDecl:
		if n.Body == nil {
			// this is just a function declaration, it is implemented elsewhere
			return false
		}
		n.Body.List = f.prepend(n.Body.List)
	case *ast.FuncLit:
		n.Body.List = f.prepend(n.Body.List)
	case *ast.IfStmt:
		f.instrumentIf(n)
	case *ast.ForStmt:
		n.Body.List = f.prepend(n.Body.List)
	case *ast.RangeStmt:
		n.Body.List = f.prepend(n.Body.List)
	case *ast.CaseClause:
		n.Body = f.prepend(n.Body)
	case *ast.CommClause:
		n.Body = f.prepend(n.Body)
	}
	return true
}

// instrumentIf covers both outcomes of n. An else-if is left to the walk,
// which reaches it as a child of n.
func (f *file) instrumentIf(n *ast.IfStmt) {
	n.Body.List = f.prepend(n.Body.List)
	switch e := n.Else.(type) {
	case nil:
		n.Else = &ast.BlockStmt{List: []ast.Stmt{f.newCounter()}}
	case *ast.BlockStmt:
		e.List = f.prepend(e.List)
	}
}

func (f *file) prepend(list []ast.Stmt) []ast.Stmt {
	return append([]ast.Stmt{f.newCounter()}, list...)
}

func (f *file) newCounter() ast.Stmt {
	f.points++
	hash := sha1.Sum([]byte(f.name + ":" + strconv.Itoa(f.points)))
	id := binary.LittleEndian.Uint32(hash[:])
	return &ast.ExprStmt{
		X: &ast.CallExpr{
			Fun: &ast.SelectorExpr{
				X:   ast.NewIdent(depName),
				Sel: ast.NewIdent("Hit"),
			},
			Args: []ast.Expr{&ast.BasicLit{
				Kind:  token.INT,
				Value: strconv.FormatUint(uint64(id), 10),
			}},
		},
	}
}

// addReference appends
//
//	var _ = _fuzzexec_dep_.Hit
//
// so the import is used even in a file without function bodies.
func (f *file) addReference() {
	f.astFile.Decls = append(f.astFile.Decls, &ast.GenDecl{
		Tok: token.VAR,
		Specs: []ast.Spec{
			&ast.ValueSpec{
				Names: []*ast.Ident{ast.NewIdent("_")},
				Values: []ast.Expr{&ast.SelectorExpr{
					X:   ast.NewIdent(depName),
					Sel: ast.NewIdent("Hit"),
				}},
			},
		},
	})
}

// registerFuzzFuncs adds an init function to f that registers every
// func FuzzXxx(data []byte) int declared in it with fuzzdep. It returns the
// registered names.
func (f *file) registerFuzzFuncs(pkgPath string) []string {
	var names []string
	var stmts []ast.Stmt
	for _, d := range f.astFile.Decls {
		fn, ok := d.(*ast.FuncDecl)
		if !ok || !isFuzzDecl(fn) {
			continue
		}
		name := pkgPath + "." + fn.Name.Name
		names = append(names, name)
		// Generates: _fuzzexec_dep_.FuzzFunctions["pkg.Name"] = Name
		stmts = append(stmts, &ast.AssignStmt{
			Lhs: []ast.Expr{&ast.IndexExpr{
				X: &ast.SelectorExpr{
					X:   ast.NewIdent(depName),
					Sel: ast.NewIdent("FuzzFunctions"),
				},
				Index: &ast.BasicLit{Kind: token.STRING, Value: strconv.Quote(name)},
			}},
			Tok: token.ASSIGN,
			Rhs: []ast.Expr{ast.NewIdent(fn.Name.Name)},
		})
	}
	if len(stmts) == 0 {
		return nil
	}
	// Go allows any number of init functions per file.
	f.astFile.Decls = append(f.astFile.Decls, &ast.FuncDecl{
		Name: ast.NewIdent("init"),
		Type: &ast.FuncType{Params: &ast.FieldList{}},
		Body: &ast.BlockStmt{List: stmts},
	})
	return names
}

// isFuzzDecl reports whether fn is a plain function of the form
//
//	func FuzzXxx(data []byte) int
func isFuzzDecl(fn *ast.FuncDecl) bool {
	if fn.Recv != nil || fn.Type.TypeParams != nil || !isFuzzFuncName(fn.Name.Name) {
		return false
	}
	params := fn.Type.Params.List
	if len(params) != 1 || len(params[0].Names) > 1 {
		return false
	}
	slice, ok := params[0].Type.(*ast.ArrayType)
	if !ok || slice.Len != nil {
		return false
	}
	if elt, ok := slice.Elt.(*ast.Ident); !ok || elt.Name != "byte" {
		return false
	}
	if fn.Type.Results == nil || len(fn.Type.Results.List) != 1 || len(fn.Type.Results.List[0].Names) > 1 {
		return false
	}
	res, ok := fn.Type.Results.List[0].Type.(*ast.Ident)
	return ok && res.Name == "int"
}

func isFuzzFuncName(name string) bool {
	return isTest(name, "Fuzz")
}

// isTest tells whether name looks like a test (or benchmark, according to prefix).
// It is a Test (say) if there is a character after Test that is not a lower-case letter.
// We don't want TesticularCancer.
func isTest(name, prefix string) bool {
	if !strings.HasPrefix(name, prefix) {
		return false
	}
	if len(name) == len(prefix) { // "Test" is ok
		return true
	}
	r, _ := utf8.DecodeRuneInString(name[len(prefix):])
	return !unicode.IsLower(r)
}

// trimComments keeps only compiler directives. Inserted statements have no
// position, and ordinary comments would otherwise drift into them.
func trimComments(file *ast.File, fset *token.FileSet) []*ast.CommentGroup {
	var comments []*ast.CommentGroup
	for _, group := range file.Comments {
		var list []*ast.Comment
		for _, comment := range group.List {
			if strings.HasPrefix(comment.Text, "//go:") && fset.Position(comment.Slash).Column == 1 {
				list = append(list, comment)
			}
		}
		if list != nil {
			comments = append(comments, &ast.CommentGroup{List: list})
		}
	}
	return comments
}

// importsC reports whether f is a cgo file. Those lose their preamble when
// comments are trimmed, so they are left alone.
func importsC(f *ast.File) bool {
	for _, imp := range f.Imports {
		if imp.Path.Value == `"C"` {
			return true
		}
	}
	return false
}

// print writes the rewritten file with //line directives pointing back at
// the original source, so tracebacks name the real lines.
func (f *file) print(w io.Writer) error {
	cfg := printer.Config{
		Mode:     printer.SourcePos,
		Tabwidth: 8,
		Indent:   0,
	}
	if err := cfg.Fprint(w, f.fset, f.astFile); err != nil {
		return fmt.Errorf("failed to print %s: %w", f.name, err)
	}
	return nil
}
