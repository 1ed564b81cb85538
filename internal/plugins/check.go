package plugins

import (
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"sort"
	"strconv"
	"strings"
)

// source is what the static pass learns about a plugin file.
type source struct {
	pkg     string
	imports []string
	funcs   map[string]bool // exported top-level funcs
	vars    map[string]bool // exported top-level vars and consts
}

// inspect parses src and records its package name, imports and exported
// top-level declarations.
func inspect(filename string, src []byte) (*source, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, filename, src, parser.SkipObjectResolution)
	if err != nil {
		return nil, err
	}

	s := &source{
		pkg:   file.Name.Name,
		funcs: make(map[string]bool),
		vars:  make(map[string]bool),
	}
	for _, imp := range file.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			return nil, fmt.Errorf("%s: bad import %s", fset.Position(imp.Pos()), imp.Path.Value)
		}
		s.imports = append(s.imports, path)
	}

	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			if d.Recv == nil && d.Name.IsExported() {
				s.funcs[d.Name.Name] = true
			}
		case *ast.GenDecl:
			if d.Tok != token.VAR && d.Tok != token.CONST {
				continue
			}
			for _, spec := range d.Specs {
				vs, ok := spec.(*ast.ValueSpec)
				if !ok {
					continue
				}
				for _, n := range vs.Names {
					if n.IsExported() {
						s.vars[n.Name] = true
					}
				}
			}
		}
	}
	return s, nil
}

// errForbiddenImport lists imports outside the allow-list.
var errForbiddenImport = errors.New("forbidden imports")

func checkImports(imports []string, allowed map[string]bool) error {
	var forbidden []string
	for _, p := range imports {
		if !allowed[p] {
			forbidden = append(forbidden, p)
		}
	}
	if len(forbidden) == 0 {
		return nil
	}
	sort.Strings(forbidden)
	return fmt.Errorf("%w: %s", errForbiddenImport, strings.Join(forbidden, ", "))
}
