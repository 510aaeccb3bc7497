package jobfn

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/scanner"
	"go/token"
	"io"
	"os"
	"reflect"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
)

const taskPrefix = "longcall:"

// TaskName returns the broker task type for a function identity.
func TaskName(identity string) string {
	if len(identity) > 32 {
		identity = identity[:32]
	}
	return taskPrefix + identity
}

// Identity hashes fn's declaring package, the registration name, version
// and the function's source. Source is reduced to its token stream, so
// formatting and comment edits do not change it. When the source file is
// unavailable the build fingerprint stands in for it.
func Identity(fn any, name, version string) (identity, pkg string, err error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return "", "", errors.New("identity: not a function")
	}

	pc := v.Pointer()
	rf := runtime.FuncForPC(pc)
	if rf == nil {
		return "", "", errors.New("identity: no symbol for function")
	}
	pkg = packagePath(rf.Name())
	file, line := rf.FileLine(rf.Entry())

	src, err := funcSource(file, line)
	if err != nil {
		src = []byte("build:" + buildFingerprint() + ":" + rf.Name())
	}

	h := sha256.New()
	for _, part := range [][]byte{[]byte(pkg), []byte(name), []byte(version), src} {
		fmt.Fprintf(h, "%d:", len(part))
		h.Write(part)
	}
	return hex.EncodeToString(h.Sum(nil)), pkg, nil
}

// packagePath strips the symbol from a runtime function name such as
// "example.com/a/b.(*T).Method.func1".
func packagePath(symbol string) string {
	slash := strings.LastIndex(symbol, "/")
	if dot := strings.Index(symbol[slash+1:], "."); dot >= 0 {
		return symbol[:slash+1+dot]
	}
	return symbol
}

type parsedFile struct {
	fset *token.FileSet
	file *ast.File
	src  []byte
	err  error
}

var parsedFiles sync.Map // path -> *parsedFile

func parseCached(path string) (*parsedFile, error) {
	if v, ok := parsedFiles.Load(path); ok {
		pf := v.(*parsedFile)
		return pf, pf.err
	}
	fset := token.NewFileSet()
	pf := &parsedFile{fset: fset}
	pf.src, pf.err = os.ReadFile(path)
	if pf.err == nil {
		pf.file, pf.err = parser.ParseFile(fset, path, pf.src, parser.SkipObjectResolution)
	}
	v, _ := parsedFiles.LoadOrStore(path, pf)
	pf = v.(*parsedFile)
	return pf, pf.err
}

// funcSource returns the token stream of the innermost function
// declaration or literal spanning line. Comments and layout are dropped, so
// only edits to the code itself change the result.
func funcSource(path string, line int) ([]byte, error) {
	pf, err := parseCached(path)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	var (
		best     ast.Node
		bestSpan = -1
	)
	ast.Inspect(pf.file, func(n ast.Node) bool {
		switch n.(type) {
		case *ast.FuncDecl, *ast.FuncLit:
		default:
			return true
		}
		start := pf.fset.Position(n.Pos()).Line
		end := pf.fset.Position(n.End()).Line
		if line < start || line > end {
			return true
		}
		if span := end - start; bestSpan < 0 || span <= bestSpan {
			best, bestSpan = n, span
		}
		return true
	})
	if best == nil {
		return nil, fmt.Errorf("no function at %s:%d", path, line)
	}

	// A FuncDecl's doc comment lies outside [Pos, End).
	from := pf.fset.Position(best.Pos()).Offset
	to := pf.fset.Position(best.End()).Offset
	return tokenStream(pf.src[from:to]), nil
}

// tokenStream renders src as space-separated tokens. Automatic and explicit
// semicolons print alike.
func tokenStream(src []byte) []byte {
	fset := token.NewFileSet()
	var sc scanner.Scanner
	sc.Init(fset.AddFile("", fset.Base(), len(src)), src, nil, 0)

	var buf bytes.Buffer
	for {
		_, tok, lit := sc.Scan()
		if tok == token.EOF {
			break
		}
		if buf.Len() > 0 {
			buf.WriteByte(' ')
		}
		if tok.IsLiteral() {
			buf.WriteString(lit)
		} else {
			buf.WriteString(tok.String())
		}
	}
	return buf.Bytes()
}

var (
	fingerprintOnce sync.Once
	fingerprint     string
)

// buildFingerprint identifies the running build: the VCS revision when the
// binary was stamped with one, otherwise a hash of the executable.
func buildFingerprint() string {
	fingerprintOnce.Do(func() {
		if info, ok := debug.ReadBuildInfo(); ok {
			var revision, modified string
			for _, s := range info.Settings {
				switch s.Key {
				case "vcs.revision":
					revision = s.Value
				case "vcs.modified":
					modified = s.Value
				}
			}
			if revision != "" && modified != "true" {
				fingerprint = "vcs:" + revision
				return
			}
		}
		fingerprint = executableHash()
	})
	return fingerprint
}

func executableHash() string {
	path, err := os.Executable()
	if err != nil {
		return "unknown"
	}
	f, err := os.Open(path)
	if err != nil {
		return "unknown"
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "unknown"
	}
	return "exe:" + hex.EncodeToString(h.Sum(nil))
}
