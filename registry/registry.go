// Package registry maps dotted method paths to callables. An exposed
// package declares its surface explicitly at startup; workers resolve the
// method path of each envelope against the resulting trie, so nothing is
// looked up by reflection at request time.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Args is the positional-argument list of an invocation. Values are
// whatever JSON decoding produced: strings from URL gateways, float64 and
// friends from JSON bodies.
type Args []any

// Kwargs is the keyword-argument map of an invocation. Query parameters
// arrive list-valued.
type Kwargs map[string]any

// Func is a directly callable registry entry.
type Func func(args Args, kwargs Kwargs) (any, error)

// Method is a callable bound to an instance of a Type at dispatch time.
type Method func(recv any, args Args, kwargs Kwargs) (any, error)

// InstancePolicy controls how instances of a Type are obtained.
type InstancePolicy int

const (
	// PerCall constructs a fresh instance for every invocation.
	PerCall InstancePolicy = iota

	// Singleton constructs one instance per worker process and reuses it
	// for every invocation, so instance state accumulates.
	Singleton
)

func (p InstancePolicy) String() string {
	if p == Singleton {
		return "singleton"
	}
	return "per-call"
}

// Type describes a constructible resource exposing named methods.
// Constructors take no arguments; request arguments go to the methods.
type Type struct {
	Name   string
	Policy InstancePolicy
	New    func() any

	methods map[string]Method
}

// NewType starts a Type declaration. Methods are attached with Method.
func NewType(name string, policy InstancePolicy, ctor func() any) *Type {
	return &Type{
		Name:    name,
		Policy:  policy,
		New:     ctor,
		methods: make(map[string]Method),
	}
}

// Method attaches a named method and returns the Type for chaining.
func (t *Type) Method(name string, fn Method) *Type {
	t.methods[name] = fn
	return t
}

func (t *Type) method(name string) (Method, bool) {
	fn, ok := t.methods[name]
	return fn, ok
}

// Bind adapts a strongly typed method to the Method signature. Dispatching
// to a receiver of the wrong dynamic type is an error, not a panic.
func Bind[T any](fn func(recv T, args Args, kwargs Kwargs) (any, error)) Method {
	return func(recv any, args Args, kwargs Kwargs) (any, error) {
		typed, ok := recv.(T)
		if !ok {
			return nil, fmt.Errorf("registry: receiver is %T, want %T", recv, *new(T))
		}
		return fn(typed, args, kwargs)
	}
}

var (
	// ErrNotFound means no rule matched the path.
	ErrNotFound = errors.New("registry: not found")

	// ErrConflict means the path already holds an entry.
	ErrConflict = errors.New("registry: path already registered")

	// ErrInvalidPath means the path is empty or has empty segments.
	ErrInvalidPath = errors.New("registry: invalid path")
)

type node struct {
	children map[string]*node
	fn       Func
	typ      *Type
}

// Registry is a trie of dotted paths to funcs and types.
type Registry struct {
	root node
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{root: node{children: make(map[string]*node)}}
}

// RegisterFunc registers a callable at a dotted path.
func (r *Registry) RegisterFunc(path string, fn Func) error {
	n, err := r.claim(path)
	if err != nil {
		return err
	}
	n.fn = fn
	return nil
}

// RegisterType registers a type at a dotted path. Its methods become
// callable at path.<method>.
func (r *Registry) RegisterType(path string, t *Type) error {
	n, err := r.claim(path)
	if err != nil {
		return err
	}
	n.typ = t
	return nil
}

// MustRegisterFunc is RegisterFunc, panicking on error. For package
// registration at startup.
func (r *Registry) MustRegisterFunc(path string, fn Func) {
	if err := r.RegisterFunc(path, fn); err != nil {
		panic(err)
	}
}

// MustRegisterType is RegisterType, panicking on error.
func (r *Registry) MustRegisterType(path string, t *Type) {
	if err := r.RegisterType(path, t); err != nil {
		panic(err)
	}
}

// claim walks to the path's node, creating intermediates, and verifies the
// terminal is unoccupied.
func (r *Registry) claim(path string) (*node, error) {
	segs, err := split(path)
	if err != nil {
		return nil, err
	}
	cur := &r.root
	for _, seg := range segs {
		child, ok := cur.children[seg]
		if !ok {
			child = &node{children: make(map[string]*node)}
			cur.children[seg] = child
		}
		cur = child
	}
	if cur.fn != nil || cur.typ != nil {
		return nil, fmt.Errorf("%w: %s", ErrConflict, path)
	}
	return cur, nil
}

func split(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	segs := strings.Split(path, ".")
	for _, seg := range segs {
		if seg == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return segs, nil
}

// Resolution is a successfully resolved path: either a Func, or a Type
// plus the method named by the path's final segment.
type Resolution struct {
	// Path is the dotted path as resolved.
	Path string

	// Func is set for direct callables.
	Func Func

	// Type, MethodName and Call are set for type-bound methods.
	Type       *Type
	MethodName string
	Call       Method
}

// TypePath is the resolved type's path: everything before the method
// segment. Workers key singleton instances on it.
func (res Resolution) TypePath() string {
	if res.Type == nil {
		return res.Path
	}
	if i := strings.LastIndex(res.Path, "."); i >= 0 {
		return res.Path[:i]
	}
	return res.Path
}

// Ref is a printable description of the resolved callable, stable across
// repeated resolutions of the same path.
func (res Resolution) Ref() string {
	if res.Func != nil {
		return "function " + res.Path
	}
	return fmt.Sprintf("method %s (%s %s)", res.Path, res.Type.Policy, res.Type.Name)
}

// Resolve walks a dotted path through the trie. At each segment, in order:
// a func at the final segment resolves; a type with exactly one segment
// remaining that names one of its methods resolves; otherwise the walk
// descends. Anything else is ErrNotFound, including a bare type path.
func (r *Registry) Resolve(path string) (Resolution, error) {
	segs, err := split(path)
	if err != nil {
		return Resolution{}, err
	}
	cur := &r.root
	for i, seg := range segs {
		child, ok := cur.children[seg]
		if !ok {
			return Resolution{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		remaining := len(segs) - i - 1
		if child.fn != nil && remaining == 0 {
			return Resolution{Path: path, Func: child.fn}, nil
		}
		if child.typ != nil && remaining == 1 {
			if m, ok := child.typ.method(segs[i+1]); ok {
				return Resolution{
					Path:       path,
					Type:       child.typ,
					MethodName: segs[i+1],
					Call:       m,
				}, nil
			}
		}
		cur = child
	}
	return Resolution{}, fmt.Errorf("%w: %s", ErrNotFound, path)
}

// Paths lists the registered entry paths, sorted. Type methods are not
// expanded; they are reachable as <path>.<method>.
func (r *Registry) Paths() []string {
	var paths []string
	var walk func(prefix string, n *node)
	walk = func(prefix string, n *node) {
		for seg, child := range n.children {
			p := seg
			if prefix != "" {
				p = prefix + "." + seg
			}
			if child.fn != nil || child.typ != nil {
				paths = append(paths, p)
			}
			walk(p, child)
		}
	}
	walk("", &r.root)
	sort.Strings(paths)
	return paths
}
