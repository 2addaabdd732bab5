package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Ref names one entity instance as a message target.
type Ref struct {
	Class string
	ID    int64
}

func (r Ref) String() string { return fmt.Sprintf("%s#%d", r.Class, r.ID) }

type operation struct {
	arity int
	// check decodes args into the handler's parameter types without
	// running anything.
	check  func(args []json.RawMessage) error
	invoke func(ctx context.Context, id int64, args []json.RawMessage) error
}

type entityKind struct {
	ops map[string]*operation
}

// Registry is the closed set of entity kinds and the operations that may
// be delivered to them. It is filled at startup; registering a name twice
// panics.
type Registry struct {
	mu       sync.RWMutex
	entities map[string]*entityKind
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entities: make(map[string]*entityKind)}
}

func (r *Registry) lookup(class, op string) (*operation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kind, ok := r.entities[class]
	if !ok {
		return nil, fmt.Errorf("unknown entity kind %q", class)
	}
	o, ok := kind.ops[op]
	if !ok {
		return nil, fmt.Errorf("entity kind %q does not declare operation %q", class, op)
	}
	return o, nil
}

// Operations lists the declared operations of an entity kind, sorted.
func (r *Registry) Operations(class string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kind, ok := r.entities[class]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(kind.ops))
	for name := range kind.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) add(class, name string, op *operation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kind, ok := r.entities[class]
	if !ok {
		panic(fmt.Sprintf("queue: entity kind %q is not registered", class))
	}
	if _, dup := kind.ops[name]; dup {
		panic(fmt.Sprintf("queue: operation %s.%s registered twice", class, name))
	}
	kind.ops[name] = op
}

// Entity is a registered entity kind whose instances load as T.
type Entity[T any] struct {
	registry *Registry
	name     string
	load     func(ctx context.Context, id int64) (T, error)
}

// Register declares an entity kind. load fetches an instance by primary
// key; returning domain.ErrNotFound makes the delivery retry later.
func Register[T any](r *Registry, name string, load func(ctx context.Context, id int64) (T, error)) Entity[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entities[name]; dup {
		panic(fmt.Sprintf("queue: entity kind %q registered twice", name))
	}
	r.entities[name] = &entityKind{ops: make(map[string]*operation)}
	return Entity[T]{registry: r, name: name, load: load}
}

// Name returns the entity kind's class name.
func (e Entity[T]) Name() string { return e.name }

// Ref returns a message target for instance id.
func (e Entity[T]) Ref(id int64) Ref { return Ref{Class: e.name, ID: id} }

func (e Entity[T]) target(ctx context.Context, id int64) (T, error) {
	t, err := e.load(ctx, id)
	if err != nil {
		return t, fmt.Errorf("loading %s#%d: %w", e.name, id, err)
	}
	return t, nil
}

func decodeArg[A any](args []json.RawMessage, i int) (A, error) {
	var a A
	if err := json.Unmarshal(args[i], &a); err != nil {
		return a, fmt.Errorf("argument %d: %w", i, err)
	}
	return a, nil
}

// Handle0 declares an operation without arguments.
func Handle0[T any](e Entity[T], op string, fn func(ctx context.Context, target T) error) {
	e.registry.add(e.name, op, &operation{
		arity: 0,
		check: func([]json.RawMessage) error { return nil },
		invoke: func(ctx context.Context, id int64, _ []json.RawMessage) error {
			t, err := e.target(ctx, id)
			if err != nil {
				return err
			}
			return fn(ctx, t)
		},
	})
}

// Handle1 declares an operation with one argument.
func Handle1[T, A any](e Entity[T], op string, fn func(ctx context.Context, target T, a A) error) {
	check := func(args []json.RawMessage) error {
		_, err := decodeArg[A](args, 0)
		return err
	}
	e.registry.add(e.name, op, &operation{
		arity: 1,
		check: check,
		invoke: func(ctx context.Context, id int64, args []json.RawMessage) error {
			a, err := decodeArg[A](args, 0)
			if err != nil {
				return Permanent(err)
			}
			t, err := e.target(ctx, id)
			if err != nil {
				return err
			}
			return fn(ctx, t, a)
		},
	})
}

// Handle2 declares an operation with two arguments.
func Handle2[T, A, B any](e Entity[T], op string, fn func(ctx context.Context, target T, a A, b B) error) {
	decode := func(args []json.RawMessage) (a A, b B, err error) {
		if a, err = decodeArg[A](args, 0); err != nil {
			return
		}
		b, err = decodeArg[B](args, 1)
		return
	}
	e.registry.add(e.name, op, &operation{
		arity: 2,
		check: func(args []json.RawMessage) error {
			_, _, err := decode(args)
			return err
		},
		invoke: func(ctx context.Context, id int64, args []json.RawMessage) error {
			a, b, err := decode(args)
			if err != nil {
				return Permanent(err)
			}
			t, err := e.target(ctx, id)
			if err != nil {
				return err
			}
			return fn(ctx, t, a, b)
		},
	})
}

// Handle3 declares an operation with three arguments.
func Handle3[T, A, B, C any](e Entity[T], op string, fn func(ctx context.Context, target T, a A, b B, c C) error) {
	decode := func(args []json.RawMessage) (a A, b B, c C, err error) {
		if a, err = decodeArg[A](args, 0); err != nil {
			return
		}
		if b, err = decodeArg[B](args, 1); err != nil {
			return
		}
		c, err = decodeArg[C](args, 2)
		return
	}
	e.registry.add(e.name, op, &operation{
		arity: 3,
		check: func(args []json.RawMessage) error {
			_, _, _, err := decode(args)
			return err
		},
		invoke: func(ctx context.Context, id int64, args []json.RawMessage) error {
			a, b, c, err := decode(args)
			if err != nil {
				return Permanent(err)
			}
			t, err := e.target(ctx, id)
			if err != nil {
				return err
			}
			return fn(ctx, t, a, b, c)
		},
	})
}
