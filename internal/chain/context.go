package chain

import "weft/internal/tensor"

// Context is the hierarchical key-value side channel scoped to one root
// chain. Set nodes write into it, Use nodes read from it anywhere else in
// the same tree, without explicit wiring between the two.
//
// There is no locking discipline: a Context belongs to one forward pass at a
// time. Callers needing concurrency use structural copies or serialize
// passes.
type Context struct {
	namespaces map[string]map[string]*tensor.Tensor
}

func NewContext() *Context {
	return &Context{namespaces: make(map[string]map[string]*tensor.Tensor)}
}

// Declare ensures a namespace exists, empty if absent.
func (c *Context) Declare(namespace string) {
	if _, ok := c.namespaces[namespace]; !ok {
		c.namespaces[namespace] = make(map[string]*tensor.Tensor)
	}
}

// Reset drops every value in a namespace. Run applies it to all namespaces
// declared by modules in the tree before each forward pass.
func (c *Context) Reset(namespace string) {
	c.namespaces[namespace] = make(map[string]*tensor.Tensor)
}

func (c *Context) Set(namespace, key string, value *tensor.Tensor) {
	c.Declare(namespace)
	c.namespaces[namespace][key] = value
}

// Get fails fast on a read of a value that was never written; it never
// returns a default.
func (c *Context) Get(namespace, key string) (*tensor.Tensor, error) {
	ns, ok := c.namespaces[namespace]
	if !ok {
		return nil, &ContextMissError{Namespace: namespace, Key: key}
	}
	value, ok := ns[key]
	if !ok || value == nil {
		return nil, &ContextMissError{Namespace: namespace, Key: key}
	}
	return value, nil
}
