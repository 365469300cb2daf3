package memutils

// Validatable is implemented by free-space managers and backends that can check their own
// bookkeeping. Heap.DebugCheck calls it on backends, and DebugValidate calls it on block
// metadata when the debug_heap build tag is present.
type Validatable interface {
	Validate() error
}
