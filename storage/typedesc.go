package storage

// TypeDescriptor is the capability interface a caller implements once per
// registered record type. It replaces the vtable of function pointers
// (write/read/get_id/set_id/init/destroy/skip) from the source design: Go
// has no function-pointer struct, so the equivalent is a small value the
// database holds per type, exactly the way storage.Document's Encode/Decode
// pair in the reference implementation binds a Go type to its own binary
// layout, except generalized here to any user type rather than one
// field-oriented document.
//
// New returns a fresh, zero-value record the rewrite engine and read path
// can populate in place — reusing one instance across a whole streaming
// pass instead of allocating per record, which matters in the
// resource-constrained environments this store targets.
type TypeDescriptor interface {
	Name() string
	MaxCount() int
	RecordSize() int
	New() any
	Write(w Writer, record any) error
	Read(r Reader, record any) error
	GetID(record any) uint32
	SetID(record any, id uint32)
}

// Initializer is an optional capability: types that hold fields Read does
// not unconditionally overwrite (e.g. slices Read only appends to) can
// implement it to zero-fill a record before Read populates it. Checked with
// a type assertion rather than a sentinel "not provided" value, matching
// Go's idiom for optional interface methods.
type Initializer interface {
	Init(record any)
}

// Destroyer is an optional capability: types whose records own external
// resources (open handles, pooled buffers) can implement it to release
// them. The Store calls Destroy on cached records that a write, a
// checkpoint or a filter pass replaces, evicts or invalidates. It does not
// call Destroy on cache entries evicted while a read fills the cache, nor on
// the scratch records that rewrite passes and main-file scans read into.
type Destroyer interface {
	Destroy(record any)
}

// Skipper is an optional capability letting a type advance a Reader past
// one record without materializing it, used by the read overlay when
// scanning past earlier types' sections to reach the target type. Types
// that don't implement it fall back to a full Read into a throwaway
// record (§4.3: "or a full read-and-discard when skip is absent").
type Skipper interface {
	Skip(r Reader) error
}

// FieldKind tags the scalar type of a queryable field, the sum-type
// alternative to runtime reflection that the design notes call for
// ("avoid any runtime type reflection by requiring the caller to use the
// type-specific constructor").
type FieldKind int

const (
	FieldInt FieldKind = iota
	FieldUint
	FieldFloat
	FieldBool
	FieldString
)

// FieldDescriptor names one queryable field of a record type. spec.md
// models a field by its byte offset and size within the in-memory record
// (meaningful in a language with raw pointer arithmetic); Go records are
// ordinary values, so Get replaces offset+size with a caller-supplied
// accessor closure — the same capability, expressed without unsafe.
type FieldDescriptor struct {
	Name string
	Kind FieldKind
	Get  func(record any) any
}

// QueryableDescriptor extends TypeDescriptor with the field list the query
// engine (§4.6) evaluates conditions against. Types that don't need
// querying only implement TypeDescriptor.
type QueryableDescriptor interface {
	TypeDescriptor
	Fields() []FieldDescriptor
}
