package storage

// Column is a logical key namespace. Every key in the store lives in
// exactly one column; key layouts are fixed-width byte tuples defined in
// keys.go.
type Column string

const (
	ColumnMeta        Column = "meta"
	ColumnConfig      Column = "config"
	ColumnIdentity    Column = "identity"
	ColumnState       Column = "state"
	ColumnDelta       Column = "delta"
	ColumnBlobs       Column = "blobs"
	ColumnApplication Column = "application"
	ColumnAlias       Column = "alias"
	ColumnGeneric     Column = "generic"
)

// Columns lists every column for store initialization.
var Columns = []Column{
	ColumnMeta,
	ColumnConfig,
	ColumnIdentity,
	ColumnState,
	ColumnDelta,
	ColumnBlobs,
	ColumnApplication,
	ColumnAlias,
	ColumnGeneric,
}

// Op is one write in a transaction.
type Op struct {
	Col    Column
	Key    []byte
	Value  []byte
	Delete bool
}

// Transaction is an ordered batch applied atomically.
type Transaction []Op

// Store defines the persistent key-value interface the core reads and
// writes through. Storage is durable and single-writer per column.
type Store interface {
	// Get returns the value for key, or nil if absent.
	Get(col Column, key []byte) ([]byte, error)
	// Put stores value under key.
	Put(col Column, key, value []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(col Column, key []byte) error
	// Iter walks keys with the given prefix in byte order. Returning an
	// error from fn stops the walk and surfaces the error.
	Iter(col Column, prefix []byte, fn func(key, value []byte) error) error
	// Apply commits a transaction atomically.
	Apply(tx Transaction) error
	// Close releases the underlying engine.
	Close() error
}
