package testutil

var (
	// Few keys so creates collide and deletes hit.
	keyPool = []string{"a", "b", "c", "d", "e", "f"}

	// Ints, strings, objects and arrays; no floats so canonical equality and
	// numeric equality agree.
	rawPool = []string{
		"0", "1", "5", "-3", "42",
		`"quoted"`, "red fox", "fox", "true", "null",
		`{"n": 3}`, `{"tag": "x", "n": 3}`, "[1, 2]",
	}
)

// OpGenerator derives operations from fuzz bytes.
type OpGenerator struct {
	stream *ByteStream
}

// NewOpGenerator creates a generator over fuzzBytes.
func NewOpGenerator(fuzzBytes []byte) *OpGenerator {
	return &OpGenerator{stream: NewByteStream(fuzzBytes)}
}

// HasMore reports whether more operations can be generated.
func (g *OpGenerator) HasMore() bool {
	return g.stream.HasMore()
}

// NextOp returns the next operation.
//
// Writes dominate; reopen is rare so transactions get a chance to grow.
func (g *OpGenerator) NextOp() Op {
	roll := g.stream.NextInt(100)

	switch {
	case roll < 25:
		return Op{Kind: OpCreate, Key: g.key(), Raw: g.raw()}
	case roll < 40:
		return Op{Kind: OpUpdate, Key: g.key(), Raw: g.raw()}
	case roll < 50:
		return Op{Kind: OpDelete, Key: g.key()}
	case roll < 58:
		return Op{Kind: OpRead, Key: g.key()}
	case roll < 65:
		return Op{Kind: OpBegin}
	case roll < 71:
		return Op{Kind: OpCommit}
	case roll < 77:
		return Op{Kind: OpRollback}
	case roll < 86:
		return Op{Kind: OpFindEqual, Raw: g.raw()}
	case roll < 96:
		return Op{Kind: OpFindGreater, Bound: g.stream.NextInt(12) - 4}
	default:
		return Op{Kind: OpReopen}
	}
}

func (g *OpGenerator) key() string {
	return Pick(g.stream, keyPool)
}

func (g *OpGenerator) raw() string {
	return Pick(g.stream, rawPool)
}
