package fibev

import "fmt"

// ChainOp is one step of a [Backend.Chain] call: an op kind, the io object
// it targets, and the arguments that kind expects beyond the io object
// (SPEC_FULL.md §C.3, grounded on backend_libev.c's per-verb arity checks
// in its chain implementation).
type ChainOp struct {
	Kind string
	IO   any
	Args []any
}

// chainArity is the per-op-kind argument count validated before any syscall
// in a chain runs, mirroring backend_libev.c raising ArgumentError at parse
// time rather than mid-chain.
var chainArity = map[string]int{
	"write":         1, // []byte
	"send":          2, // []byte, flags int
	"writev":        1, // [][]byte
	"splice":        2, // dest any, maxlen int
	"splice_to_eof": 2, // dest any, maxlen int
}

// Chain implements spec §4.G "chain": executes a small sequence of
// write/send/splice ops in order on self, returning the last op's result.
// Arity is validated for every op before the first syscall runs, so a
// malformed chain fails atomically with [InvalidArgument].
func (b *Backend) Chain(self *Fiber, ops ...ChainOp) (any, error) {
	for _, op := range ops {
		want, ok := chainArity[op.Kind]
		if !ok {
			return nil, &InvalidArgument{Message: "chain: unknown op kind " + op.Kind}
		}
		if len(op.Args) != want {
			return nil, &InvalidArgument{
				Message: fmt.Sprintf("chain: %s wants %d arg(s), got %d", op.Kind, want, len(op.Args)),
			}
		}
	}

	var result any
	for _, op := range ops {
		var err error
		switch op.Kind {
		case "write":
			result, err = b.Write(self, op.IO, op.Args[0].([]byte))
		case "send":
			result, err = b.Send(self, op.IO, op.Args[0].([]byte), op.Args[1].(int))
		case "writev":
			result, err = b.Writev(self, op.IO, op.Args[0].([][]byte))
		case "splice":
			result, err = b.Splice(self, op.IO, op.Args[0], op.Args[1].(int))
		case "splice_to_eof":
			result, err = b.SpliceToEOF(self, op.IO, op.Args[0], op.Args[1].(int))
		}
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}
