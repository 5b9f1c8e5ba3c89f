package expr

// node is an evaluable expression-tree node. Trees are immutable after
// parsing, so a cached Compiled may be evaluated concurrently.
type node interface {
	eval(ctx Context) (any, error)
}

type numberNode struct{ val float64 }

type stringNode struct{ val string }

type boolNode struct{ val bool }

type identNode struct{ name string }

type listNode struct{ elems []node }

// memberNode is dotted access, e.g. rsi14.value or candle.close.
type memberNode struct {
	target node
	field  string
}

// indexNode is bracket access on lists and maps.
type indexNode struct {
	target node
	index  node
}

type unaryNode struct {
	op      string // "!" or "-"
	operand node
}

type binaryNode struct {
	op          string
	left, right node
}

type ternaryNode struct {
	cond, then, alt node
}

// callNode holds the builtin resolved at compile time; unknown names are
// rejected by the parser, never discovered at evaluation.
type callNode struct {
	name string
	fn   Builtin
	args []node
}
