package hql

// Node is the interface implemented by all AST nodes.
type Node interface {
	node()
}

// BinaryExpr is AND or OR.
type BinaryExpr struct {
	Op    string // "AND" or "OR"
	Left  Node
	Right Node
}

func (BinaryExpr) node() {}

// MatchExpr compares one field with a value. An empty Key searches the
// record's free text instead.
type MatchExpr struct {
	Key   string // canonical field name, see Canonical
	Value string
	Op    string // "=", "!=" or "CONTAINS"
}

func (MatchExpr) node() {}

// NotExpr negates its inner expression.
type NotExpr struct {
	Expr Node
}

func (NotExpr) node() {}
