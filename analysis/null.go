package analysis

// Null instruments nothing. It is enabled when no other analysis is.
type Null struct {
	Base
}

func NewNull() *Null {
	return &Null{Base: newBase(TagNull, "Null Analysis")}
}
