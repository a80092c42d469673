package dal

// Layer wraps an Accessor to add behaviour without changing the contract.
//
// A wrapped accessor must report the inner capability unchanged, or
// narrowed. It must never report a bit the inner accessor lacks.
type Layer interface {
	Layer(inner Accessor) Accessor
}

// LayerFunc adapts a function to the Layer interface.
type LayerFunc func(inner Accessor) Accessor

// Layer implements Layer
func (f LayerFunc) Layer(inner Accessor) Accessor {
	return f(inner)
}

// Apply wraps base with layers in order. The last layer is the outermost,
// so Apply(base, l1, l2) dispatches calls through l2, then l1, then base.
func Apply(base Accessor, layers ...Layer) Accessor {
	acc := base
	for _, l := range layers {
		if l == nil {
			continue
		}
		acc = l.Layer(acc)
	}
	return acc
}
