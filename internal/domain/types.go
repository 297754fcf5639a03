package domain

// Data is an unstructured JSON object carried through an execution:
// trigger input, accumulated step context and final output.
type Data map[string]any

func (d Data) Clone() Data {
	if d == nil {
		return Data{}
	}
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Empty reports whether d carries no fields.
func (d Data) Empty() bool {
	return len(d) == 0
}
