package futures

import (
	"sort"
)

// Argument is a value passed to a future: a Literal, a FutureRef, an Account or a Parameter.
type Argument interface {
	argument()
}

// Literal is a plain value. Slices ([]any) and maps (map[string]any) may nest other Argument values.
type Literal struct {
	Value any
}

// FutureRef is the result of another future: the address of a deployment or ContractAt, the value read by a
// StaticCall or ReadEventArgument, or the calldata produced by an EncodeFunctionCall.
type FutureRef struct {
	FutureID string
}

// Account is the address of the chain account at Index.
type Account struct {
	Index int
}

// Parameter is a module parameter supplied by the deployment configuration. Default is used when the parameter is not
// supplied; a nil Default makes the parameter required.
type Parameter struct {
	Module  string
	Name    string
	Default any
}

func (Literal) argument()   {}
func (FutureRef) argument() {}
func (Account) argument()   {}
func (Parameter) argument() {}

// ReferencedFutures returns the ids of the futures referenced by an argument, including those nested in literals.
func ReferencedFutures(arg Argument) []string {
	var result []string
	var walk func(value any)
	walk = func(value any) {
		switch v := value.(type) {
		case FutureRef:
			result = append(result, v.FutureID)
		case Literal:
			walk(v.Value)
		case []any:
			for _, item := range v {
				walk(item)
			}
		case []Argument:
			for _, item := range v {
				walk(item)
			}
		case map[string]any:
			for _, key := range sortedKeys(v) {
				walk(v[key])
			}
		}
	}
	if arg != nil {
		walk(arg)
	}
	return result
}

// sortedKeys returns the keys of a map in sorted order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
