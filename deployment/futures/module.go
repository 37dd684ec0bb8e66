package futures

// Module groups futures under an id. Submodules are flattened into the graph; an After entry naming a module waits for
// every future of that module and of its submodules.
type Module struct {
	ID         string
	Futures    []Future
	Submodules []*Module
}

// walk visits the module and its submodules, depth first.
func (m *Module) walk(visit func(*Module) error) error {
	if err := visit(m); err != nil {
		return err
	}
	for _, submodule := range m.Submodules {
		if err := submodule.walk(visit); err != nil {
			return err
		}
	}
	return nil
}
