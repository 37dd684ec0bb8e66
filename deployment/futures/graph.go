package futures

import (
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
)

// ValidationError describes a module which cannot be executed.
type ValidationError struct {
	// FutureID is the future at fault, if any.
	FutureID string
	Message  string
}

// Error implements error.
func (e *ValidationError) Error() string {
	if e.FutureID == "" {
		return "invalid module: " + e.Message
	}
	return fmt.Sprintf("invalid future %s: %s", e.FutureID, e.Message)
}

func invalid(futureID string, format string, args ...any) *ValidationError {
	return &ValidationError{FutureID: futureID, Message: fmt.Sprintf(format, args...)}
}

// Graph is a validated, acyclic dependency graph of futures.
type Graph struct {
	// root is the module the graph was built from.
	root *Module

	// order lists future ids in declaration order.
	order []string

	// futures maps future ids to their declaration.
	futures map[string]Future

	// dependencies maps future ids to the sorted ids of the futures they depend on, with module ids expanded.
	dependencies map[string][]string

	// dependents maps future ids to the sorted ids of the futures depending on them.
	dependents map[string][]string

	// topological lists future ids such that every future comes after its dependencies.
	topological []string
}

// NewGraph validates a module and builds its dependency graph. It returns a *ValidationError for duplicate ids, unknown
// or ill-typed references, malformed futures and dependency cycles.
func NewGraph(root *Module) (*Graph, error) {
	if root == nil {
		return nil, invalid("", "no module")
	}
	g := &Graph{
		root:         root,
		futures:      make(map[string]Future),
		dependencies: make(map[string][]string),
		dependents:   make(map[string][]string),
	}

	modules := make(map[string][]string)
	moduleChildren := make(map[string][]string)
	err := root.walk(func(m *Module) error {
		if m.ID == "" {
			return invalid("", "module without id")
		}
		if _, exists := modules[m.ID]; exists {
			return invalid("", "duplicate module id %s", m.ID)
		}
		modules[m.ID] = nil
		for _, submodule := range m.Submodules {
			moduleChildren[m.ID] = append(moduleChildren[m.ID], submodule.ID)
		}
		for _, future := range m.Futures {
			id := future.ID()
			if id == "" {
				return invalid("", "future without id in module %s", m.ID)
			}
			if _, exists := g.futures[id]; exists {
				return invalid(id, "duplicate future id")
			}
			if future.ModuleID() != m.ID {
				return invalid(id, "declared in module %s but belongs to %s", m.ID, future.ModuleID())
			}
			g.futures[id] = future
			g.order = append(g.order, id)
			modules[m.ID] = append(modules[m.ID], id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for moduleID := range modules {
		if _, clash := g.futures[moduleID]; clash {
			return nil, invalid(moduleID, "id is used by both a module and a future")
		}
	}

	var moduleFutures func(moduleID string) []string
	moduleFutures = func(moduleID string) []string {
		result := slices.Clone(modules[moduleID])
		for _, child := range moduleChildren[moduleID] {
			result = append(result, moduleFutures(child)...)
		}
		return result
	}

	for _, id := range g.order {
		future := g.futures[id]
		if err := g.validateFuture(future); err != nil {
			return nil, err
		}
		set := make(map[string]bool)
		for _, dep := range future.Dependencies() {
			if _, ok := g.futures[dep]; ok {
				set[dep] = true
				continue
			}
			if _, ok := modules[dep]; ok {
				for _, member := range moduleFutures(dep) {
					set[member] = true
				}
				continue
			}
			return nil, invalid(id, "unknown dependency %s", dep)
		}
		if set[id] {
			return nil, invalid(id, "depends on itself")
		}
		deps := make([]string, 0, len(set))
		for dep := range set {
			deps = append(deps, dep)
			g.dependents[dep] = append(g.dependents[dep], id)
		}
		slices.Sort(deps)
		g.dependencies[id] = deps
	}
	for _, ids := range g.dependents {
		slices.Sort(ids)
	}

	if err := g.sort(); err != nil {
		return nil, err
	}
	return g, nil
}

// sort computes the topological order with Kahn's algorithm, failing on cycles.
func (g *Graph) sort() error {
	inDegree := make(map[string]int, len(g.order))
	for _, id := range g.order {
		inDegree[id] = len(g.dependencies[id])
	}
	queue := make([]string, 0)
	for _, id := range g.order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		g.topological = append(g.topological, id)
		for _, dependent := range g.dependents[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}
	if len(g.topological) == len(g.order) {
		return nil
	}

	cyclic := make([]string, 0)
	for _, id := range g.order {
		if inDegree[id] > 0 {
			cyclic = append(cyclic, id)
		}
	}
	slices.Sort(cyclic)
	return invalid(cyclic[0], "dependency cycle among %s", strings.Join(cyclic, ", "))
}

// validateFuture checks the fields of a future and the kinds of the futures it references.
func (g *Graph) validateFuture(future Future) error {
	id := future.ID()
	checkArgs := func(args ...Argument) error {
		for _, arg := range args {
			if err := g.validateArgument(id, arg); err != nil {
				return err
			}
		}
		return nil
	}
	checkLibraries := func(libraries map[string]Argument) error {
		for _, name := range sortedKeys(libraries) {
			if libraries[name] == nil {
				return invalid(id, "library %s has no address", name)
			}
			if err := checkArgs(libraries[name]); err != nil {
				return err
			}
		}
		return nil
	}

	switch f := future.(type) {
	case *ContractDeployment:
		if f.ContractName == "" {
			return invalid(id, "no contract name")
		}
		if err := checkLibraries(f.Libraries); err != nil {
			return err
		}
		return checkArgs(append(slices.Clone(f.Args), f.Value, f.From)...)
	case *ArtifactContractDeployment:
		if f.Artifact == nil {
			return invalid(id, "no artifact")
		}
		if err := checkLibraries(f.Libraries); err != nil {
			return err
		}
		return checkArgs(append(slices.Clone(f.Args), f.Value, f.From)...)
	case *LibraryDeployment:
		if f.ContractName == "" && f.Artifact == nil {
			return invalid(id, "no contract name")
		}
		if err := checkLibraries(f.Libraries); err != nil {
			return err
		}
		return checkArgs(f.From)
	case *ContractAt:
		if f.ContractName == "" && f.Artifact == nil {
			return invalid(id, "no contract name")
		}
		if f.Address == nil {
			return invalid(id, "no address")
		}
		return checkArgs(f.Address)
	case *FunctionCall:
		if err := g.validateContract(id, f.Contract, f.FunctionName); err != nil {
			return err
		}
		return checkArgs(append(slices.Clone(f.Args), f.Value, f.From)...)
	case *StaticCall:
		if err := g.validateContract(id, f.Contract, f.FunctionName); err != nil {
			return err
		}
		return checkArgs(append(slices.Clone(f.Args), f.From)...)
	case *EncodeFunctionCall:
		if err := g.validateContract(id, f.Contract, f.FunctionName); err != nil {
			return err
		}
		return checkArgs(f.Args...)
	case *ReadEventArgument:
		if f.EventName == "" {
			return invalid(id, "no event name")
		}
		if f.EventIndex < 0 {
			return invalid(id, "negative event index")
		}
		source, ok := g.futures[f.Source]
		if !ok {
			return invalid(id, "unknown source future %s", f.Source)
		}
		if !SendsTransaction(source.Type()) {
			return invalid(id, "source future %s does not send a transaction", f.Source)
		}
		emitter, ok := g.futures[f.EmitterID()]
		if !ok {
			return invalid(id, "unknown emitter future %s", f.EmitterID())
		}
		if !IsContract(emitter.Type()) {
			return invalid(id, "emitter %s is not a contract", f.EmitterID())
		}
		return nil
	case *SendData:
		if f.To == nil {
			return invalid(id, "no recipient")
		}
		return checkArgs(f.To, f.Value, f.From)
	default:
		return invalid(id, "unsupported future type %T", future)
	}
}

// validateContract checks that a future references a contract future and a function by name.
func (g *Graph) validateContract(id string, contractID string, functionName string) error {
	contract, ok := g.futures[contractID]
	if !ok {
		return invalid(id, "unknown contract future %s", contractID)
	}
	if !IsContract(contract.Type()) {
		return invalid(id, "%s is not a contract", contractID)
	}
	if functionName == "" {
		return invalid(id, "no function name")
	}
	return nil
}

// validateArgument checks an argument and every argument nested within it. A nil argument is valid.
func (g *Graph) validateArgument(id string, arg Argument) error {
	switch a := arg.(type) {
	case nil:
		return nil
	case FutureRef:
		ref, ok := g.futures[a.FutureID]
		if !ok {
			return invalid(id, "unknown future %s in arguments", a.FutureID)
		}
		if !HasValue(ref.Type()) {
			return invalid(id, "future %s has no value to use as an argument", a.FutureID)
		}
	case Account:
		if a.Index < 0 {
			return invalid(id, "negative account index %d", a.Index)
		}
	case Parameter:
		if a.Name == "" {
			return invalid(id, "parameter without a name")
		}
	case Literal:
		return g.validateLiteral(id, a.Value)
	}
	return nil
}

// validateLiteral checks the arguments nested in a literal value.
func (g *Graph) validateLiteral(id string, value any) error {
	switch v := value.(type) {
	case Argument:
		return g.validateArgument(id, v)
	case []any:
		for _, item := range v {
			if err := g.validateLiteral(id, item); err != nil {
				return err
			}
		}
	case map[string]any:
		for _, key := range sortedKeys(v) {
			if err := g.validateLiteral(id, v[key]); err != nil {
				return err
			}
		}
	}
	return nil
}

// Root returns the module the graph was built from.
func (g *Graph) Root() *Module {
	return g.root
}

// Future returns the future with the given id.
func (g *Graph) Future(id string) (Future, bool) {
	future, ok := g.futures[id]
	return future, ok
}

// Futures returns every future in declaration order.
func (g *Graph) Futures() []Future {
	result := make([]Future, len(g.order))
	for i, id := range g.order {
		result[i] = g.futures[id]
	}
	return result
}

// Dependencies returns the sorted ids of the futures the given future depends on, with module ids expanded.
func (g *Graph) Dependencies(id string) []string {
	return slices.Clone(g.dependencies[id])
}

// Dependents returns the sorted ids of the futures depending on the given future.
func (g *Graph) Dependents(id string) []string {
	return slices.Clone(g.dependents[id])
}

// TopologicalOrder returns every future id such that each comes after its dependencies.
func (g *Graph) TopologicalOrder() []string {
	return slices.Clone(g.topological)
}

// Batches splits the futures which are not yet completed into waves: the first wave holds every pending future whose
// dependencies are all completed, and each later wave holds the futures whose dependencies are completed or in an
// earlier wave. Ids within a wave are sorted.
func (g *Graph) Batches(completed func(id string) bool) [][]string {
	wave := make(map[string]int)
	batches := make([][]string, 0)
	for _, id := range g.topological {
		if completed(id) {
			continue
		}
		level := 0
		for _, dep := range g.dependencies[id] {
			if depLevel, pending := wave[dep]; pending && depLevel+1 > level {
				level = depLevel + 1
			}
		}
		wave[id] = level
		for len(batches) <= level {
			batches = append(batches, nil)
		}
		batches[level] = append(batches[level], id)
	}
	for _, batch := range batches {
		slices.Sort(batch)
	}
	return batches
}

// IsContract returns whether futures of the given type result in a contract with an ABI.
func IsContract(futureType FutureType) bool {
	switch futureType {
	case ContractDeploymentType, ArtifactContractDeploymentType, LibraryDeploymentType, ContractAtType:
		return true
	}
	return false
}

// SendsTransaction returns whether futures of the given type send a transaction.
func SendsTransaction(futureType FutureType) bool {
	switch futureType {
	case ContractDeploymentType, ArtifactContractDeploymentType, LibraryDeploymentType, FunctionCallType, SendDataType:
		return true
	}
	return false
}

// HasValue returns whether futures of the given type produce a value usable as an argument.
func HasValue(futureType FutureType) bool {
	switch futureType {
	case FunctionCallType, SendDataType:
		return false
	}
	return true
}
