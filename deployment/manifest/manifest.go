package manifest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/crytic/keel/artifacts"
	"github.com/crytic/keel/deployment/futures"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"gopkg.in/yaml.v3"
)

// Future types accepted in the type field of a manifest future.
const (
	TypeContract           = "contract"
	TypeLibrary            = "library"
	TypeContractAt         = "contractAt"
	TypeCall               = "call"
	TypeStaticCall         = "staticCall"
	TypeReadEventArgument  = "readEventArgument"
	TypeSend               = "send"
	TypeEncodeFunctionCall = "encodeFunctionCall"
)

// moduleManifest is the YAML form of a futures.Module.
type moduleManifest struct {
	// Module is the id of the module. Future names are prefixed with it.
	Module string `yaml:"module"`

	// Futures declares the futures of the module.
	Futures []futureManifest `yaml:"futures"`

	// Submodules lists manifest files, relative to this one, whose modules are part of this module.
	Submodules []string `yaml:"submodules,omitempty"`
}

// futureManifest is the YAML form of a future. Which fields apply depends on Type.
type futureManifest struct {
	// Name is the name of the future within its module. Its id is "<module>#<name>".
	Name string `yaml:"name"`
	Type string `yaml:"type"`

	// Contract is the contract name of deployments and contractAt futures.
	Contract string `yaml:"contract,omitempty"`
	// Artifact is the path of an artifact file, relative to the manifest, used instead of loading Contract by name.
	Artifact string `yaml:"artifact,omitempty"`
	// On names the contract future called by call, staticCall and encodeFunctionCall futures.
	On       string `yaml:"on,omitempty"`
	Function string `yaml:"function,omitempty"`

	Args      []any          `yaml:"args,omitempty"`
	Libraries map[string]any `yaml:"libraries,omitempty"`
	Value     any            `yaml:"value,omitempty"`
	From      any            `yaml:"from,omitempty"`
	// To is the recipient of a send.
	To any `yaml:"to,omitempty"`
	// Address is the address bound by a contractAt.
	Address any `yaml:"address,omitempty"`
	// Data is the hex calldata of a send.
	Data string `yaml:"data,omitempty"`

	// Output selects the output of a staticCall or the argument of a readEventArgument, by name or index.
	Output string `yaml:"output,omitempty"`
	// Event, Source, Emitter and Index locate the event read by a readEventArgument.
	Event   string `yaml:"event,omitempty"`
	Source  string `yaml:"source,omitempty"`
	Emitter string `yaml:"emitter,omitempty"`
	Index   int    `yaml:"index,omitempty"`

	// After lists futures, by name or id, and submodules, by id, which must complete first.
	After []string `yaml:"after,omitempty"`
}

// Load reads the manifest at path and the manifests of its submodules.
func Load(path string) (*futures.Module, error) {
	return newLoader().load(path)
}

// Parse parses a manifest. Submodule and artifact paths are relative to baseDir.
func Parse(data []byte, baseDir string) (*futures.Module, error) {
	return newLoader().parse(data, baseDir)
}

// loader tracks the manifest files being loaded to reject include cycles.
type loader struct {
	loading []string
}

func newLoader() *loader {
	return &loader{loading: make([]string, 0)}
}

func (l *loader) load(path string) (*futures.Module, error) {
	absolute, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if slices.Contains(l.loading, absolute) {
		return nil, fmt.Errorf("manifest %s includes itself", path)
	}
	data, err := os.ReadFile(absolute)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	l.loading = append(l.loading, absolute)
	defer func() { l.loading = l.loading[:len(l.loading)-1] }()
	module, err := l.parse(data, filepath.Dir(absolute))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return module, nil
}

func (l *loader) parse(data []byte, baseDir string) (*futures.Module, error) {
	// Reject unknown fields, which are most likely typos
	var m moduleManifest
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if m.Module == "" || strings.Contains(m.Module, "#") {
		return nil, fmt.Errorf("invalid module id %q", m.Module)
	}

	module := &futures.Module{ID: m.Module, Futures: make([]futures.Future, 0, len(m.Futures))}
	for _, path := range m.Submodules {
		submodule, err := l.load(filepath.Join(baseDir, path))
		if err != nil {
			return nil, err
		}
		module.Submodules = append(module.Submodules, submodule)
	}

	b := &builder{module: module, baseDir: baseDir, names: make(map[string]bool)}
	for _, f := range m.Futures {
		b.names[f.Name] = true
	}
	for _, f := range m.Futures {
		future, err := b.future(f)
		if err != nil {
			return nil, err
		}
		module.Futures = append(module.Futures, future)
	}
	return module, nil
}

// builder converts the futures of one module.
type builder struct {
	module  *futures.Module
	baseDir string
	// names holds the names of the futures declared by the module.
	names map[string]bool
}

// id returns the id of a future referenced by name. Names containing '#' are already ids.
func (b *builder) id(name string) string {
	if name == "" || strings.Contains(name, "#") {
		return name
	}
	return b.module.ID + "#" + name
}

// afterID returns the id of an After entry: a future of the module, a submodule, or an id.
func (b *builder) afterID(name string) string {
	if b.names[name] {
		return b.id(name)
	}
	for _, submodule := range b.module.Submodules {
		if submodule.ID == name {
			return name
		}
	}
	return b.id(name)
}

func (b *builder) future(f futureManifest) (futures.Future, error) {
	if f.Name == "" || strings.Contains(f.Name, "#") {
		return nil, fmt.Errorf("invalid future name %q", f.Name)
	}
	fail := func(format string, args ...any) (futures.Future, error) {
		return nil, fmt.Errorf("future %s: %s", f.Name, fmt.Sprintf(format, args...))
	}

	meta := futures.Meta{FutureID: b.id(f.Name), Module: b.module.ID, After: make([]string, 0, len(f.After))}
	for _, after := range f.After {
		meta.After = append(meta.After, b.afterID(after))
	}
	args, err := b.arguments(f.Args)
	if err != nil {
		return fail("%v", err)
	}
	libraries := make(map[string]futures.Argument, len(f.Libraries))
	for name, value := range f.Libraries {
		if libraries[name], err = b.argument(value); err != nil {
			return fail("%v", err)
		}
	}
	value, err := b.argument(f.Value)
	if err != nil {
		return fail("%v", err)
	}
	from, err := b.argument(f.From)
	if err != nil {
		return fail("%v", err)
	}
	artifact, err := b.artifact(f.Artifact)
	if err != nil {
		return fail("%v", err)
	}

	switch f.Type {
	case TypeContract:
		if artifact != nil {
			return &futures.ArtifactContractDeployment{Meta: meta, ContractName: f.Contract, Artifact: artifact,
				Args: args, Libraries: libraries, Value: value, From: from}, nil
		}
		if f.Contract == "" {
			return fail("a contract needs a contract name or an artifact")
		}
		return &futures.ContractDeployment{Meta: meta, ContractName: f.Contract, Args: args, Libraries: libraries,
			Value: value, From: from}, nil

	case TypeLibrary:
		if f.Contract == "" && artifact == nil {
			return fail("a library needs a contract name or an artifact")
		}
		return &futures.LibraryDeployment{Meta: meta, ContractName: f.Contract, Artifact: artifact, Libraries: libraries,
			From: from}, nil

	case TypeContractAt:
		address, err := b.argument(f.Address)
		if err != nil {
			return fail("%v", err)
		}
		if address == nil {
			return fail("contractAt needs an address")
		}
		return &futures.ContractAt{Meta: meta, ContractName: f.Contract, Artifact: artifact, Address: address}, nil

	case TypeCall:
		return &futures.FunctionCall{Meta: meta, Contract: b.id(f.On), FunctionName: f.Function, Args: args,
			Value: value, From: from}, nil

	case TypeStaticCall:
		return &futures.StaticCall{Meta: meta, Contract: b.id(f.On), FunctionName: f.Function, Args: args,
			NameOrIndex: f.Output, From: from}, nil

	case TypeEncodeFunctionCall:
		return &futures.EncodeFunctionCall{Meta: meta, Contract: b.id(f.On), FunctionName: f.Function, Args: args}, nil

	case TypeReadEventArgument:
		return &futures.ReadEventArgument{Meta: meta, Source: b.id(f.Source), Emitter: b.id(f.Emitter),
			EventName: f.Event, NameOrIndex: f.Output, EventIndex: f.Index}, nil

	case TypeSend:
		to, err := b.argument(f.To)
		if err != nil {
			return fail("%v", err)
		}
		if to == nil {
			return fail("send needs a recipient")
		}
		var data []byte
		if f.Data != "" {
			if data, err = hexutil.Decode(f.Data); err != nil {
				return fail("invalid data: %v", err)
			}
		}
		return &futures.SendData{Meta: meta, To: to, Data: data, Value: value, From: from}, nil
	}
	return fail("unknown type %q", f.Type)
}

// artifact loads an artifact file relative to the manifest, if a path is given.
func (b *builder) artifact(path string) (*artifacts.Artifact, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(filepath.Join(b.baseDir, path))
	if err != nil {
		return nil, err
	}
	return artifacts.ParseArtifact(data)
}

func (b *builder) arguments(values []any) ([]futures.Argument, error) {
	args := make([]futures.Argument, 0, len(values))
	for _, value := range values {
		arg, err := b.argument(value)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

// argument converts a YAML value into an argument. A mapping with a single "future" or "account" key, or a
// "parameter" key with optional "default" and "module" keys, is a reference; any other value is a literal whose
// nested values may hold references.
func (b *builder) argument(value any) (futures.Argument, error) {
	if value == nil {
		return nil, nil
	}
	if reference, ok, err := b.reference(value); ok || err != nil {
		return reference, err
	}
	literal, err := b.literal(value)
	if err != nil {
		return nil, err
	}
	return futures.Literal{Value: literal}, nil
}

func (b *builder) literal(value any) (any, error) {
	if reference, ok, err := b.reference(value); ok || err != nil {
		return reference, err
	}
	switch v := value.(type) {
	case []any:
		result := make([]any, len(v))
		for i, item := range v {
			converted, err := b.literal(item)
			if err != nil {
				return nil, err
			}
			result[i] = converted
		}
		return result, nil
	case map[string]any:
		result := make(map[string]any, len(v))
		for key, item := range v {
			converted, err := b.literal(item)
			if err != nil {
				return nil, err
			}
			result[key] = converted
		}
		return result, nil
	}
	return value, nil
}

// reference converts a reference mapping. It returns false for any other value.
func (b *builder) reference(value any) (futures.Argument, bool, error) {
	m, ok := value.(map[string]any)
	if !ok {
		return nil, false, nil
	}
	if name, ok := m["future"]; ok && len(m) == 1 {
		s, ok := name.(string)
		if !ok || s == "" {
			return nil, true, fmt.Errorf("invalid future reference %v", name)
		}
		return futures.FutureRef{FutureID: b.id(s)}, true, nil
	}
	if index, ok := m["account"]; ok && len(m) == 1 {
		i, ok := index.(int)
		if !ok || i < 0 {
			return nil, true, fmt.Errorf("invalid account index %v", index)
		}
		return futures.Account{Index: i}, true, nil
	}
	if name, ok := m["parameter"]; ok {
		for key := range m {
			if key != "parameter" && key != "default" && key != "module" {
				return nil, false, nil
			}
		}
		s, ok := name.(string)
		if !ok || s == "" {
			return nil, true, fmt.Errorf("invalid parameter name %v", name)
		}
		module, _ := m["module"].(string)
		return futures.Parameter{Module: module, Name: s, Default: m["default"]}, true, nil
	}
	return nil, false, nil
}
