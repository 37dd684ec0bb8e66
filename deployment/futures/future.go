package futures

import (
	"github.com/crytic/keel/artifacts"
)

// FutureType identifies the kind of a Future.
type FutureType string

const (
	ContractDeploymentType         FutureType = "CONTRACT_DEPLOYMENT"
	ArtifactContractDeploymentType FutureType = "ARTIFACT_CONTRACT_DEPLOYMENT"
	LibraryDeploymentType          FutureType = "LIBRARY_DEPLOYMENT"
	ContractAtType                 FutureType = "CONTRACT_AT"
	FunctionCallType               FutureType = "FUNCTION_CALL"
	StaticCallType                 FutureType = "STATIC_CALL"
	ReadEventArgumentType          FutureType = "READ_EVENT_ARGUMENT"
	SendDataType                   FutureType = "SEND_DATA"
	EncodeFunctionCallType         FutureType = "ENCODE_FUNCTION_CALL"
)

// Future is a single declared step of a deployment. The set of implementations is closed: ContractDeployment,
// ArtifactContractDeployment, LibraryDeployment, ContractAt, FunctionCall, StaticCall, ReadEventArgument, SendData
// and EncodeFunctionCall.
type Future interface {
	// ID returns the globally unique id of the future.
	ID() string

	// Type returns the kind of the future.
	Type() FutureType

	// ModuleID returns the id of the module declaring the future.
	ModuleID() string

	// Dependencies returns the ids the future depends on as declared: its After entries, which may name modules,
	// followed by every future referenced by its fields. Graph.Dependencies returns the expanded set.
	Dependencies() []string

	sealed()
}

// Meta holds the fields every future declares.
type Meta struct {
	// FutureID is the globally unique id of the future, conventionally "<module>#<name>".
	FutureID string
	// Module is the id of the declaring module.
	Module string
	// After lists future or module ids which must complete before this future starts.
	After []string
}

// ID implements Future.
func (m Meta) ID() string { return m.FutureID }

// ModuleID implements Future.
func (m Meta) ModuleID() string { return m.Module }

func (m Meta) sealed() {}

// ContractDeployment deploys a contract whose artifact is loaded by name.
type ContractDeployment struct {
	Meta
	ContractName string
	Args         []Argument
	// Libraries maps library names to the address of their deployment.
	Libraries map[string]Argument
	Value     Argument
	From      Argument
}

// ArtifactContractDeployment deploys a contract from an artifact provided inline.
type ArtifactContractDeployment struct {
	Meta
	ContractName string
	Artifact     *artifacts.Artifact
	Args         []Argument
	Libraries    map[string]Argument
	Value        Argument
	From         Argument
}

// LibraryDeployment deploys a library. Artifact may be nil, in which case it is loaded by name.
type LibraryDeployment struct {
	Meta
	ContractName string
	Artifact     *artifacts.Artifact
	Libraries    map[string]Argument
	From         Argument
}

// ContractAt binds an artifact to an existing address, without any transaction.
type ContractAt struct {
	Meta
	ContractName string
	Artifact     *artifacts.Artifact
	Address      Argument
}

// FunctionCall sends a transaction calling a function of a contract future.
type FunctionCall struct {
	Meta
	// Contract is the id of the contract future to call.
	Contract     string
	FunctionName string
	Args         []Argument
	Value        Argument
	From         Argument
}

// StaticCall reads a function output of a contract future without a transaction.
type StaticCall struct {
	Meta
	Contract     string
	FunctionName string
	Args         []Argument
	// NameOrIndex selects the output to keep, by name or decimal index. Empty selects the first output.
	NameOrIndex string
	From        Argument
}

// ReadEventArgument reads an argument of an event emitted by the transaction of another future.
type ReadEventArgument struct {
	Meta
	// Source is the id of the future whose transaction emitted the event.
	Source string
	// Emitter is the id of the contract future that emitted the event. Empty means Source.
	Emitter   string
	EventName string
	// NameOrIndex selects the event argument, by name or decimal index.
	NameOrIndex string
	// EventIndex selects among several matching events of the transaction.
	EventIndex int
}

// SendData sends a transaction with raw data to an address.
type SendData struct {
	Meta
	To    Argument
	Data  []byte
	Value Argument
	From  Argument
}

// EncodeFunctionCall produces the calldata of a function call without sending it.
type EncodeFunctionCall struct {
	Meta
	Contract     string
	FunctionName string
	Args         []Argument
}

// Type implements Future.
func (f *ContractDeployment) Type() FutureType         { return ContractDeploymentType }
func (f *ArtifactContractDeployment) Type() FutureType { return ArtifactContractDeploymentType }
func (f *LibraryDeployment) Type() FutureType          { return LibraryDeploymentType }
func (f *ContractAt) Type() FutureType                 { return ContractAtType }
func (f *FunctionCall) Type() FutureType               { return FunctionCallType }
func (f *StaticCall) Type() FutureType                 { return StaticCallType }
func (f *ReadEventArgument) Type() FutureType          { return ReadEventArgumentType }
func (f *SendData) Type() FutureType                   { return SendDataType }
func (f *EncodeFunctionCall) Type() FutureType         { return EncodeFunctionCallType }

// Dependencies implements Future.
func (f *ContractDeployment) Dependencies() []string {
	return collect(f.After, nil, f.Args, f.Libraries, f.Value, f.From)
}

// Dependencies implements Future.
func (f *ArtifactContractDeployment) Dependencies() []string {
	return collect(f.After, nil, f.Args, f.Libraries, f.Value, f.From)
}

// Dependencies implements Future.
func (f *LibraryDeployment) Dependencies() []string {
	return collect(f.After, nil, nil, f.Libraries, nil, f.From)
}

// Dependencies implements Future.
func (f *ContractAt) Dependencies() []string {
	return collect(f.After, nil, []Argument{f.Address}, nil, nil, nil)
}

// Dependencies implements Future.
func (f *FunctionCall) Dependencies() []string {
	return collect(f.After, []string{f.Contract}, f.Args, nil, f.Value, f.From)
}

// Dependencies implements Future.
func (f *StaticCall) Dependencies() []string {
	return collect(f.After, []string{f.Contract}, f.Args, nil, nil, f.From)
}

// Dependencies implements Future.
func (f *ReadEventArgument) Dependencies() []string {
	return collect(f.After, []string{f.Source, f.Emitter}, nil, nil, nil, nil)
}

// Dependencies implements Future.
func (f *SendData) Dependencies() []string {
	return collect(f.After, nil, []Argument{f.To}, nil, f.Value, f.From)
}

// Dependencies implements Future.
func (f *EncodeFunctionCall) Dependencies() []string {
	return collect(f.After, []string{f.Contract}, f.Args, nil, nil, nil)
}

// EmitterID returns the id of the contract future that emitted the event.
func (f *ReadEventArgument) EmitterID() string {
	if f.Emitter == "" {
		return f.Source
	}
	return f.Emitter
}

// collect gathers declared dependencies in a stable order without duplicates.
func collect(after []string, contracts []string, args []Argument, libraries map[string]Argument, value Argument, from Argument) []string {
	result := make([]string, 0, len(after)+len(contracts))
	seen := make(map[string]bool)
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			result = append(result, id)
		}
	}
	for _, id := range after {
		add(id)
	}
	for _, id := range contracts {
		add(id)
	}
	for _, arg := range args {
		for _, id := range ReferencedFutures(arg) {
			add(id)
		}
	}
	for _, name := range sortedKeys(libraries) {
		for _, id := range ReferencedFutures(libraries[name]) {
			add(id)
		}
	}
	for _, id := range ReferencedFutures(value) {
		add(id)
	}
	for _, id := range ReferencedFutures(from) {
		add(id)
	}
	return result
}
