package logging

// These constants are used to identify the various services that may do some logging
const (
	// ENGINE_SERVICE is the constant used to identify the execution engine
	ENGINE_SERVICE = "engine"
	// JOURNAL_SERVICE is the constant used to identify the journal package
	JOURNAL_SERVICE = "journal"
	// RECONCILIATION_SERVICE is the constant used to identify the reconciliation package
	RECONCILIATION_SERVICE = "reconciliation"
	// CHAIN_SERVICE is the constant used to identify the chain client packages
	CHAIN_SERVICE = "chain"
	// CLI_SERVICE is the constant used to identify the cmd package
	CLI_SERVICE = "cli"
)
