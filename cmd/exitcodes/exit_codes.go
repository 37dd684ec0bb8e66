package exitcodes

const (
	// ================================
	// Platform-universal exit codes
	// ================================

	// ExitCodeSuccess indicates no errors or failures had occurred.
	ExitCodeSuccess = 0

	// ExitCodeGeneralError indicates some type of general error occurred.
	ExitCodeGeneralError = 1

	// ================================
	// Application-specific exit codes
	// ================================
	// Note: Despite not being standardized, exit codes 3-5 are often used for common use cases, so we avoid them.

	// ExitCodeHandledError indicates that there was an error that was logged already and does not need to be handled
	// by main.
	ExitCodeHandledError = 2

	// ExitCodeDeploymentFailed indicates that a run ended with at least one future which did not succeed.
	ExitCodeDeploymentFailed = 6

	// ExitCodeReconciliationFailed indicates that the module could not resume its previous deployment because some of
	// its futures changed since they were executed.
	ExitCodeReconciliationFailed = 7

	// ExitCodeRunInterrupted indicates that a run was interrupted before every future could be executed. The
	// deployment resumes on the next run.
	ExitCodeRunInterrupted = 8
)
