// Package exitcodes defines the process exit codes prspec uses.
//
// * Success (0): every worker's runner exited 0, or the run was a dry run
// * TestFailure (1): at least one worker failed to spawn or exited non-zero
// * ConfigError (2): the run could not be set up (bad flags, no tests, state file in use)
package exitcodes

const (
	Success     = 0 // All workers passed
	TestFailure = 1 // Some worker failed
	ConfigError = 2 // Invalid configuration
)
