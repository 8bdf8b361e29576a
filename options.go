package managednebula

// Options configures the control plane plugin.
type Options struct {
	// NebulaCertBinary is the path to the nebula-cert helper used for CA
	// generation and certificate signing. Ignored when InProcessSigner is
	// set.
	NebulaCertBinary string

	// InProcessSigner signs certificates in-process instead of shelling
	// out. Useful for tests and single-binary deployments where shipping
	// nebula-cert alongside is unwanted.
	InProcessSigner bool

	// Certificate lifecycle knobs, in days.
	CAValidityDays  int
	ClientCertDays  int
	CAOverlapDays   int
	CARotateAtDays  int

	// LogToConsole enables startup progress output.
	LogToConsole bool
}

// DefaultOptions returns the standard configuration: nebula-cert on PATH and
// the stock certificate lifecycle.
func DefaultOptions() Options {
	return Options{
		NebulaCertBinary: "nebula-cert",
		CAValidityDays:   3650,
		ClientCertDays:   365,
		CAOverlapDays:    180,
		CARotateAtDays:   182,
		LogToConsole:     true,
	}
}

func applyDefaultOptions(options Options) Options {
	defaults := DefaultOptions()
	if options.NebulaCertBinary == "" {
		options.NebulaCertBinary = defaults.NebulaCertBinary
	}
	if options.CAValidityDays == 0 {
		options.CAValidityDays = defaults.CAValidityDays
	}
	if options.ClientCertDays == 0 {
		options.ClientCertDays = defaults.ClientCertDays
	}
	if options.CAOverlapDays == 0 {
		options.CAOverlapDays = defaults.CAOverlapDays
	}
	if options.CARotateAtDays == 0 {
		options.CARotateAtDays = defaults.CARotateAtDays
	}
	return options
}
