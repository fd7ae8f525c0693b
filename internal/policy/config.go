package policy

// Config holds policy engine configuration.
type Config struct {
	// Enabled controls whether the policy engine is active.
	Enabled bool

	// Path to the directory containing .rego policy files.
	Path string

	// FailClosed determines behavior when policies can't be loaded or
	// evaluated. true: deny all requests; false: allow all (fail-open).
	FailClosed bool
}
