package memutils

// Validatable is anything that can check its own bookkeeping, such as block metadata.
type Validatable interface {
	Validate() error
}
