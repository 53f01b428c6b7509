package deck

import "fmt"

// InvalidParameterError reports a control parameter that violates its
// constraints, naming the offending field.
type InvalidParameterError struct {
	Field  string
	Reason string
}

func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("invalid parameter %s: %s", e.Field, e.Reason)
}

// MissingPriorStateError reports a non-self-consistent run that has no
// completed self-consistent charge density to start from.
type MissingPriorStateError struct {
	Prefix string
	OutDir string
}

func (e *MissingPriorStateError) Error() string {
	if e.OutDir == "" {
		return fmt.Sprintf("nscf run for %q has no prior scf output to read; run an scf calculation first", e.Prefix)
	}
	return fmt.Sprintf("nscf run for %q: no %s.save charge density under %s; run an scf calculation first", e.Prefix, e.Prefix, e.OutDir)
}

// SerializationError reports a deck that cannot be rendered because a
// required field is absent.
type SerializationError struct {
	Reason string
}

func (e *SerializationError) Error() string {
	return "cannot serialize input deck: " + e.Reason
}
