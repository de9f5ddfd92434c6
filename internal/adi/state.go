package adi

// State is the provisioning state of a session.
type State int

const (
	Uninitialized State = iota
	Initialized
	ProvisioningStarted
	Provisioned
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case ProvisioningStarted:
		return "provisioning-started"
	case Provisioned:
		return "provisioned"
	}
	return "unknown"
}
