package chaos

// FaultContext carries everything a policy or strategy needs to decide
// and act. One is built per wrapped call.
type FaultContext struct {
	Operation       Operation
	ResourceName    string
	LeaseID         string
	Attempt         int
	ProviderName    string
	Metadata        map[string]string
	EnvironmentTags []string
}
