package store

import (
	"fmt"
	"os"
)

// InstanceEnvVar names the environment variable consulted by ResolveInstance.
const InstanceEnvVar = "STRATA_INSTANCE"

// ResolveInstance determines the instance ID to use based on priority chain.
// Priority: explicit > STRATA_INSTANCE env > "default"
func ResolveInstance(explicit string) (string, error) {
	if explicit != "" {
		if err := ValidateInstanceID(explicit); err != nil {
			return "", fmt.Errorf("invalid instance ID %q: %w", explicit, err)
		}
		return explicit, nil
	}

	if env := os.Getenv(InstanceEnvVar); env != "" {
		if err := ValidateInstanceID(env); err != nil {
			return "", fmt.Errorf("invalid %s %q: %w", InstanceEnvVar, env, err)
		}
		return env, nil
	}

	return DefaultInstanceID, nil
}
