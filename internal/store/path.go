package store

import (
	"os"
	"path/filepath"
	"strings"
)

// DBFileName is the name of the cache database inside an instance directory.
const DBFileName = "cache.db"

// HomeEnvVar overrides the base directory for local data.
const HomeEnvVar = "STRATA_HOME"

// DefaultDataRoot returns the root directory for all local instances.
// $STRATA_HOME/instances when set, else ~/.strata/instances, falling back to
// ./.strata/instances if the home dir is unavailable.
func DefaultDataRoot() string {
	if base := os.Getenv(HomeEnvVar); base != "" {
		return filepath.Join(base, "instances")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		cwd, _ := os.Getwd()
		return filepath.Join(cwd, ".strata", "instances")
	}
	return filepath.Join(home, ".strata", "instances")
}

// EncodeInstancePath encodes an instance ID for filesystem use.
// Replaces "/" with "__" for path-style instance IDs.
func EncodeInstancePath(instanceID string) string {
	return strings.ReplaceAll(instanceID, "/", "__")
}

// DecodeInstancePath decodes an encoded instance path back to the instance ID.
func DecodeInstancePath(encoded string) string {
	return strings.ReplaceAll(encoded, "__", "/")
}

// InstanceDBPath returns the full path to an instance's cache database.
// Example: InstanceDBPath("org/app") -> ~/.strata/instances/org__app/cache.db
func InstanceDBPath(instanceID string) string {
	return InstanceDBPathIn(DefaultDataRoot(), instanceID)
}

// InstanceDBPathIn is InstanceDBPath under an explicit root.
func InstanceDBPathIn(root, instanceID string) string {
	return filepath.Join(root, EncodeInstancePath(instanceID), DBFileName)
}
