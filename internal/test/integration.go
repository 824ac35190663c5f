package test

import (
	"os"
	"testing"
)

const IntegrationEnvVar = "ENGINEWIRE_INTEG"

// Integration skips t unless ENGINEWIRE_INTEG is set, for tests that need Docker or a real engine.
func Integration(t *testing.T) {
	t.Helper()
	if os.Getenv(IntegrationEnvVar) == "" {
		t.Skipf("set %s to run integration tests", IntegrationEnvVar)
	}
}
