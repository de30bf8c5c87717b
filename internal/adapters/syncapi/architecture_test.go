package syncapi

import (
	"applicatorsync/testutil"
	"testing"
)

func TestTransportOnlyTalksToService(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.ImportsUnder("applicatorsync/internal/infra", "applicatorsync/internal/adapters/auditarchive"), "the HTTP layer goes through core.Service")
}
