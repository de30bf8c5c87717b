package core

import (
	"applicatorsync/testutil"
	"testing"
)

func TestCoreDoesNotImportAdapters(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.ImportsUnder("applicatorsync/internal/adapters", "applicatorsync/cmd"), "core is driven by adapters, never the reverse")
}
