package app

import (
	"github.com/dsa110/conductor/internal/registry"
	"github.com/dsa110/conductor/modules/archive"
	"github.com/dsa110/conductor/modules/httpfetch"
	"github.com/dsa110/conductor/modules/printmsg"
)

// coreModules are the job modules registered into every App instance unless
// the caller supplies its own set.
var coreModules = []registry.Module{
	printmsg.Module{},
	httpfetch.Module{},
	archive.Module{},
}
