// Package runname generates memorable run names so operators can refer to a
// run without pasting its ID around.
package runname

import (
	"fmt"
	"math/rand/v2"
)

var adjectives = []string{
	"amber", "bold", "brisk", "calm", "clever", "crisp", "deft", "eager",
	"fleet", "gentle", "keen", "lively", "lucid", "mellow", "nimble",
	"placid", "quick", "rapid", "sharp", "silent", "steady", "swift",
	"tidy", "vivid", "wry",
}

var animals = []string{
	"badger", "bison", "crane", "falcon", "gannet", "heron", "ibex",
	"jackdaw", "kestrel", "lynx", "marten", "newt", "osprey", "otter",
	"petrel", "plover", "raven", "shrike", "stoat", "swift", "tern",
	"vole", "wren",
}

// Generate returns a random adjective-animal pair such as "brisk-otter".
// Names are not unique; the run ID is the identity.
func Generate() string {
	return fmt.Sprintf("%s-%s",
		adjectives[rand.IntN(len(adjectives))],
		animals[rand.IntN(len(animals))])
}
