package worktree

import (
	"fmt"
	"math/rand"
)

var idAdjectives = []string{
	"amber", "bold", "brisk", "calm", "clever", "cosmic", "crisp", "eager",
	"fuzzy", "gentle", "golden", "keen", "lively", "lucid", "mellow", "nimble",
	"quiet", "rapid", "silent", "solid", "steady", "swift", "tidy", "vivid",
}

var idNouns = []string{
	"badger", "beacon", "canyon", "cedar", "comet", "falcon", "fjord", "garnet",
	"glacier", "harbor", "heron", "lagoon", "marble", "meadow", "orchid", "otter",
	"pebble", "quartz", "raven", "ridge", "sparrow", "summit", "thicket", "willow",
}

// NewID returns a new adjective-noun worktree id with a numeric suffix to
// keep collisions unlikely, e.g. "swift-falcon-42".
func (p *GitProvisioner) NewID() string {
	adj := idAdjectives[rand.Intn(len(idAdjectives))]
	noun := idNouns[rand.Intn(len(idNouns))]
	return fmt.Sprintf("%s-%s-%d", adj, noun, rand.Intn(100))
}
