package matching

import (
	"fmt"
	"math/rand/v2"
	"strings"
)

var (
	adjectives = []string{
		"amber", "brave", "calm", "dapper", "eager", "fancy", "gentle", "happy", "icy", "jolly",
		"keen", "lucky", "mellow", "nimble", "olive", "proud", "quiet", "rapid", "silver", "tidy",
		"upbeat", "vivid", "witty", "young", "zesty",
	}
	nouns = []string{
		"badger", "comet", "dolphin", "falcon", "garden", "harbor", "island", "jaguar", "kestrel",
		"lantern", "meadow", "nebula", "otter", "panda", "quarry", "river", "sparrow", "tiger",
		"urchin", "valley", "walrus", "yak", "zebra",
	}
)

// friendlyName returns a display name such as "Brave otter 4821"
func friendlyName() string {
	adj := adjectives[rand.IntN(len(adjectives))]
	noun := nouns[rand.IntN(len(nouns))]
	return fmt.Sprintf("%s%s %s %d", strings.ToUpper(adj[:1]), adj[1:], noun, 1000+rand.IntN(9000))
}
