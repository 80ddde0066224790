// SPDX-License-Identifier: AGPL-3.0-or-later

package jobid

// wordlist maps each byte value to a short mnemonic word.
var wordlist = [256]string{
	"acid", "acorn", "actor", "adobe", "agent", "alarm", "album", "alpha", "amber", "angle", "anvil", "apple", "apron", "arena", "arrow", "aspen",
	"atlas", "atom", "audio", "aunt", "axis", "bacon", "badge", "bagel", "baker", "bamboo", "banjo", "barn", "basil", "beach", "beard", "berry",
	"bison", "blade", "blimp", "bloom", "board", "bonus", "boot", "brain", "brick", "bride", "brook", "brush", "buggy", "bunny", "cabin", "cable",
	"cactus", "camel", "canal", "candy", "canoe", "cargo", "carol", "cedar", "chalk", "charm", "chess", "chili", "cider", "cigar", "civic", "clamp",
	"cliff", "cloud", "clown", "coast", "cobra", "cocoa", "comet", "coral", "couch", "crane", "crisp", "crown", "cubic", "curry", "cycle", "daisy",
	"dance", "delta", "denim", "depot", "diary", "dingo", "disco", "diver", "dock", "dodge", "donut", "draft", "dream", "drift", "drum", "dune",
	"eagle", "earth", "easel", "ebony", "echo", "eclair", "elbow", "elder", "ember", "emoji", "enjoy", "entry", "epoch", "equal", "event", "fable",
	"facet", "fairy", "falcon", "fancy", "fault", "feast", "fern", "ferry", "fiber", "field", "finch", "fjord", "flame", "flint", "flute", "focus",
	"forge", "fossil", "frost", "fudge", "gala", "gamma", "garden", "gecko", "geyser", "giant", "ginger", "glade", "globe", "glove", "goose", "grain",
	"grape", "gravy", "guava", "guild", "gusto", "habit", "halo", "hammer", "harbor", "hazel", "heron", "hiker", "honey", "hotel", "husky", "icon",
	"igloo", "index", "indigo", "inlet", "iris", "ivory", "jacket", "jade", "jaguar", "jelly", "jewel", "jingle", "joker", "judge", "juice", "jumbo",
	"kayak", "kebab", "kettle", "kiosk", "kite", "kiwi", "knot", "koala", "label", "ladle", "lagoon", "lamp", "lance", "laser", "latch", "lemon",
	"lilac", "linen", "lobby", "lotus", "lunar", "lyric", "magma", "mango", "maple", "marble", "meadow", "melon", "mint", "mocha", "molar", "moose",
	"motor", "mural", "nacho", "navy", "nebula", "nectar", "noble", "nomad", "north", "nova", "nugget", "oasis", "ocean", "olive", "omega", "onion",
	"opal", "orbit", "otter", "oxide", "paddle", "panda", "parka", "pasta", "pearl", "pepper", "piano", "pilot", "pixel", "plaza", "polar", "prism",
	"quartz", "quest", "quill", "radar", "raven", "reef", "rhino", "ripple", "robin", "rocket", "rover", "ruby", "saddle", "salsa", "sonic", "zebra",
}
