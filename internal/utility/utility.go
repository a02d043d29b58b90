package utility

import (
	"crypto/rand"
	"math/big"
)

var avatars = []string{
	"dove", "lamb", "lion", "fish", "scroll", "crown", "star", "harp",
	"olive", "shepherd", "ark", "lamp",
}

// RandomAvatarID picks a default avatar for accounts registered without one.
func RandomAvatarID() string {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(avatars))))
	if err != nil {
		return avatars[0]
	}
	return avatars[n.Int64()]
}

// KnownAvatarID reports whether id is one of the selectable avatars.
func KnownAvatarID(id string) bool {
	for _, a := range avatars {
		if a == id {
			return true
		}
	}
	return false
}
