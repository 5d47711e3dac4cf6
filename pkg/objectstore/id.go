package objectstore

import (
	"encoding/hex"
	"fmt"
)

// ObjectID is the 128-bit identifier addressing an object, per spec.md §3.
type ObjectID [16]byte

// String renders the lowercase 32-hex-digit encoding used as the object's
// file name.
func (id ObjectID) String() string {
	return hex.EncodeToString(id[:])
}

// ParseObjectID decodes the lowercase 32-hex-digit encoding produced by
// [ObjectID.String]. Non-conforming input (wrong length, non-hex digits)
// is rejected so callers like get_all_object_ids can skip it silently.
func ParseObjectID(s string) (ObjectID, bool) {
	if len(s) != 32 {
		return ObjectID{}, false
	}

	var id ObjectID

	_, err := hex.Decode(id[:], []byte(s))
	if err != nil {
		return ObjectID{}, false
	}

	return id, true
}

// objectPath is the fan-out path for id: "ids/<hex1>/<hex32>", per
// spec.md §3 and §6.
func objectPath(id ObjectID) string {
	name := id.String()

	return fmt.Sprintf("ids/%c/%s", name[0], name)
}

// objectDir is the fan-out directory for id.
func objectDir(id ObjectID) string {
	name := id.String()

	return fmt.Sprintf("ids/%c", name[0])
}

// Next returns id+1 as a 128-bit big-endian increment, matching the
// "adjacent IDs" scenario in spec.md §8 (id1, id1+1).
func (id ObjectID) Next() ObjectID {
	out := id

	for i := len(out) - 1; i >= 0; i-- {
		out[i]++
		if out[i] != 0 {
			break
		}
	}

	return out
}
