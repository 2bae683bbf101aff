package immediate

import (
	"fmt"

	"github.com/vkngwrapper/core/v2/common"
)

// MapType selects how a mapped resource will be accessed
type MapType int32

const (
	MapRead MapType = iota + 1
	MapWrite
	MapReadWrite
	// MapWriteDiscard replaces the resource's memory instead of waiting for the device
	MapWriteDiscard
	// MapWriteNoOverwrite promises not to touch memory the device may be using, so it never waits
	MapWriteNoOverwrite
)

var mapTypeMapping = map[MapType]string{
	MapRead:             "MapRead",
	MapWrite:            "MapWrite",
	MapReadWrite:        "MapReadWrite",
	MapWriteDiscard:     "MapWriteDiscard",
	MapWriteNoOverwrite: "MapWriteNoOverwrite",
}

func (t MapType) String() string {
	str, ok := mapTypeMapping[t]
	if !ok {
		return fmt.Sprintf("MapType(%d)", int32(t))
	}
	return str
}

// MapFlags modify the behavior of a map
type MapFlags int32

var mapFlagsMapping = common.NewFlagStringMapping[MapFlags]()

func (f MapFlags) Register(str string) {
	mapFlagsMapping.Register(f, str)
}
func (f MapFlags) String() string {
	return mapFlagsMapping.FlagsToString(f)
}

const (
	// MapFlagDoNotWait makes a map fail with ErrWasStillDrawing instead of waiting for the device
	MapFlagDoNotWait MapFlags = 0x100000
)

func init() {
	MapFlagDoNotWait.Register("MapFlagDoNotWait")
}
