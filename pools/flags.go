package pools

import "github.com/vkngwrapper/core/v2/common"

// CreateFlags indicate specific pool behaviors to activate or deactivate
type CreateFlags int32

var poolCreateFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	poolCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return poolCreateFlagsMapping.FlagsToString(f)
}

const (
	// PoolCreateExternallySynchronized ensures that the pool will not be synchronized internally.
	// The consumer must guarantee it is used from only one goroutine at a time or is synchronized
	// by some other mechanism, but performance may improve because internal mutexes are not used.
	PoolCreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	PoolCreateExternallySynchronized.Register("PoolCreateExternallySynchronized")
}

// CreateOptions contains optional settings when creating a pool
type CreateOptions struct {
	// Flags indicates specific pool behaviors to activate or deactivate
	Flags CreateFlags
}

func (o CreateOptions) useMutex() bool {
	return o.Flags&PoolCreateExternallySynchronized == 0
}
