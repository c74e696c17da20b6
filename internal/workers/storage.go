package workers

import (
	"fmt"
	"strings"

	"github.com/danmuck/backctl/internal/protocol"
)

// StorageType selects which class of host a worker is bound to.
type StorageType int

const (
	StorageRepo StorageType = iota
	StoragePg
)

func ParseStorageType(raw string) (StorageType, error) {
	switch strings.TrimSpace(raw) {
	case "repo":
		return StorageRepo, nil
	case "pg":
		return StoragePg, nil
	default:
		return 0, protocol.Errorf(protocol.CodeAssert, "invalid protocol storage type '%s'", raw)
	}
}

func (t StorageType) String() string {
	switch t {
	case StorageRepo:
		return "repo"
	case StoragePg:
		return "pg"
	default:
		return fmt.Sprintf("%d", int(t))
	}
}

func (t StorageType) Validate() error {
	switch t {
	case StorageRepo, StoragePg:
		return nil
	default:
		return protocol.Errorf(protocol.CodeAssert, "invalid protocol storage type %d", int(t))
	}
}

// DefaultUser is the ssh login used when a host entry names none.
func (t StorageType) DefaultUser() string {
	if t == StoragePg {
		return "postgres"
	}
	return "backctl"
}
