package backend

import (
	"fmt"

	"github.com/gpucomm/htcollective/util"
)

// algorithmName renders the automatic/host-transfer pair shared by every
// per-collective algorithm enum below.
func algorithmName(typeName string, v int) string {
	switch v {
	case 0:
		return "automatic"
	case 1:
		return "host-transfer"
	default:
		return fmt.Sprintf("%s(%d)", typeName, v)
	}
}

// validateAlgorithm fails explicitly, per spec.md §6, when v names neither
// of the two values every per-collective algorithm enum below recognizes:
// this backend implements exactly one algorithm, host-transfer, and
// automatic always routes to it too.
func validateAlgorithm(collective string, v int) error {
	if v != 0 && v != 1 {
		return util.MisuseErrorf("backend: unrecognized %s algorithm %d", collective, v)
	}
	return nil
}

// AllreduceAlgorithm selects which implementation Allreduce routes
// through. Per spec.md §6, automatic and host-transfer both route through
// this backend's single implementation; anything else fails explicitly.
type AllreduceAlgorithm int

const (
	AllreduceAutomatic AllreduceAlgorithm = iota
	AllreduceHostTransfer
)

func (a AllreduceAlgorithm) String() string { return algorithmName("AllreduceAlgorithm", int(a)) }
func (a AllreduceAlgorithm) validate() error { return validateAlgorithm("allreduce", int(a)) }

// AllgatherAlgorithm selects which implementation Allgather routes
// through.
type AllgatherAlgorithm int

const (
	AllgatherAutomatic AllgatherAlgorithm = iota
	AllgatherHostTransfer
)

func (a AllgatherAlgorithm) String() string { return algorithmName("AllgatherAlgorithm", int(a)) }
func (a AllgatherAlgorithm) validate() error { return validateAlgorithm("allgather", int(a)) }

// AlltoallAlgorithm selects which implementation Alltoall routes through.
type AlltoallAlgorithm int

const (
	AlltoallAutomatic AlltoallAlgorithm = iota
	AlltoallHostTransfer
)

func (a AlltoallAlgorithm) String() string { return algorithmName("AlltoallAlgorithm", int(a)) }
func (a AlltoallAlgorithm) validate() error { return validateAlgorithm("alltoall", int(a)) }

// BcastAlgorithm selects which implementation Bcast routes through.
type BcastAlgorithm int

const (
	BcastAutomatic BcastAlgorithm = iota
	BcastHostTransfer
)

func (a BcastAlgorithm) String() string { return algorithmName("BcastAlgorithm", int(a)) }
func (a BcastAlgorithm) validate() error { return validateAlgorithm("bcast", int(a)) }

// GatherAlgorithm selects which implementation Gather routes through.
type GatherAlgorithm int

const (
	GatherAutomatic GatherAlgorithm = iota
	GatherHostTransfer
)

func (a GatherAlgorithm) String() string { return algorithmName("GatherAlgorithm", int(a)) }
func (a GatherAlgorithm) validate() error { return validateAlgorithm("gather", int(a)) }

// ReduceAlgorithm selects which implementation Reduce routes through.
type ReduceAlgorithm int

const (
	ReduceAutomatic ReduceAlgorithm = iota
	ReduceHostTransfer
)

func (a ReduceAlgorithm) String() string { return algorithmName("ReduceAlgorithm", int(a)) }
func (a ReduceAlgorithm) validate() error { return validateAlgorithm("reduce", int(a)) }

// ReduceScatterAlgorithm selects which implementation ReduceScatter routes
// through.
type ReduceScatterAlgorithm int

const (
	ReduceScatterAutomatic ReduceScatterAlgorithm = iota
	ReduceScatterHostTransfer
)

func (a ReduceScatterAlgorithm) String() string {
	return algorithmName("ReduceScatterAlgorithm", int(a))
}
func (a ReduceScatterAlgorithm) validate() error { return validateAlgorithm("reduce_scatter", int(a)) }

// ScatterAlgorithm selects which implementation Scatter routes through.
type ScatterAlgorithm int

const (
	ScatterAutomatic ScatterAlgorithm = iota
	ScatterHostTransfer
)

func (a ScatterAlgorithm) String() string { return algorithmName("ScatterAlgorithm", int(a)) }
func (a ScatterAlgorithm) validate() error { return validateAlgorithm("scatter", int(a)) }
