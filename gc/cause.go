package gc

// Cause is the reason a collection was requested.
type Cause int

const (
	CauseNoGC Cause = iota
	CauseAllocationFailure
	CauseSystemGC
	CauseGCLocker
	CauseLastDitch
	CauseWhiteBoxYoungGC
	CauseWhiteBoxFullGC
	CauseHeapDump
)

func (c Cause) String() string {
	switch c {
	case CauseNoGC:
		return "No GC"
	case CauseAllocationFailure:
		return "Allocation Failure"
	case CauseSystemGC:
		return "System.gc()"
	case CauseGCLocker:
		return "GCLocker Initiated GC"
	case CauseLastDitch:
		return "Last ditch collection"
	case CauseWhiteBoxYoungGC:
		return "WhiteBox Initiated Young GC"
	case CauseWhiteBoxFullGC:
		return "WhiteBox Initiated Full GC"
	case CauseHeapDump:
		return "Heap Dump Initiated GC"
	default:
		return "unknown GCCause"
	}
}

// IsExplicitFullGC reports whether a full collection was asked for by a user
// or a tool rather than by the heap itself. Such requests are retried until
// a full collection actually ran.
func (c Cause) IsExplicitFullGC() bool {
	return c == CauseSystemGC || c == CauseWhiteBoxFullGC || c == CauseHeapDump
}
