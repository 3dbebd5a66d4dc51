package bootstrap

// Stage is a step of the data node start sequence.
type Stage int32

const (
	StageInit Stage = iota
	StageSessionTransportOpen
	StageSyncTransportOpen
	StageHTTPOpen
	StageSelfRegistered
	StageSlotTableReady
	StageSchedulerRunning
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageInit:
		return "init"
	case StageSessionTransportOpen:
		return "session-transport-open"
	case StageSyncTransportOpen:
		return "sync-transport-open"
	case StageHTTPOpen:
		return "http-open"
	case StageSelfRegistered:
		return "self-registered"
	case StageSlotTableReady:
		return "slot-table-ready"
	case StageSchedulerRunning:
		return "scheduler-running"
	case StageFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s Stage) bit() uint32 {
	return 1 << uint32(s)
}
