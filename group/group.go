package group

type Group uint8

const (
	GroupInvalid       Group = 0
	GroupNotifyRetry   Group = 1
	GroupSnapshotFlush Group = 2
)

func (g Group) String() string {
	switch g {
	case GroupInvalid:
		return "Invalid Group"
	case GroupNotifyRetry:
		return "Notify Retry"
	case GroupSnapshotFlush:
		return "Snapshot Flush"
	default:
		return "Unknown Group"
	}
}
