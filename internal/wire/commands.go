package wire

// CommandID is the i32 discriminant at the head of every request
// frame.
type CommandID int32

const (
	CmdScanData CommandID = iota
	CmdScanFile
	CmdScanFilesAsync
	CmdScanDirAsync
	CmdScanDirsAsync
	CmdCancel
	CmdJudgeStatus
	CmdGetDetected
	CmdGetDetectedList
	CmdGetIgnored
	CmdGetIgnoredList
	CmdCheckURL
	CmdEMGetName
	CmdEMGetVendor
	CmdEMGetVersion
	CmdEMGetDataVersion
	CmdEMGetUpdatedTime
	CmdEMGetActivated
	CmdEMGetState
	CmdEMSetState
)

func (c CommandID) String() string {
	switch c {
	case CmdScanData:
		return "SCAN_DATA"
	case CmdScanFile:
		return "SCAN_FILE"
	case CmdScanFilesAsync:
		return "SCAN_FILES_ASYNC"
	case CmdScanDirAsync:
		return "SCAN_DIR_ASYNC"
	case CmdScanDirsAsync:
		return "SCAN_DIRS_ASYNC"
	case CmdCancel:
		return "CANCEL"
	case CmdJudgeStatus:
		return "JUDGE_STATUS"
	case CmdGetDetected:
		return "GET_DETECTED"
	case CmdGetDetectedList:
		return "GET_DETECTED_LIST"
	case CmdGetIgnored:
		return "GET_IGNORED"
	case CmdGetIgnoredList:
		return "GET_IGNORED_LIST"
	case CmdCheckURL:
		return "CHECK_URL"
	case CmdEMGetName:
		return "EM_GET_NAME"
	case CmdEMGetVendor:
		return "EM_GET_VENDOR"
	case CmdEMGetVersion:
		return "EM_GET_VERSION"
	case CmdEMGetDataVersion:
		return "EM_GET_DATA_VERSION"
	case CmdEMGetUpdatedTime:
		return "EM_GET_UPDATED_TIME"
	case CmdEMGetActivated:
		return "EM_GET_ACTIVATED"
	case CmdEMGetState:
		return "EM_GET_STATE"
	case CmdEMSetState:
		return "EM_SET_STATE"
	default:
		return "UNKNOWN_COMMAND"
	}
}

// EventID is the i32 discriminant used by async progress events.
type EventID int32

const (
	EventMalwareDetected EventID = iota
	EventMalwareNone
	EventComplete
)

func (e EventID) String() string {
	switch e {
	case EventMalwareDetected:
		return "MALWARE_DETECTED"
	case EventMalwareNone:
		return "MALWARE_NONE"
	case EventComplete:
		return "COMPLETE"
	default:
		return "UNKNOWN_EVENT"
	}
}

// JudgeAction is the action argument to content.judge_status.
type JudgeAction int32

const (
	JudgeRemove JudgeAction = iota
	JudgeIgnore
	JudgeUnignore
)
