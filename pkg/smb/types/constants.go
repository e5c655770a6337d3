// Package types defines the SMB2/SMB3 wire constants and the closed set of
// request and response messages the client engine speaks.
package types

import "fmt"

// Dialect versions for SMB2/SMB3 negotiation
type Dialect uint16

const (
	DialectSMB2_0_2 Dialect = 0x0202 // SMB 2.0.2
	DialectSMB2_1   Dialect = 0x0210 // SMB 2.1
	DialectSMB3_0   Dialect = 0x0300 // SMB 3.0
	DialectSMB3_0_2 Dialect = 0x0302 // SMB 3.0.2
	DialectSMB3_1_1 Dialect = 0x0311 // SMB 3.1.1
	DialectWildcard Dialect = 0x02FF // Wildcard (multi-protocol negotiate)
)

// Dialects lists the SMB2/3 dialects the engine can speak, lowest first.
var Dialects = []Dialect{
	DialectSMB2_0_2,
	DialectSMB2_1,
	DialectSMB3_0,
	DialectSMB3_0_2,
	DialectSMB3_1_1,
}

func (d Dialect) String() string {
	switch d {
	case DialectSMB2_0_2:
		return "2.0.2"
	case DialectSMB2_1:
		return "2.1"
	case DialectSMB3_0:
		return "3.0"
	case DialectSMB3_0_2:
		return "3.0.2"
	case DialectSMB3_1_1:
		return "3.1.1"
	case DialectWildcard:
		return "2.???"
	}
	return fmt.Sprintf("0x%04X", uint16(d))
}

// ParseDialect converts "2.0.2", "2.1", "3.0", "3.0.2" or "3.1.1" to a Dialect.
func ParseDialect(s string) (Dialect, error) {
	for _, d := range Dialects {
		if d.String() == s {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown dialect %q", s)
}

// IsSMB3 reports whether the dialect belongs to the SMB 3.x family.
func (d Dialect) IsSMB3() bool {
	return d >= DialectSMB3_0
}

// Command values for SMB2 header
type Command uint16

const (
	CommandNegotiate      Command = 0x0000
	CommandSessionSetup   Command = 0x0001
	CommandLogoff         Command = 0x0002
	CommandTreeConnect    Command = 0x0003
	CommandTreeDisconnect Command = 0x0004
	CommandCreate         Command = 0x0005
	CommandClose          Command = 0x0006
	CommandFlush          Command = 0x0007
	CommandRead           Command = 0x0008
	CommandWrite          Command = 0x0009
	CommandLock           Command = 0x000A
	CommandIoctl          Command = 0x000B
	CommandCancel         Command = 0x000C
	CommandEcho           Command = 0x000D
	CommandQueryDirectory Command = 0x000E
	CommandChangeNotify   Command = 0x000F
	CommandQueryInfo      Command = 0x0010
	CommandSetInfo        Command = 0x0011
	CommandOplockBreak    Command = 0x0012
)

var commandNames = map[Command]string{
	CommandNegotiate:      "NEGOTIATE",
	CommandSessionSetup:   "SESSION_SETUP",
	CommandLogoff:         "LOGOFF",
	CommandTreeConnect:    "TREE_CONNECT",
	CommandTreeDisconnect: "TREE_DISCONNECT",
	CommandCreate:         "CREATE",
	CommandClose:          "CLOSE",
	CommandFlush:          "FLUSH",
	CommandRead:           "READ",
	CommandWrite:          "WRITE",
	CommandLock:           "LOCK",
	CommandIoctl:          "IOCTL",
	CommandCancel:         "CANCEL",
	CommandEcho:           "ECHO",
	CommandQueryDirectory: "QUERY_DIRECTORY",
	CommandChangeNotify:   "CHANGE_NOTIFY",
	CommandQueryInfo:      "QUERY_INFO",
	CommandSetInfo:        "SET_INFO",
	CommandOplockBreak:    "OPLOCK_BREAK",
	commandError:          "ERROR",
}

func (c Command) String() string {
	if n, ok := commandNames[c]; ok {
		return n
	}
	return fmt.Sprintf("COMMAND_0x%04X", uint16(c))
}

// HeaderFlags for SMB2 header
type HeaderFlags uint32

const (
	FlagsServerToRedir   HeaderFlags = 0x00000001 // Response from server
	FlagsAsyncCommand    HeaderFlags = 0x00000002 // Async command
	FlagsRelatedOps      HeaderFlags = 0x00000004 // Related operations (compounded)
	FlagsSigned          HeaderFlags = 0x00000008 // Message is signed
	FlagsPriorityMask    HeaderFlags = 0x00000070 // Priority mask (SMB 3.1.1)
	FlagsDFSOperations   HeaderFlags = 0x10000000 // DFS operations
	FlagsReplayOperation HeaderFlags = 0x20000000 // Replay operation (SMB 3.0)
)

// NT Status codes commonly encountered
type NTStatus uint32

const (
	StatusSuccess               NTStatus = 0x00000000
	StatusPending               NTStatus = 0x00000103 // Async operation pending
	StatusMoreEntries           NTStatus = 0x00000105
	StatusNotifyEnumDir         NTStatus = 0x0000010C // Watched directory changed, re-enumerate
	StatusBufferOverflow        NTStatus = 0x80000005 // Partial data returned
	StatusNoMoreFiles           NTStatus = 0x80000006
	StatusMoreProcessingReq     NTStatus = 0xC0000016 // Continue (used in auth)
	StatusInvalidParameter      NTStatus = 0xC000000D
	StatusNoSuchFile            NTStatus = 0xC000000F
	StatusInvalidDeviceRequest  NTStatus = 0xC0000010
	StatusEndOfFile             NTStatus = 0xC0000011
	StatusAccessDenied          NTStatus = 0xC0000022
	StatusObjectNameNotFound    NTStatus = 0xC0000034
	StatusObjectNameCollision   NTStatus = 0xC0000035
	StatusObjectPathNotFound    NTStatus = 0xC000003A
	StatusLogonFailure          NTStatus = 0xC000006D
	StatusPasswordExpired       NTStatus = 0xC0000071
	StatusAccountDisabled       NTStatus = 0xC0000072
	StatusNotSupported          NTStatus = 0xC00000BB
	StatusNetworkNameDeleted    NTStatus = 0xC00000C9
	StatusBadNetworkName        NTStatus = 0xC00000CC
	StatusCancelled             NTStatus = 0xC0000120
	StatusFSDriverRequired      NTStatus = 0xC000019C
	StatusUserSessionDeleted    NTStatus = 0xC0000203
	StatusNotFound              NTStatus = 0xC0000225
	StatusPathNotCovered        NTStatus = 0xC0000257 // Path lives on another DFS target
	StatusNetworkSessionExpired NTStatus = 0xC000035C
	StatusSMBBadUID             NTStatus = 0x005B0002
)

var statusNames = map[NTStatus]string{
	StatusSuccess:               "STATUS_SUCCESS",
	StatusPending:               "STATUS_PENDING",
	StatusMoreEntries:           "STATUS_MORE_ENTRIES",
	StatusNotifyEnumDir:         "STATUS_NOTIFY_ENUM_DIR",
	StatusBufferOverflow:        "STATUS_BUFFER_OVERFLOW",
	StatusNoMoreFiles:           "STATUS_NO_MORE_FILES",
	StatusMoreProcessingReq:     "STATUS_MORE_PROCESSING_REQUIRED",
	StatusInvalidParameter:      "STATUS_INVALID_PARAMETER",
	StatusNoSuchFile:            "STATUS_NO_SUCH_FILE",
	StatusInvalidDeviceRequest:  "STATUS_INVALID_DEVICE_REQUEST",
	StatusEndOfFile:             "STATUS_END_OF_FILE",
	StatusAccessDenied:          "STATUS_ACCESS_DENIED",
	StatusObjectNameNotFound:    "STATUS_OBJECT_NAME_NOT_FOUND",
	StatusObjectNameCollision:   "STATUS_OBJECT_NAME_COLLISION",
	StatusObjectPathNotFound:    "STATUS_OBJECT_PATH_NOT_FOUND",
	StatusLogonFailure:          "STATUS_LOGON_FAILURE",
	StatusPasswordExpired:       "STATUS_PASSWORD_EXPIRED",
	StatusAccountDisabled:       "STATUS_ACCOUNT_DISABLED",
	StatusNotSupported:          "STATUS_NOT_SUPPORTED",
	StatusNetworkNameDeleted:    "STATUS_NETWORK_NAME_DELETED",
	StatusBadNetworkName:        "STATUS_BAD_NETWORK_NAME",
	StatusCancelled:             "STATUS_CANCELLED",
	StatusFSDriverRequired:      "STATUS_FS_DRIVER_REQUIRED",
	StatusUserSessionDeleted:    "STATUS_USER_SESSION_DELETED",
	StatusNotFound:              "STATUS_NOT_FOUND",
	StatusPathNotCovered:        "STATUS_PATH_NOT_COVERED",
	StatusNetworkSessionExpired: "STATUS_NETWORK_SESSION_EXPIRED",
}

func (s NTStatus) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("0x%08X", uint32(s))
}

// IsSuccess returns true only for STATUS_SUCCESS. Command-specific
// non-error outcomes are decided by the response, see IsErrorStatus.
func (s NTStatus) IsSuccess() bool {
	return s == StatusSuccess
}

// IsError returns true if the status carries error severity
func (s NTStatus) IsError() bool {
	return s&0xC0000000 == 0xC0000000
}

// AccessMask for file access rights
type AccessMask uint32

const (
	FileReadData        AccessMask = 0x00000001
	FileWriteData       AccessMask = 0x00000002
	FileAppendData      AccessMask = 0x00000004
	FileReadEA          AccessMask = 0x00000008
	FileWriteEA         AccessMask = 0x00000010
	FileExecute         AccessMask = 0x00000020
	FileReadAttributes  AccessMask = 0x00000080
	FileWriteAttributes AccessMask = 0x00000100
	Delete              AccessMask = 0x00010000
	ReadControl         AccessMask = 0x00020000
	Synchronize         AccessMask = 0x00100000
	MaximumAllowed      AccessMask = 0x02000000
	GenericAll          AccessMask = 0x10000000
	GenericExecute      AccessMask = 0x20000000
	GenericWrite        AccessMask = 0x40000000
	GenericRead         AccessMask = 0x80000000
)

// CreateDisposition for create operations
type CreateDisposition uint32

const (
	FileSupersede   CreateDisposition = 0 // Replace if exists, create if not
	FileOpen        CreateDisposition = 1 // Open existing, fail if not exists
	FileCreate      CreateDisposition = 2 // Create new, fail if exists
	FileOpenIf      CreateDisposition = 3 // Open if exists, create if not
	FileOverwrite   CreateDisposition = 4 // Overwrite existing, fail if not
	FileOverwriteIf CreateDisposition = 5 // Overwrite if exists, create if not
)

// CreateOptions for create operations
type CreateOptions uint32

const (
	FileDirectoryFile         CreateOptions = 0x00000001
	FileWriteThrough          CreateOptions = 0x00000002
	FileSequentialOnly        CreateOptions = 0x00000004
	FileSynchronousIONonAlert CreateOptions = 0x00000020
	FileNonDirectoryFile      CreateOptions = 0x00000040
	FileRandomAccess          CreateOptions = 0x00000800
	FileDeleteOnClose         CreateOptions = 0x00001000
	FileOpenReparsePoint      CreateOptions = 0x00200000
)

// FileAttributes for files and directories
type FileAttributes uint32

const (
	FileAttributeReadOnly  FileAttributes = 0x00000001
	FileAttributeHidden    FileAttributes = 0x00000002
	FileAttributeSystem    FileAttributes = 0x00000004
	FileAttributeDirectory FileAttributes = 0x00000010
	FileAttributeArchive   FileAttributes = 0x00000020
	FileAttributeNormal    FileAttributes = 0x00000080
)

// ShareAccess for file sharing
type ShareAccess uint32

const (
	FileShareRead   ShareAccess = 0x00000001
	FileShareWrite  ShareAccess = 0x00000002
	FileShareDelete ShareAccess = 0x00000004
)

// ShareType indicates the type of share
type ShareType uint8

const (
	ShareTypeDisk  ShareType = 0x01
	ShareTypePipe  ShareType = 0x02
	ShareTypePrint ShareType = 0x03
)

// ShareFlags returned by TREE_CONNECT
type ShareFlags uint32

const (
	ShareFlagDFS               ShareFlags = 0x00000001
	ShareFlagDFSRoot           ShareFlags = 0x00000002
	ShareFlagEncryptData       ShareFlags = 0x00008000
	ShareFlagAccessBasedDirEnm ShareFlags = 0x00000800
)

// ShareCapabilities returned by TREE_CONNECT
type ShareCapabilities uint32

const (
	ShareCapDFS                 ShareCapabilities = 0x00000008
	ShareCapContinuousAvailable ShareCapabilities = 0x00000010
	ShareCapScaleout            ShareCapabilities = 0x00000020
	ShareCapCluster             ShareCapabilities = 0x00000040
)

// SecurityMode flags
type SecurityMode uint16

const (
	NegotiateSigningEnabled  SecurityMode = 0x01
	NegotiateSigningRequired SecurityMode = 0x02
)

// Capabilities flags
type Capabilities uint32

const (
	GlobalCapDFS               Capabilities = 0x00000001
	GlobalCapLeasing           Capabilities = 0x00000002
	GlobalCapLargeMTU          Capabilities = 0x00000004
	GlobalCapMultiChannel      Capabilities = 0x00000008
	GlobalCapPersistentHandles Capabilities = 0x00000010
	GlobalCapDirectoryLeasing  Capabilities = 0x00000020
	GlobalCapEncryption        Capabilities = 0x00000040
)

// FSCTL codes carried by IOCTL
const (
	FsctlDFSGetReferrals   uint32 = 0x00060194
	FsctlDFSGetReferralsEx uint32 = 0x000601B0
	FsctlPipeTransceive    uint32 = 0x0011C017
	FsctlValidateNegInfo   uint32 = 0x00140204
)

// IoctlFlagIsFsctl marks an IOCTL request as an FSCTL.
const IoctlFlagIsFsctl uint32 = 0x00000001

// Completion filter bits for CHANGE_NOTIFY
const (
	NotifyChangeFileName   uint32 = 0x00000001
	NotifyChangeDirName    uint32 = 0x00000002
	NotifyChangeAttributes uint32 = 0x00000004
	NotifyChangeSize       uint32 = 0x00000008
	NotifyChangeLastWrite  uint32 = 0x00000010
)

// WatchTree makes CHANGE_NOTIFY monitor subdirectories too.
const WatchTree uint16 = 0x0001

// Protocol magic bytes
var (
	SMB2ProtocolID = [4]byte{0xFE, 'S', 'M', 'B'}
	SMB1ProtocolID = [4]byte{0xFF, 'S', 'M', 'B'}
)

// Header sizes and field offsets
const (
	SMB2HeaderSize    = 64 // SMB2 header is always 64 bytes
	NextCommandOffset = 20
	FlagsOffset       = 16
	SignatureOffset   = 48
	SignatureSize     = 16
)

// CreditUnit is the payload size covered by one credit under LARGE_MTU.
const CreditUnit = 65536
