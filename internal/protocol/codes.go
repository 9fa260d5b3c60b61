package protocol

// Code is an integer result code transmitted with failure and success
// messages. Zero and positive values are success variants, negative
// values are errors.
type Code int

const (
	CodeOK        Code = 0
	CodeScheduled Code = 1

	CodeCreateError    Code = -1
	CodeModifyError    Code = -2
	CodeControlError   Code = -3
	CodeDeleteError    Code = -4
	CodeQueryError     Code = -5
	CodeIOError        Code = -6
	CodeExternalError  Code = -7
	CodeInvalidState   Code = -8
	CodeNotFound       Code = -9
	CodeAccessDenied   Code = -10
	CodeNotSupported   Code = -11
	CodeNotValidated   Code = -12
	CodeNotTrusted     Code = -13
	CodeUsageError     Code = -15
	CodePasswordDenied Code = -20
)

// FlagNoVirtualization is a bit flag carried in hypervisor failure events
// when hardware virtualization is unavailable.
const FlagNoVirtualization = 0x01

var codeNames = map[Code]string{
	CodeOK:             "OK",
	CodeScheduled:      "SCHEDULED",
	CodeCreateError:    "CREATE_ERROR",
	CodeModifyError:    "MODIFY_ERROR",
	CodeControlError:   "CONTROL_ERROR",
	CodeDeleteError:    "DELETE_ERROR",
	CodeQueryError:     "QUERY_ERROR",
	CodeIOError:        "IO_ERROR",
	CodeExternalError:  "EXTERNAL_ERROR",
	CodeInvalidState:   "INVALID_STATE",
	CodeNotFound:       "NOT_FOUND",
	CodeAccessDenied:   "ACCESS_DENIED",
	CodeNotSupported:   "NOT_SUPPORTED",
	CodeNotValidated:   "NOT_VALIDATED",
	CodeNotTrusted:     "NOT_TRUSTED",
	CodeUsageError:     "USAGE_ERROR",
	CodePasswordDenied: "PASSWORD_DENIED",
}

// String returns the symbolic name of the code for logging.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsError reports whether the code is a failure.
func (c Code) IsError() bool {
	return c < 0
}
