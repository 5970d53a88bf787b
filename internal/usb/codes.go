// internal/usb/codes.go
package usb

import "fmt"

// Code mirrors the libusb result numbering so transport errors keep their
// conventional names and values. Code implements error; callers classify
// failures with errors.Is against the sentinel values below.
type Code int

const (
	Success         Code = 0
	ErrIO           Code = -1
	ErrInvalidParam Code = -2
	ErrAccess       Code = -3
	ErrNoDevice     Code = -4
	ErrNotFound     Code = -5
	ErrBusy         Code = -6
	ErrTimeout      Code = -7
	ErrOverflow     Code = -8
	ErrPipe         Code = -9
	ErrInterrupted  Code = -10
	ErrNoMem        Code = -11
	ErrNotSupported Code = -12
	ErrOther        Code = -99
)

var codeText = map[Code]string{
	Success:         "success",
	ErrIO:           "input/output error",
	ErrInvalidParam: "invalid parameter",
	ErrAccess:       "access denied (insufficient permissions)",
	ErrNoDevice:     "no such device (it may have been disconnected)",
	ErrNotFound:     "entity not found",
	ErrBusy:         "resource busy",
	ErrTimeout:      "operation timed out",
	ErrOverflow:     "overflow",
	ErrPipe:         "pipe error",
	ErrInterrupted:  "system call interrupted (perhaps due to signal)",
	ErrNoMem:        "insufficient memory",
	ErrNotSupported: "operation not supported or unimplemented on this platform",
	ErrOther:        "other error",
}

func (c Code) Error() string {
	if text, ok := codeText[c]; ok {
		return text
	}
	return fmt.Sprintf("usb error %d", int(c))
}
