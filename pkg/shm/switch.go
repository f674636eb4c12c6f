package shm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/valyala/bytebufferpool"
)

// SwitchCode classifies why a launch switch value was rejected.
type SwitchCode int

const (
	CodeNoError SwitchCode = iota
	CodeUnexpectedTokenCount
	CodeParseHandleFailed
	CodeUnexpectedHandleType
	CodeInvalidHandle
	CodeHandleUnavailable
	CodeDeserializeGUIDFailed
	CodeDeserializeSizeFailed
	CodeTakeFailed
)

var switchCodeNames = [...]string{
	CodeNoError:               "no error",
	CodeUnexpectedTokenCount:  "unexpected token count",
	CodeParseHandleFailed:     "parse handle failed",
	CodeUnexpectedHandleType:  "unexpected handle type",
	CodeInvalidHandle:         "invalid handle",
	CodeHandleUnavailable:     "handle unavailable",
	CodeDeserializeGUIDFailed: "deserialize guid failed",
	CodeDeserializeSizeFailed: "deserialize size failed",
	CodeTakeFailed:            "take failed",
}

func (c SwitchCode) String() string {
	if c >= 0 && int(c) < len(switchCodeNames) {
		return switchCodeNames[c]
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// SwitchError is returned for a switch value that cannot be turned back
// into a region.
type SwitchError struct {
	Code  SwitchCode
	Value string
	Err   error
}

func (e *SwitchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("shm switch %q: %s: %v", e.Value, e.Code, e.Err)
	}
	return fmt.Sprintf("shm switch %q: %s", e.Value, e.Code)
}

func (e *SwitchError) Unwrap() error { return e.Err }

// HandleTransport tells the child how the handle value in a switch reaches it.
type HandleTransport byte

const (
	// TransportInherited: the value is a handle inherited at launch.
	TransportInherited HandleTransport = 'i'
	// TransportRendezvous: the value is a key for a rendezvous service.
	TransportRendezvous HandleTransport = 'r'
	// TransportParent: the value is a handle in the parent's table that the
	// child duplicates into its own.
	TransportParent HandleTransport = 'p'
)

// SwitchValue is the decoded form of "<handle>,<transport>,<guid-high>,<guid-low>,<size>".
type SwitchValue struct {
	Handle    uint64
	Transport HandleTransport
	GUID      GUID
	Size      uint64
}

func (v SwitchValue) String() string {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	buf.B = strconv.AppendUint(buf.B, v.Handle, 10)
	buf.B = append(buf.B, ',', byte(v.Transport), ',')
	buf.B = strconv.AppendUint(buf.B, v.GUID.High, 10)
	buf.B = append(buf.B, ',')
	buf.B = strconv.AppendUint(buf.B, v.GUID.Low, 10)
	buf.B = append(buf.B, ',')
	buf.B = strconv.AppendUint(buf.B, v.Size, 10)
	return buf.String()
}

// ParseSwitchValue decodes s. Sizes of zero or above maxSize are rejected.
func ParseSwitchValue(s string, maxSize uint64) (SwitchValue, error) {
	fail := func(code SwitchCode, err error) (SwitchValue, error) {
		shmLogger.Warnf("rejecting switch value %q: %s", s, code)
		return SwitchValue{}, &SwitchError{Code: code, Value: s, Err: err}
	}
	tokens := strings.Split(s, ",")
	if len(tokens) != 5 {
		return fail(CodeUnexpectedTokenCount, nil)
	}
	handle, err := strconv.ParseUint(tokens[0], 10, 64)
	if err != nil {
		return fail(CodeParseHandleFailed, err)
	}
	if len(tokens[1]) != 1 {
		return fail(CodeUnexpectedHandleType, nil)
	}
	transport := HandleTransport(tokens[1][0])
	switch transport {
	case TransportInherited, TransportRendezvous, TransportParent:
	default:
		return fail(CodeUnexpectedHandleType, nil)
	}
	high, err := strconv.ParseUint(tokens[2], 10, 64)
	if err != nil {
		return fail(CodeDeserializeGUIDFailed, err)
	}
	low, err := strconv.ParseUint(tokens[3], 10, 64)
	if err != nil {
		return fail(CodeDeserializeGUIDFailed, err)
	}
	guid := GUID{High: high, Low: low}
	if guid.IsZero() {
		return fail(CodeDeserializeGUIDFailed, errors.New("zero guid"))
	}
	size, err := strconv.ParseUint(tokens[4], 10, 64)
	if err != nil {
		return fail(CodeDeserializeSizeFailed, err)
	}
	if size == 0 || size > maxSize {
		return fail(CodeDeserializeSizeFailed, fmt.Errorf("size %d outside (0, %d]", size, maxSize))
	}
	return SwitchValue{Handle: handle, Transport: transport, GUID: guid, Size: size}, nil
}

func regionFromSwitch(ctx context.Context, value string, mode Mode) (*PlatformRegion, error) {
	v, err := ParseSwitchValue(value, uint64(currentConfig().MaxSwitchRegionSize))
	if err != nil {
		return nil, err
	}
	h, err := handleFromSwitch(v)
	if err != nil {
		return nil, err
	}
	r, err := Take(ctx, h, mode, v.Size, v.GUID)
	if err != nil {
		return nil, &SwitchError{Code: CodeTakeFailed, Value: value, Err: err}
	}
	return r, nil
}

// ReadOnlyRegionFromSwitch rebuilds, in a child process, the read-only
// region its parent passed with AddToLaunchParameters.
func ReadOnlyRegionFromSwitch(ctx context.Context, value string) (*ReadOnlyRegion, error) {
	r, err := regionFromSwitch(ctx, value, ModeReadOnly)
	if err != nil {
		return nil, err
	}
	return DeserializeReadOnlyRegion(r)
}

// UnsafeRegionFromSwitch is ReadOnlyRegionFromSwitch for unsafe regions.
func UnsafeRegionFromSwitch(ctx context.Context, value string) (*UnsafeRegion, error) {
	r, err := regionFromSwitch(ctx, value, ModeUnsafe)
	if err != nil {
		return nil, err
	}
	return DeserializeUnsafeRegion(r)
}

// SwitchFromArgs returns the value of --name=value or "--name value" in args.
func SwitchFromArgs(args []string, name string) (string, bool) {
	flag := "--" + name
	for i, a := range args {
		if v, ok := strings.CutPrefix(a, flag+"="); ok {
			return v, true
		}
		if a == flag && i+1 < len(args) {
			return args[i+1], true
		}
	}
	return "", false
}

// LaunchableRegion is a region that may be handed to a child process at
// launch: ReadOnlyRegion or UnsafeRegion.
type LaunchableRegion interface {
	platformRegion() *PlatformRegion
}

func (r *ReadOnlyRegion) platformRegion() *PlatformRegion { return r.r }

func (u *UnsafeRegion) platformRegion() *PlatformRegion { return u.r }
