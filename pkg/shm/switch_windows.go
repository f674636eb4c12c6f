//go:build windows

package shm

import (
	"os/exec"

	"golang.org/x/sys/windows"

	internalshm "github.com/srediag/shmem/internal/shm"
)

// AddToLaunchParameters keeps a duplicate of region's handle in this
// process and appends --name=<switch value> to cmd's arguments. The child
// duplicates the handle out of this process, which also closes it here.
func AddToLaunchParameters(cmd *exec.Cmd, name string, region LaunchableRegion) (string, error) {
	pr := region.platformRegion()
	if !pr.IsValid() {
		return "", ErrInvalidRegion
	}
	dup, err := pr.handle.Duplicate()
	if err != nil {
		return "", err
	}
	v := SwitchValue{
		Handle:    uint64(dup.Raw()),
		Transport: TransportParent,
		GUID:      pr.guid,
		Size:      pr.size,
	}
	token := v.String()
	cmd.Args = append(cmd.Args, "--"+name+"="+token)
	return token, nil
}

func handleFromSwitch(v SwitchValue) (PlatformHandle, error) {
	switch v.Transport {
	case TransportParent:
		h, err := internalshm.HandleFromParent(uintptr(v.Handle))
		if err != nil {
			return PlatformHandle{}, &SwitchError{Code: CodeInvalidHandle, Value: v.String(), Err: err}
		}
		return h, nil
	case TransportInherited:
		return internalshm.NewHandle(windows.Handle(v.Handle)), nil
	default:
		return PlatformHandle{}, &SwitchError{Code: CodeHandleUnavailable, Value: v.String()}
	}
}
