//go:build unix

package shm

import (
	"os"
	"os/exec"

	"golang.org/x/sys/unix"

	internalshm "github.com/srediag/shmem/internal/shm"
)

// firstExtraFD is the descriptor number os/exec gives cmd.ExtraFiles[0].
const firstExtraFD = 3

// AddToLaunchParameters arranges for cmd to inherit a duplicate of region's
// handle and appends --name=<switch value> to its arguments. The region
// stays usable in the parent. The duplicate is appended to cmd.ExtraFiles;
// close it once cmd has started.
func AddToLaunchParameters(cmd *exec.Cmd, name string, region LaunchableRegion) (string, error) {
	pr := region.platformRegion()
	if !pr.IsValid() {
		return "", ErrInvalidRegion
	}
	dup, err := pr.handle.Duplicate()
	if err != nil {
		return "", err
	}
	cmd.ExtraFiles = append(cmd.ExtraFiles, dup.File)
	v := SwitchValue{
		Handle:    uint64(firstExtraFD + len(cmd.ExtraFiles) - 1),
		Transport: TransportInherited,
		GUID:      pr.guid,
		Size:      pr.size,
	}
	token := v.String()
	cmd.Args = append(cmd.Args, "--"+name+"="+token)
	shmLogger.Debugf("passing region %s to child as fd %d", pr.guid, v.Handle)
	return token, nil
}

func handleFromSwitch(v SwitchValue) (PlatformHandle, error) {
	if v.Transport != TransportInherited {
		return PlatformHandle{}, &SwitchError{Code: CodeHandleUnavailable, Value: v.String()}
	}
	if v.Handle > uint64(^uint32(0)>>1) {
		return PlatformHandle{}, &SwitchError{Code: CodeInvalidHandle, Value: v.String()}
	}
	fd := int(v.Handle)
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != nil {
		return PlatformHandle{}, &SwitchError{Code: CodeInvalidHandle, Value: v.String(), Err: err}
	}
	unix.CloseOnExec(fd)
	return internalshm.NewHandle(os.NewFile(uintptr(fd), "shm-switch"), nil), nil
}
