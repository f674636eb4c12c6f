//go:build unix

// Package transport moves open descriptors between processes over Unix
// domain sockets.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/srediag/shmem/internal/logger"
)

var transportLogger = logger.New("transport", nil)

// ErrTruncated is returned when the kernel dropped descriptors because the
// receive buffer was too small for them.
var ErrTruncated = errors.New("transport: control message truncated")

// SendFiles writes msg with the descriptors of files attached. The
// receiver gets new descriptors for the same open files; the caller keeps
// its own.
func SendFiles(conn *net.UnixConn, msg []byte, files ...*os.File) error {
	if len(msg) == 0 {
		return errors.New("transport: empty message")
	}
	fds := make([]int, len(files))
	for i, f := range files {
		fds[i] = int(f.Fd())
	}
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	n, oobn, err := conn.WriteMsgUnix(msg, oob, nil)
	if err != nil {
		transportLogger.Warnf("sendmsg with %d descriptors failed: %v", len(fds), err)
		return fmt.Errorf("sendmsg: %w", err)
	}
	if oobn != len(oob) {
		return fmt.Errorf("sendmsg: wrote %d of %d control bytes", oobn, len(oob))
	}
	if n < len(msg) {
		if _, err := conn.Write(msg[n:]); err != nil {
			return fmt.Errorf("write: %w", err)
		}
	}
	return nil
}

// RecvFiles reads exactly len(buf) bytes, accepting at most maxFiles
// descriptors sent with them. Received descriptors are close-on-exec.
func RecvFiles(conn *net.UnixConn, buf []byte, maxFiles int) ([]*os.File, error) {
	oob := make([]byte, unix.CmsgSpace(4*maxFiles))
	n, oobn, flags, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, io.EOF
	}
	files, perr := parseRights(oob[:oobn])
	if perr == nil && flags&unix.MSG_CTRUNC != 0 {
		perr = ErrTruncated
	}
	if perr == nil && n < len(buf) {
		if _, err := io.ReadFull(conn, buf[n:]); err != nil {
			perr = fmt.Errorf("read: %w", err)
		}
	}
	if perr != nil {
		for _, f := range files {
			_ = f.Close()
		}
		return nil, perr
	}
	return files, nil
}

func parseRights(oob []byte) ([]*os.File, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parse control message: %w", err)
	}
	var files []*os.File
	var first error
	for i := range msgs {
		fds, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			if first == nil {
				first = fmt.Errorf("parse rights: %w", err)
			}
			continue
		}
		for _, fd := range fds {
			unix.CloseOnExec(fd)
			files = append(files, os.NewFile(uintptr(fd), fmt.Sprintf("fd%d", fd)))
		}
	}
	if first != nil {
		for _, f := range files {
			_ = f.Close()
		}
		return nil, first
	}
	return files, nil
}
