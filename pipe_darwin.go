package wire

import "golang.org/x/sys/unix"

func newPipePair() (readFD int, writeFD int, err error) {
	var fds [2]int
	err = unix.Pipe(fds[:])
	if err != nil {
		return -1, -1, err
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err = unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return -1, -1, err
		}
	}
	return fds[0], fds[1], nil
}
