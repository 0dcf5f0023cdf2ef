package watch

import "golang.org/x/sys/unix"

// fdSet and fdIsSet assume the 64-bit-word FdSet layout golang.org/x/sys/unix
// uses on amd64 and arm64, the two architectures a diag router realistically
// runs on (see aio_numbers_$GOARCH.go for the same assumption on the AIO
// side).
func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << uint(fd%64)
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<uint(fd%64)) != 0
}
