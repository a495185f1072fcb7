// Package devices implements the hypervisor's two synthetic devices: the
// debug character port (0xE9) and the guest-to-host file protocol (0x278).
package devices

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// FilePort is the I/O port the file protocol engine is bound to.
const FilePort uint16 = 0x278

// Opcodes sent by the guest as a 32-bit OUT on FilePort.
const (
	opFinish int32 = 0
	opOpen   int32 = 1
	opClose  int32 = 2
	opRead   int32 = 3
	opWrite  int32 = 4
)

// eofByte is the EOF sentinel value (-1 as a signed byte, 0xFF unsigned)
// returned to the guest on a READ past end of file or with no current
// file.
const eofByte byte = 0xFF

// maxNameLen bounds the guest-supplied filename buffer. The original's
// fixed `char ime[50]` has no overflow check; the guest always terminates
// the name with a NUL byte (guest.c's OPEN path), so this cap leaves room
// for that terminator the same way the original's buffer does, and
// silently stops appending past it rather than growing unbounded or
// panicking.
const maxNameLen = 49

// protoState is the per-guest file-port state machine position, one of
// IDLE/IN_OPEN/IN_CLOSE/IN_READ/IN_WRITE (§3).
type protoState int

const (
	stateIdle protoState = iota
	stateOpen
	stateClose
	stateRead
	stateWrite
)

// FileEntry is one guest-visible open file: the host descriptor it maps
// to, the open flags/mode the guest asked for, and the filename being
// assembled byte-by-byte during OPEN.
type FileEntry struct {
	FD       int
	Flags    int32
	flagsSet bool
	Mode     uint32
	name     []byte
}

// Name returns the filename the guest sent during OPEN, truncated at the
// first NUL byte: the guest always terminates the name with one (it is
// stored in the buffer like the rest of the name, per §4.7's "null
// terminator ends the name but is stored"), but the host-side path built
// from it must be a clean Go string with no embedded NUL, or every syscall
// that takes it rejects it with EINVAL before even trying the open.
func (f *FileEntry) Name() string {
	if i := bytes.IndexByte(f.name, 0); i != -1 {
		return string(f.name[:i])
	}
	return string(f.name)
}

// FileEngine decodes the OPEN/CLOSE/READ/WRITE command stream on FilePort
// for a single guest, serializing against every other guest's FileEngine
// through a shared mutex (design component C7).
type FileEngine struct {
	guestID int
	mu      *sync.Mutex
	locked  bool

	state   protoState
	current *FileEntry
	table   []*FileEntry
}

// NewFileEngine builds the file-protocol state machine for one guest.
// mu must be the same *sync.Mutex shared by every guest in the process:
// it is what totally orders file operations across guests (§5).
func NewFileEngine(guestID int, mu *sync.Mutex) *FileEngine {
	return &FileEngine{guestID: guestID, mu: mu}
}

// HandleIO implements the PortDevice interface for FilePort.
func (e *FileEngine) HandleIO(port uint16, direction uint8, size uint8, data []byte) error {
	if port != FilePort {
		return fmt.Errorf("fileproto: unexpected port 0x%x", port)
	}

	switch {
	case direction == IODirOut && size == 4:
		return e.handleOut32(int32(binary.LittleEndian.Uint32(data)))
	case direction == IODirOut && size == 1:
		return e.handleOut8(data[0])
	case direction == IODirIn && size == 4:
		return e.handleIn32(data)
	case direction == IODirIn && size == 1:
		return e.handleIn8(data)
	}
	return nil
}

// handleOut32 dispatches a 32-bit OUT: the opcode/flags/mode/fd channel.
func (e *FileEngine) handleOut32(data int32) error {
	switch e.state {
	case stateIdle:
		return e.start(data)
	case stateOpen:
		return e.openSetFlagsOrMode(data)
	default:
		if data == opFinish {
			return e.finish()
		}
		return e.selectCurrent(data)
	}
}

// handleOut8 dispatches a byte OUT: either a filename character during
// OPEN, or a data byte during WRITE.
func (e *FileEngine) handleOut8(b byte) error {
	switch e.state {
	case stateOpen:
		if e.current != nil && len(e.current.name) < maxNameLen {
			e.current.name = append(e.current.name, b)
		}
	case stateWrite:
		e.writeByte(b)
	}
	return nil
}

// handleIn32 dispatches a 32-bit IN: the close status or the new fd.
func (e *FileEngine) handleIn32(data []byte) error {
	switch e.state {
	case stateClose:
		binary.LittleEndian.PutUint32(data, uint32(int32(e.closeCurrent())))
	case stateOpen:
		binary.LittleEndian.PutUint32(data, uint32(int32(e.current.FD)))
		e.finish()
	}
	return nil
}

// handleIn8 dispatches a byte IN: the next character of a READ.
func (e *FileEngine) handleIn8(data []byte) error {
	if e.state == stateRead {
		data[0] = e.readByte()
	}
	return nil
}

// start begins a new file operation: acquires the shared mutex and, for
// OPEN, appends a fresh file entry to this guest's table.
func (e *FileEngine) start(op int32) error {
	var next protoState
	switch op {
	case opOpen:
		next = stateOpen
	case opClose:
		next = stateClose
	case opRead:
		next = stateRead
	case opWrite:
		next = stateWrite
	default:
		// Not one of the four recognized opcodes: IDLE has no
		// transition for it, so it is a no-op (notably, FINISH sent
		// while IDLE never locks the mutex).
		return nil
	}

	e.mu.Lock()
	e.locked = true
	e.state = next

	if op == opOpen {
		entry := &FileEntry{FD: -1, Flags: -1, Mode: 0}
		e.table = append(e.table, entry)
		e.current = entry
	}
	return nil
}

// openSetFlagsOrMode implements the two-phase OPEN handshake: the first
// 32-bit OUT after the name sets flags, the second sets mode and performs
// the host-side open.
func (e *FileEngine) openSetFlagsOrMode(data int32) error {
	if e.current == nil {
		return nil
	}
	if !e.current.flagsSet {
		e.current.Flags = data
		e.current.flagsSet = true
		return nil
	}

	e.current.Mode = uint32(data)
	e.current.FD = e.openHost(e.current)
	return nil
}

// openHost implements the host-side open rules of §4.7: prefer an
// existing private per-guest copy, materialize one for write-capable
// opens that don't have one yet, and otherwise fall through to the
// shared, read-only original.
func (e *FileEngine) openHost(entry *FileEntry) int {
	path := e.privatePath(entry.Name())
	flags := int(entry.Flags)
	mode := entry.Mode

	if _, err := os.Stat(path); err == nil {
		fd, err := unix.Open(path, flags, mode)
		if err != nil {
			return -1
		}
		return fd
	}

	if flags&(unix.O_RDWR|unix.O_WRONLY|unix.O_TRUNC|unix.O_APPEND) != 0 {
		// Materialize a private copy, mode fixed at 0777 regardless of
		// the guest's requested mode (matching create_local_copy, which
		// never threads the guest's mode through to the create call).
		fd, err := unix.Open(path, unix.O_CREAT, 0777)
		if err == nil {
			unix.Close(fd)
		}
		fd, err = unix.Open(path, flags, mode)
		if err != nil {
			return -1
		}
		return fd
	}

	fd, err := unix.Open(entry.Name(), flags, mode)
	if err != nil {
		return -1
	}
	return fd
}

func (e *FileEngine) privatePath(name string) string {
	return fmt.Sprintf("vm_%d_%s", e.guestID, name)
}

// selectCurrent looks up a guest-visible fd in this guest's file table and
// sets it as current; current becomes nil if no entry matches, which is
// itself a valid (if inert) state for the subsequent CLOSE/READ/WRITE.
func (e *FileEngine) selectCurrent(fd int32) error {
	e.current = nil
	for _, entry := range e.table {
		if int32(entry.FD) == fd {
			e.current = entry
			break
		}
	}
	return nil
}

// closeCurrent closes and removes the current entry, returning the host
// close status (-1 if there is no current entry).
func (e *FileEngine) closeCurrent() int {
	if e.current == nil {
		return -1
	}

	status := 0
	if err := unix.Close(e.current.FD); err != nil {
		status = -1
	}

	for i, entry := range e.table {
		if entry == e.current {
			e.table = append(e.table[:i], e.table[i+1:]...)
			break
		}
	}
	e.current = nil
	return status
}

// readByte reads one byte from the current file, returning the EOF
// sentinel if there is no current file or the read didn't return exactly
// one byte (including a genuine OS-level EOF or error).
func (e *FileEngine) readByte() byte {
	if e.current == nil {
		return eofByte
	}
	var buf [1]byte
	n, err := unix.Read(e.current.FD, buf[:])
	if err != nil || n != 1 {
		return eofByte
	}
	return buf[0]
}

// writeByte writes one byte to the current file, silently dropping it if
// there is no current file.
func (e *FileEngine) writeByte(b byte) {
	if e.current == nil {
		return
	}
	buf := [1]byte{b}
	unix.Write(e.current.FD, buf[:])
}

// finish releases the shared mutex and returns the engine to IDLE. Safe
// to call even if nothing is currently held (the generic "any non-IDLE"
// FINISH transition reaches here only from a locked state, but Close()
// may also call it during guest teardown).
func (e *FileEngine) finish() error {
	if e.locked {
		e.mu.Unlock()
		e.locked = false
	}
	e.state = stateIdle
	e.current = nil
	return nil
}

// Close releases the file mutex if this guest's engine was mid-operation
// when the guest terminated, and closes every file left open in its
// table. Per §7, the shared mutex must never stay held by a guest that
// has gone away.
func (e *FileEngine) Close() {
	for _, entry := range e.table {
		unix.Close(entry.FD)
	}
	e.table = nil
	e.finish()
}

// Table returns the current snapshot of open file entries, for tests and
// diagnostics.
func (e *FileEngine) Table() []*FileEntry {
	return e.table
}
