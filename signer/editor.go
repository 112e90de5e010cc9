package signer

import (
	"encoding/binary"

	"github.com/blacktop/go-codesign/cserr"
	"github.com/blacktop/go-codesign/types"
)

// MachOEditor performs the "allocate pass" spec §4.6 describes: growing
// or shrinking the LC_CODE_SIGNATURE region at the tail of a Mach-O
// image so the finalize pass has exactly enough room to write the
// assembled signature SuperBlob, inserting the load command itself when
// the image does not already reserve one. Grounded on this module's own
// file.go's File.Export, which rewrites a whole Mach-O image load
// command by load command, remapping every offset-bearing field through
// a segment offset map; this editor narrows that general rewrite to the
// one relocation code signing actually needs (the signature region,
// always the last thing in the file) instead of repacking every
// segment. The insertion path mirrors what the real codesign_allocate
// helper tool does (original_source's signerutils.cpp spawns it rather
// than growing the image in-process): widen the load command table into
// its own trailing padding and grow the last segment (conventionally
// __LINKEDIT) to cover the appended signature bytes.
type MachOEditor struct {
	raw []byte
}

func NewMachOEditor(raw []byte) *MachOEditor {
	return &MachOEditor{raw: append([]byte(nil), raw...)}
}

// loadCommand is the {cmd, cmdsize} pair shared by every Mach-O load
// command, per types.LoadCmd / the generic load_command struct.
type loadCommand struct {
	cmd     types.LoadCmd
	cmdsize uint32
	offset  int // absolute file offset of this command's header
}

func (e *MachOEditor) header() (magic types.Magic, ncmds uint32, sizeofcmds uint32, cmdsStart int, byteOrder binary.ByteOrder, err error) {
	if len(e.raw) < 28 {
		return 0, 0, 0, 0, nil, cserr.New(cserr.BadResource, nil).WithDetail("reason", "file too short to hold a Mach-O header")
	}
	bo := binary.BigEndian
	m := bo.Uint32(e.raw[0:4])
	if types.Magic(m) != types.Magic32 && types.Magic(m) != types.Magic64 {
		bo = binary.LittleEndian
		m = bo.Uint32(e.raw[0:4])
	}
	magic = types.Magic(m)
	switch magic {
	case types.Magic32:
		cmdsStart = types.FileHeaderSize32
	case types.Magic64:
		cmdsStart = types.FileHeaderSize64
	default:
		return 0, 0, 0, 0, nil, cserr.Newf(cserr.BadResource, "not a thin Mach-O image (magic %#x)", m)
	}
	ncmds = bo.Uint32(e.raw[16:20])
	sizeofcmds = bo.Uint32(e.raw[20:24])
	return magic, ncmds, sizeofcmds, cmdsStart, bo, nil
}

// loadCommands walks the load command table, returning each command's
// type, size and absolute file offset.
func (e *MachOEditor) loadCommands() ([]loadCommand, binary.ByteOrder, error) {
	_, ncmds, sizeofcmds, cmdsStart, bo, err := e.header()
	if err != nil {
		return nil, nil, err
	}
	if cmdsStart+int(sizeofcmds) > len(e.raw) {
		return nil, nil, cserr.New(cserr.BadResource, nil).WithDetail("reason", "load command table exceeds file size")
	}
	cmds := make([]loadCommand, 0, ncmds)
	off := cmdsStart
	for i := uint32(0); i < ncmds; i++ {
		if off+8 > len(e.raw) {
			return nil, nil, cserr.New(cserr.BadResource, nil).WithDetail("reason", "truncated load command")
		}
		cmd := types.LoadCmd(bo.Uint32(e.raw[off : off+4]))
		size := bo.Uint32(e.raw[off+4 : off+8])
		if size < 8 || off+int(size) > len(e.raw) {
			return nil, nil, cserr.New(cserr.BadResource, nil).WithDetail("reason", "invalid load command size")
		}
		cmds = append(cmds, loadCommand{cmd: cmd, cmdsize: size, offset: off})
		off += int(size)
	}
	return cmds, bo, nil
}

// CodeSignatureRegion locates the current LC_CODE_SIGNATURE command, if
// any, returning (dataoff, datasize, found).
func (e *MachOEditor) CodeSignatureRegion() (uint32, uint32, bool, error) {
	cmds, bo, err := e.loadCommands()
	if err != nil {
		return 0, 0, false, err
	}
	for _, c := range cmds {
		if c.cmd != types.LC_CODE_SIGNATURE {
			continue
		}
		// LinkEditDataCommand layout: cmd(4) cmdsize(4) dataoff(4) datasize(4)
		dataoff := bo.Uint32(e.raw[c.offset+8 : c.offset+12])
		datasize := bo.Uint32(e.raw[c.offset+12 : c.offset+16])
		return dataoff, datasize, true, nil
	}
	return 0, 0, false, nil
}

// segmentFileRange returns the {fileoff, filesize} field offsets and
// current values for a LC_SEGMENT/LC_SEGMENT_64 command, or ok == false
// for any other command type.
func segmentFileRange(raw []byte, bo binary.ByteOrder, c loadCommand) (fileoffAt, filesizeAt int, fileoff, filesize uint64, ok bool) {
	switch c.cmd {
	case types.LC_SEGMENT_64:
		// Segment64: cmd(4) cmdsize(4) segname(16) vmaddr(8) vmsize(8) fileoff(8) filesize(8) ...
		fileoffAt = c.offset + 40
		filesizeAt = c.offset + 48
		return fileoffAt, filesizeAt, bo.Uint64(raw[fileoffAt : fileoffAt+8]), bo.Uint64(raw[filesizeAt : filesizeAt+8]), true
	case types.LC_SEGMENT:
		// Segment32: cmd(4) cmdsize(4) segname(16) vmaddr(4) vmsize(4) fileoff(4) filesize(4) ...
		fileoffAt = c.offset + 32
		filesizeAt = c.offset + 36
		return fileoffAt, filesizeAt, uint64(bo.Uint32(raw[fileoffAt : fileoffAt+4])), uint64(bo.Uint32(raw[filesizeAt : filesizeAt+4])), true
	default:
		return 0, 0, 0, 0, false
	}
}

// vmsizeFieldOffset returns the file offset of a segment command's vmsize
// field.
func vmsizeFieldOffset(c loadCommand) int {
	if c.cmd == types.LC_SEGMENT_64 {
		return c.offset + 32
	}
	return c.offset + 28
}

// growLastSegment extends whichever segment currently reaches furthest
// into the file (conventionally __LINKEDIT, the segment the signature
// region always lives in) so its filesize/vmsize cover newEnd. Without
// this the produced image's load commands would describe a shorter
// __LINKEDIT than the file actually contains, which is invalid to any
// verifier that maps the file by its segment commands instead of by raw
// length.
func growLastSegment(raw []byte, bo binary.ByteOrder, cmds []loadCommand, newEnd int) {
	var last *loadCommand
	var lastFileoff, lastFilesize uint64
	for i := range cmds {
		_, _, fileoff, filesize, ok := segmentFileRange(raw, bo, cmds[i])
		if !ok {
			continue
		}
		if last == nil || fileoff+filesize > lastFileoff+lastFilesize {
			last = &cmds[i]
			lastFileoff, lastFilesize = fileoff, filesize
		}
	}
	if last == nil || uint64(newEnd) <= lastFileoff {
		return
	}
	newFilesize := uint64(newEnd) - lastFileoff
	_, filesizeAt, _, _, _ := segmentFileRange(raw, bo, *last)
	vmsizeAt := vmsizeFieldOffset(*last)
	newVmsize := types.RoundUp(newFilesize, 0x1000)
	if last.cmd == types.LC_SEGMENT_64 {
		bo.PutUint64(raw[filesizeAt:filesizeAt+8], newFilesize)
		bo.PutUint64(raw[vmsizeAt:vmsizeAt+8], newVmsize)
	} else {
		bo.PutUint32(raw[filesizeAt:filesizeAt+4], uint32(newFilesize))
		bo.PutUint32(raw[vmsizeAt:vmsizeAt+4], uint32(newVmsize))
	}
}

// headerSlack returns how many bytes of padding exist between the end of
// the load command table and the nearest file-backed content any load
// command references — the room available to insert a new load command
// without shifting any existing segment or table. It inspects segment
// fileoffs, the file offsets of each segment's sections, and the
// symtab/linkedit-style tables. The sections matter because __TEXT
// starts at file offset 0, so its own fileoff never bounds the padding.
func headerSlack(raw []byte, bo binary.ByteOrder, cmds []loadCommand, headerEnd int) int {
	min := len(raw)
	consider := func(off int) {
		if off > headerEnd && off < min {
			min = off
		}
	}
	for _, c := range cmds {
		if _, _, fileoff, _, ok := segmentFileRange(raw, bo, c); ok {
			consider(int(fileoff))
			// section_64: offset at +48 of 80 bytes; section: +40 of 68.
			nsectsAt, sectsAt, sectSize, sectOffAt := c.offset+64, c.offset+72, 80, 48
			if c.cmd == types.LC_SEGMENT {
				nsectsAt, sectsAt, sectSize, sectOffAt = c.offset+48, c.offset+56, 68, 40
			}
			end := c.offset + int(c.cmdsize)
			if nsectsAt+4 <= end {
				nsects := int(bo.Uint32(raw[nsectsAt : nsectsAt+4]))
				for s := 0; s < nsects && sectsAt+(s+1)*sectSize <= end; s++ {
					at := sectsAt + s*sectSize + sectOffAt
					consider(int(bo.Uint32(raw[at : at+4])))
				}
			}
			continue
		}
		switch c.cmd {
		case types.LC_SYMTAB:
			if c.cmdsize >= 24 {
				consider(int(bo.Uint32(raw[c.offset+8 : c.offset+12])))
				consider(int(bo.Uint32(raw[c.offset+16 : c.offset+20])))
			}
		case types.LC_CODE_SIGNATURE, types.LC_SEGMENT_SPLIT_INFO, types.LC_FUNCTION_STARTS,
			types.LC_DATA_IN_CODE, types.LC_DYLIB_CODE_SIGN_DRS:
			if c.cmdsize >= 16 {
				consider(int(bo.Uint32(raw[c.offset+8 : c.offset+12])))
			}
		}
	}
	return min - headerEnd
}

// insertCodeSignatureCommand widens the load command table by one
// LinkEditDataCommand (16 bytes) into existing header padding and
// returns the absolute offset its dataoff/datasize fields were written
// at, or an InternalError detailing why there was no room.
func (e *MachOEditor) insertCodeSignatureCommand() (cmdOffset int, err error) {
	cmds, bo, err := e.loadCommands()
	if err != nil {
		return 0, err
	}
	_, ncmds, sizeofcmds, cmdsStart, _, err := e.header()
	if err != nil {
		return 0, err
	}
	headerEnd := cmdsStart + int(sizeofcmds)

	const newCmdSize = 16 // LinkEditDataCommand: cmd(4) cmdsize(4) dataoff(4) datasize(4)
	slack := headerSlack(e.raw, bo, cmds, headerEnd)
	if slack < newCmdSize {
		return 0, cserr.New(cserr.InternalError, nil).WithDetail("reason",
			"no room to insert LC_CODE_SIGNATURE: the load command table has no trailing padding and growing it would require relocating every segment after it, which this editor does not do")
	}

	bo.PutUint32(e.raw[headerEnd:headerEnd+4], uint32(types.LC_CODE_SIGNATURE))
	bo.PutUint32(e.raw[headerEnd+4:headerEnd+8], newCmdSize)
	bo.PutUint32(e.raw[headerEnd+8:headerEnd+12], 0)
	bo.PutUint32(e.raw[headerEnd+12:headerEnd+16], 0)

	bo.PutUint32(e.raw[16:20], ncmds+1)
	bo.PutUint32(e.raw[20:24], sizeofcmds+newCmdSize)

	return headerEnd, nil
}

// Allocate resizes the signature region to exactly size bytes,
// truncating the file at the old signature's start (or at end-of-file
// when none existed) and appending size zero bytes. It patches the
// LC_CODE_SIGNATURE command's dataoff/datasize fields in place, inserting
// the command itself first if the image does not already carry one, and
// grows the enclosing segment's filesize/vmsize to cover the new region.
func (e *MachOEditor) Allocate(size int) (int64, error) {
	cmds, bo, err := e.loadCommands()
	if err != nil {
		return 0, err
	}

	var csCmdOffset int
	found := false
	for i := range cmds {
		if cmds[i].cmd == types.LC_CODE_SIGNATURE {
			csCmdOffset = cmds[i].offset
			found = true
			break
		}
	}
	if !found {
		csCmdOffset, err = e.insertCodeSignatureCommand()
		if err != nil {
			return 0, err
		}
		// Inserting a command does not move any existing byte, so the
		// load command table walked above is still valid except for the
		// header counts already patched in place.
	}

	oldOffset := bo.Uint32(e.raw[csCmdOffset+8 : csCmdOffset+12])

	truncateAt := int(oldOffset)
	if truncateAt == 0 || truncateAt > len(e.raw) {
		truncateAt = len(e.raw)
	}

	newRaw := make([]byte, truncateAt+size)
	copy(newRaw, e.raw[:truncateAt])
	e.raw = newRaw

	bo.PutUint32(e.raw[csCmdOffset+8:csCmdOffset+12], uint32(truncateAt))
	bo.PutUint32(e.raw[csCmdOffset+12:csCmdOffset+16], uint32(size))

	if segCmds, _, err := e.loadCommands(); err == nil {
		growLastSegment(e.raw, bo, segCmds, truncateAt+size)
	}

	return int64(truncateAt), nil
}

// Bytes returns the edited image.
func (e *MachOEditor) Bytes() []byte { return e.raw }
