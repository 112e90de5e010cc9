package signer

import (
	"encoding/binary"
	"testing"
)

// buildThinMachO assembles the smallest 64-bit Mach-O image this editor
// needs to operate on: a file header, one LC_CODE_SIGNATURE load
// command, some executable-ish filler, and a signature region of
// sigLen zero bytes at the tail.
func buildThinMachO(codeLen, sigLen int) []byte {
	const headerSize = 32
	const cmdSize = 16
	dataoff := headerSize + cmdSize + codeLen

	raw := make([]byte, dataoff+sigLen)
	bo := binary.BigEndian
	bo.PutUint32(raw[0:4], 0xfeedfacf) // Magic64
	bo.PutUint32(raw[16:20], 1)        // ncmds
	bo.PutUint32(raw[20:24], cmdSize)  // sizeofcmds

	cmdOff := headerSize
	bo.PutUint32(raw[cmdOff:cmdOff+4], 0x1d) // LC_CODE_SIGNATURE
	bo.PutUint32(raw[cmdOff+4:cmdOff+8], cmdSize)
	bo.PutUint32(raw[cmdOff+8:cmdOff+12], uint32(dataoff))
	bo.PutUint32(raw[cmdOff+12:cmdOff+16], uint32(sigLen))

	for i := 0; i < codeLen; i++ {
		raw[headerSize+cmdSize+i] = byte(i)
	}
	return raw
}

func TestMachOEditorCodeSignatureRegion(t *testing.T) {
	raw := buildThinMachO(32, 16)
	e := NewMachOEditor(raw)
	off, size, found, err := e.CodeSignatureRegion()
	if err != nil {
		t.Fatalf("CodeSignatureRegion: %v", err)
	}
	if !found {
		t.Fatal("expected LC_CODE_SIGNATURE to be found")
	}
	if off != 48 || size != 16 {
		t.Errorf("got (off=%d, size=%d), want (48, 16)", off, size)
	}
}

func TestMachOEditorAllocateGrows(t *testing.T) {
	raw := buildThinMachO(32, 16)
	e := NewMachOEditor(raw)
	off, err := e.Allocate(40)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if off != 48 {
		t.Errorf("offset = %d, want 48", off)
	}
	out := e.Bytes()
	if len(out) != 48+40 {
		t.Errorf("len(out) = %d, want %d", len(out), 48+40)
	}

	e2 := NewMachOEditor(out)
	gotOff, gotSize, found, err := e2.CodeSignatureRegion()
	if err != nil || !found {
		t.Fatalf("CodeSignatureRegion after allocate: found=%v err=%v", found, err)
	}
	if gotOff != 48 || gotSize != 40 {
		t.Errorf("patched region = (%d, %d), want (48, 40)", gotOff, gotSize)
	}
}

func TestMachOEditorAllocateShrinksToZero(t *testing.T) {
	raw := buildThinMachO(32, 16)
	e := NewMachOEditor(raw)
	off, err := e.Allocate(0)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(e.Bytes()) != int(off) {
		t.Errorf("len(out) = %d, want %d (signature removed)", len(e.Bytes()), off)
	}
}

func TestMachOEditorAllocateInsertsMissingCommand(t *testing.T) {
	raw := buildThinMachO(32, 16)
	bo := binary.BigEndian
	bo.PutUint32(raw[32:36], 0) // overwrite LC_CODE_SIGNATURE's cmd with a bogus value
	e := NewMachOEditor(raw)
	off, err := e.Allocate(10)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	gotOff, gotSize, found, err := NewMachOEditor(e.Bytes()).CodeSignatureRegion()
	if err != nil || !found {
		t.Fatalf("expected Allocate to insert LC_CODE_SIGNATURE: found=%v err=%v", found, err)
	}
	if off != 96 || gotOff != 96 || gotSize != 10 {
		t.Errorf("inserted region = (%d, %d), offset %d, want (96, 10), offset 96", gotOff, gotSize, off)
	}
}
