// Package container implements the two output wrappers spec §6 describes
// for the assembler's machine-code buffer: a flat binary (identity) and a
// minimal PE32+ executable. Grounded on the tinyrange-rtg pack repo's
// std/compiler/pe64.go PE writer, trimmed to the single .text section and
// field set spec §6 actually specifies — no imports, relocations, or debug
// sections, all of which are explicit Non-goals.
package container

import "encoding/binary"

// Flat wraps machine code with no header at all: the file IS the code.
func Flat(code []byte) []byte {
	out := make([]byte, len(code))
	copy(out, code)
	return out
}

const (
	imageBase        = 0x00400000
	sectionAlignment = 0x1000
	fileAlignment    = 0x200

	dosHeaderSize      = 64
	peSignatureSize    = 4
	coffHeaderSize     = 20
	optionalHeaderSize = 112 + 16*8 // PE32+ fixed fields + 16 data-directory entries
	sectionHeaderSize  = 40

	textSectionName = ".text"
)

// PE wraps code as a minimal single-section PE32+ executable per spec §6's
// exact byte layout: MZ DOS header with the PE header offset at bytes
// 60-63, "PE\0\0" signature, COFF header (machine 0x8664), PE32+ optional
// header (magic 0x020B, image base 0x00400000, section align 0x1000, file
// align 0x200, subsystem 3), and one .text section with characteristics
// 0x60000020. The file length is padded to a multiple of fileAlignment.
func PE(code []byte) ([]byte, error) {
	peHeaderOffset := dosHeaderSize
	headersSize := peHeaderOffset + peSignatureSize + coffHeaderSize + optionalHeaderSize + sectionHeaderSize
	headersRawSize := alignUp(headersSize, fileAlignment)

	textRawSize := alignUp(len(code), fileAlignment)
	textRVA := sectionAlignment
	textFileOffset := headersRawSize
	imageSize := alignUp(textRVA+len(code), sectionAlignment)

	total := headersRawSize + textRawSize
	buf := make([]byte, total)

	// DOS header: "MZ" plus the e_lfanew field at offset 0x3C pointing at
	// the PE signature.
	buf[0], buf[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(buf[0x3C:], uint32(peHeaderOffset))

	// PE signature.
	off := peHeaderOffset
	copy(buf[off:], []byte{'P', 'E', 0, 0})
	off += peSignatureSize

	// COFF header.
	coff := buf[off:]
	binary.LittleEndian.PutUint16(coff[0:], 0x8664) // Machine: AMD64
	binary.LittleEndian.PutUint16(coff[2:], 1)      // NumberOfSections
	binary.LittleEndian.PutUint32(coff[4:], 0)      // TimeDateStamp
	binary.LittleEndian.PutUint32(coff[8:], 0)      // PointerToSymbolTable
	binary.LittleEndian.PutUint32(coff[12:], 0)     // NumberOfSymbols
	binary.LittleEndian.PutUint16(coff[16:], uint16(optionalHeaderSize))
	binary.LittleEndian.PutUint16(coff[18:], 0x0022) // EXECUTABLE_IMAGE | LARGE_ADDRESS_AWARE
	off += coffHeaderSize

	// PE32+ optional header.
	opt := buf[off:]
	binary.LittleEndian.PutUint16(opt[0:], 0x020B) // Magic: PE32+
	opt[2] = 1                                     // MajorLinkerVersion
	opt[3] = 0
	binary.LittleEndian.PutUint32(opt[4:], uint32(len(code))) // SizeOfCode
	binary.LittleEndian.PutUint32(opt[8:], 0)                 // SizeOfInitializedData
	binary.LittleEndian.PutUint32(opt[12:], 0)                // SizeOfUninitializedData
	binary.LittleEndian.PutUint32(opt[16:], uint32(textRVA))  // AddressOfEntryPoint
	binary.LittleEndian.PutUint32(opt[20:], uint32(textRVA))  // BaseOfCode
	binary.LittleEndian.PutUint64(opt[24:], uint64(imageBase))
	binary.LittleEndian.PutUint32(opt[32:], sectionAlignment)
	binary.LittleEndian.PutUint32(opt[36:], fileAlignment)
	binary.LittleEndian.PutUint16(opt[40:], 6) // MajorOperatingSystemVersion
	binary.LittleEndian.PutUint16(opt[48:], 6) // MajorSubsystemVersion
	binary.LittleEndian.PutUint32(opt[56:], uint32(imageSize))
	binary.LittleEndian.PutUint32(opt[60:], uint32(headersRawSize)) // SizeOfHeaders
	binary.LittleEndian.PutUint16(opt[68:], 3)                      // Subsystem: CUI
	binary.LittleEndian.PutUint16(opt[70:], 0x0100)                 // DllCharacteristics: NX_COMPAT
	binary.LittleEndian.PutUint64(opt[72:], 0x100000)               // SizeOfStackReserve
	binary.LittleEndian.PutUint64(opt[80:], 0x1000)                 // SizeOfStackCommit
	binary.LittleEndian.PutUint64(opt[88:], 0x100000)               // SizeOfHeapReserve
	binary.LittleEndian.PutUint64(opt[96:], 0x1000)                 // SizeOfHeapCommit
	binary.LittleEndian.PutUint32(opt[104:], 0)                     // LoaderFlags
	binary.LittleEndian.PutUint32(opt[108:], 16)                    // NumberOfRvaAndSizes
	// 16 zeroed data-directory entries follow at opt[112:112+128], already zero.
	off += optionalHeaderSize

	// Section header: single .text.
	sec := buf[off:]
	copy(sec[0:8], []byte(textSectionName))
	binary.LittleEndian.PutUint32(sec[8:], uint32(len(code)))     // VirtualSize
	binary.LittleEndian.PutUint32(sec[12:], uint32(textRVA))      // VirtualAddress
	binary.LittleEndian.PutUint32(sec[16:], uint32(textRawSize))  // SizeOfRawData
	binary.LittleEndian.PutUint32(sec[20:], uint32(textFileOffset))
	binary.LittleEndian.PutUint32(sec[36:], 0x60000020) // code | executable | readable

	copy(buf[textFileOffset:], code)
	return buf, nil
}

func alignUp(n, align int) int {
	if n%align == 0 {
		return n
	}
	return (n/align + 1) * align
}
