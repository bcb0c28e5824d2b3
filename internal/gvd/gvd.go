// Package gvd decodes the Get Version Data blob cameras expose through the
// hardware monitor: packed change-set versions, per-module major/minor
// versions, serials and flags, all byte-ordered reads at fixed offsets.
package gvd

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// ChangeSetVersion is a four-part firmware version. On the wire the parts
// are stored reversed: revision first, major last.
type ChangeSetVersion struct {
	Major    uint8
	Minor    uint8
	Number   uint8
	Revision uint8
}

func (v ChangeSetVersion) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.Number, v.Revision)
}

// MajorMinorVersion is a two-part module version, minor first on the wire.
type MajorMinorVersion struct {
	Major uint8
	Minor uint8
}

func (v MajorMinorVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// reader walks the blob sequentially, latching the first error.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.data) {
		r.err = fmt.Errorf("gvd blob truncated at offset %d (need %d bytes of %d)", r.off, n, len(r.data))
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// u32 reads a numeric field; those are stored big-endian.
func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) changeSet() ChangeSetVersion {
	b := r.take(4)
	if b == nil {
		return ChangeSetVersion{}
	}
	return ChangeSetVersion{Revision: b[0], Number: b[1], Minor: b[2], Major: b[3]}
}

// changeSetPadded reads a change-set version followed by four spare bytes.
func (r *reader) changeSetPadded() ChangeSetVersion {
	v := r.changeSet()
	r.take(4)
	return v
}

func (r *reader) majorMinor() MajorMinorVersion {
	b := r.take(2)
	if b == nil {
		return MajorMinorVersion{}
	}
	return MajorMinorVersion{Minor: b[0], Major: b[1]}
}

// serialHex reads n raw bytes rendered as lowercase hex.
func (r *reader) serialHex(n int) string {
	b := r.take(n)
	if b == nil {
		return ""
	}
	return hex.EncodeToString(b)
}

func (r *reader) flag() bool {
	return r.u8() != 0
}

// BlobSize is the decoded prefix length of the version blob.
const BlobSize = 42

// Info is the decoded version record.
type Info struct {
	FunctionalPayloadVersion ChangeSetVersion
	ChipVersion              MajorMinorVersion
	AsicVersion              uint32
	CoreVersion              ChangeSetVersion
	DFUVersion               ChangeSetVersion
	OEMVersion               MajorMinorVersion
	CalibVersion             MajorMinorVersion
	SerialNumber             string
	Locked                   bool
	EngineeringMode          bool
}

// Decode reads the fixed layout out of a raw GVD blob.
func Decode(data []byte) (Info, error) {
	r := &reader{data: data}
	info := Info{
		FunctionalPayloadVersion: r.changeSetPadded(),
		ChipVersion:              r.majorMinor(),
		AsicVersion:              r.u32(),
		CoreVersion:              r.changeSetPadded(),
		DFUVersion:               r.changeSetPadded(),
		OEMVersion:               r.majorMinor(),
		CalibVersion:             r.majorMinor(),
		SerialNumber:             r.serialHex(6),
		Locked:                   r.flag(),
		EngineeringMode:          r.flag(),
	}
	if r.err != nil {
		return Info{}, r.err
	}
	return info, nil
}

// FirmwareVersion is the user-facing firmware version string.
func (i Info) FirmwareVersion() string {
	return i.FunctionalPayloadVersion.String()
}
