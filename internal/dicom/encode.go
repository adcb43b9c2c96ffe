package dicom

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/mesh-intelligence/dicomvault/pkg/types"
)

// padValue pads a value to even length. UI values pad with NUL, text
// values with space, per the standard.
func padValue(vr string, value []byte) []byte {
	if len(value)%2 == 0 {
		return value
	}
	pad := byte(' ')
	if vr == "UI" || vr == "OB" || vr == "OW" || vr == "UN" {
		pad = 0
	}
	return append(append([]byte{}, value...), pad)
}

// writeElement encodes one element in explicit VR little endian.
func writeElement(buf *bytes.Buffer, tag types.Tag, vr string, value []byte) {
	value = padValue(vr, value)

	var head [8]byte
	binary.LittleEndian.PutUint16(head[0:2], tag.Group)
	binary.LittleEndian.PutUint16(head[2:4], tag.Element)
	head[4] = vr[0]
	head[5] = vr[1]

	if longVRs[vr] {
		binary.LittleEndian.PutUint16(head[6:8], 0) // reserved
		buf.Write(head[:])
		var length [4]byte
		binary.LittleEndian.PutUint32(length[:], uint32(len(value)))
		buf.Write(length[:])
	} else {
		binary.LittleEndian.PutUint16(head[6:8], uint16(len(value)))
		buf.Write(head[:])
	}
	buf.Write(value)
}

// writeMeta emits the Part 10 preamble, DICM prefix and the group 0x0002
// file meta elements for an explicit VR little endian dataset.
func writeMeta(buf *bytes.Buffer, sopClassUID, sopInstanceUID string) {
	buf.Write(make([]byte, 128))
	buf.WriteString("DICM")
	writeElement(buf, types.Tag{Group: 0x0002, Element: 0x0002}, "UI", []byte(sopClassUID))
	writeElement(buf, types.Tag{Group: 0x0002, Element: 0x0003}, "UI", []byte(sopInstanceUID))
	writeElement(buf, types.Tag{Group: 0x0002, Element: 0x0010}, "UI", []byte(ExplicitVRLittleEndian))
}

// EncodeFile builds a Part 10 file in explicit VR little endian from a tag
// map plus optional pixel data. Tags are emitted in ascending order as the
// standard requires.
func EncodeFile(tags map[types.Tag]string, pixelData []byte) []byte {
	sorted := make([]types.Tag, 0, len(tags))
	for tag := range tags {
		sorted = append(sorted, tag)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key() < sorted[j].Key() })

	var buf bytes.Buffer
	writeMeta(&buf, tags[types.TagSOPClassUID], tags[types.TagSOPInstanceUID])
	for _, tag := range sorted {
		writeElement(&buf, tag, vrFor(tag), []byte(tags[tag]))
	}
	if pixelData != nil {
		writeElement(&buf, types.TagPixelData, "OW", pixelData)
	}
	return buf.Bytes()
}

// ModifyFile parses a DICOM buffer, applies tag replacements and removals,
// and reserializes in explicit VR little endian. Pixel data is carried
// through untouched. Used by the modify, anonymize, split and merge jobs.
func ModifyFile(data []byte, replace map[types.Tag]string, remove []types.Tag) ([]byte, error) {
	transferSyntax, dsOffset, err := splitMeta(data)
	if err != nil {
		return nil, err
	}
	implicit := transferSyntax == ImplicitVRLittleEndian

	elements, pixelOffset, err := parseElements(data, dsOffset, implicit, 0)
	if err != nil {
		return nil, err
	}

	removed := make(map[types.Tag]bool, len(remove))
	for _, tag := range remove {
		removed[tag] = true
	}

	// Replacement targets not present in the source are appended.
	present := make(map[types.Tag]bool, len(elements))
	for _, e := range elements {
		present[e.tag] = true
	}

	merged := make([]element, 0, len(elements)+len(replace))
	for _, e := range elements {
		if removed[e.tag] {
			continue
		}
		if v, ok := replace[e.tag]; ok {
			e.value = []byte(v)
			if e.vr == "UN" {
				e.vr = vrFor(e.tag)
			}
		}
		merged = append(merged, e)
	}
	for tag, v := range replace {
		if !present[tag] && !removed[tag] {
			merged = append(merged, element{tag: tag, vr: vrFor(tag), value: []byte(v)})
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].tag.Key() < merged[j].tag.Key() })

	pixelData, pixelVR, err := extractPixelData(data, pixelOffset, implicit)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	sopClass, sopInstance := "", ""
	for _, e := range merged {
		switch e.tag {
		case types.TagSOPClassUID:
			sopClass = trimValue(e.value)
		case types.TagSOPInstanceUID:
			sopInstance = trimValue(e.value)
		}
	}
	writeMeta(&buf, sopClass, sopInstance)
	for _, e := range merged {
		if e.vr == "SQ" {
			// Opaque sequences cannot be reserialized faithfully across
			// transfer syntaxes; they are dropped on rewrite.
			continue
		}
		writeElement(&buf, e.tag, e.vr, e.value)
	}
	if pixelData != nil {
		writeElement(&buf, types.TagPixelData, pixelVR, pixelData)
	}
	return buf.Bytes(), nil
}

// extractPixelData returns the pixel data value bytes at pixelOffset, or
// nil when the buffer has none. Undefined-length (encapsulated) pixel data
// is rejected; the core never transcodes.
func extractPixelData(data []byte, pixelOffset int, implicit bool) ([]byte, string, error) {
	if pixelOffset < 0 {
		return nil, "", nil
	}
	var length uint32
	var valueOffset int
	vr := "OW"
	if implicit {
		if pixelOffset+8 > len(data) {
			return nil, "", fmt.Errorf("truncated pixel data: %w", types.ErrBadFileFormat)
		}
		length = binary.LittleEndian.Uint32(data[pixelOffset+4 : pixelOffset+8])
		valueOffset = pixelOffset + 8
	} else {
		if pixelOffset+12 > len(data) {
			return nil, "", fmt.Errorf("truncated pixel data: %w", types.ErrBadFileFormat)
		}
		vr = string(data[pixelOffset+4 : pixelOffset+6])
		length = binary.LittleEndian.Uint32(data[pixelOffset+8 : pixelOffset+12])
		valueOffset = pixelOffset + 12
	}
	if length == 0xFFFFFFFF {
		return nil, "", fmt.Errorf("encapsulated pixel data: %w", types.ErrNotImplemented)
	}
	if valueOffset+int(length) > len(data) {
		return nil, "", fmt.Errorf("truncated pixel data: %w", types.ErrBadFileFormat)
	}
	return data[valueOffset : valueOffset+int(length)], vr, nil
}
