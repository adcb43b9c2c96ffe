package dicom

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/mesh-intelligence/dicomvault/pkg/types"
)

// element is one decoded data element, with its absolute position in the
// original buffer so truncation can cut the file at an element boundary.
type element struct {
	tag    types.Tag
	vr     string
	value  []byte
	offset int // absolute offset of the element header
}

// HasPart10Header reports whether data starts with the 128-byte preamble
// followed by "DICM".
func HasPart10Header(data []byte) bool {
	return len(data) >= 132 && string(data[128:132]) == "DICM"
}

// splitMeta walks the group 0x0002 file meta elements and returns the
// transfer syntax UID plus the absolute offset where the dataset begins.
// Buffers without a Part 10 header are treated as a bare dataset in
// explicit VR little endian.
func splitMeta(data []byte) (string, int, error) {
	if !HasPart10Header(data) {
		if len(data) < 8 {
			return "", 0, fmt.Errorf("buffer too short: %w", types.ErrBadFileFormat)
		}
		return "", 0, nil
	}

	offset := 132
	transferSyntax := ""
	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		elem := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		if group != 0x0002 {
			break
		}

		vr := string(data[offset+4 : offset+6])
		var length int
		var valueOffset int
		if longVRs[vr] {
			if offset+12 > len(data) {
				return "", 0, fmt.Errorf("truncated meta element: %w", types.ErrBadFileFormat)
			}
			length = int(binary.LittleEndian.Uint32(data[offset+8 : offset+12]))
			valueOffset = offset + 12
		} else {
			length = int(binary.LittleEndian.Uint16(data[offset+6 : offset+8]))
			valueOffset = offset + 8
		}
		if valueOffset+length > len(data) {
			return "", 0, fmt.Errorf("truncated meta element: %w", types.ErrBadFileFormat)
		}

		if elem == 0x0010 {
			transferSyntax = strings.TrimRight(string(data[valueOffset:valueOffset+length]), "\x00 ")
		}
		offset = valueOffset + length
	}

	if offset >= len(data) {
		return "", 0, fmt.Errorf("no dataset after file meta: %w", types.ErrBadFileFormat)
	}
	return transferSyntax, offset, nil
}

// parseElements decodes dataset elements starting at base. It stops at
// pixel data without consuming it, so undefined-length encapsulated frames
// never have to be walked. maxValue bounds the bytes retained per value;
// 0 keeps everything.
func parseElements(data []byte, base int, implicit bool, maxValue int) ([]element, int, error) {
	var elements []element
	offset := base
	pixelDataOffset := -1

	for offset+8 <= len(data) {
		tag := types.Tag{
			Group:   binary.LittleEndian.Uint16(data[offset : offset+2]),
			Element: binary.LittleEndian.Uint16(data[offset+2 : offset+4]),
		}
		if tag == types.TagPixelData {
			pixelDataOffset = offset
			break
		}

		var vr string
		var length int
		var valueOffset int
		if implicit {
			length = int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
			valueOffset = offset + 8
			if vrKnown, ok := knownVRs[tag]; ok {
				vr = vrKnown
			} else {
				vr = "UN"
			}
		} else {
			vr = string(data[offset+4 : offset+6])
			if longVRs[vr] {
				if offset+12 > len(data) {
					break
				}
				length = int(binary.LittleEndian.Uint32(data[offset+8 : offset+12]))
				valueOffset = offset + 12
			} else {
				length = int(binary.LittleEndian.Uint16(data[offset+6 : offset+8]))
				valueOffset = offset + 8
			}
		}

		if length < 0 || valueOffset+length > len(data) {
			return nil, -1, fmt.Errorf("element %s overruns buffer: %w", tag, types.ErrBadFileFormat)
		}

		value := data[valueOffset : valueOffset+length]
		if vr == "SQ" {
			// Sequences are carried opaquely; the core never queries
			// inside them.
			value = nil
		} else if maxValue > 0 && len(value) > maxValue {
			value = value[:maxValue]
		}
		elements = append(elements, element{tag: tag, vr: vr, value: value, offset: offset})

		next := valueOffset + length
		if length%2 == 1 {
			next++
		}
		offset = next
	}

	return elements, pixelDataOffset, nil
}

// trimValue renders an element value as a cleaned string.
func trimValue(value []byte) string {
	s := string(value)
	if idx := strings.IndexByte(s, 0); idx != -1 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// ParseSummary decodes a DICOM buffer into a tag summary. String values
// longer than maxValueLen are truncated; 0 disables the bound.
func ParseSummary(data []byte, maxValueLen int) (*Summary, error) {
	transferSyntax, dsOffset, err := splitMeta(data)
	if err != nil {
		return nil, err
	}
	implicit := transferSyntax == ImplicitVRLittleEndian

	elements, _, err := parseElements(data, dsOffset, implicit, maxValueLen)
	if err != nil {
		return nil, err
	}

	s := &Summary{
		Tags:           make(map[types.Tag]string, len(elements)),
		TransferSyntax: transferSyntax,
	}
	for _, e := range elements {
		if e.vr == "SQ" || e.vr == "OB" || e.vr == "OW" || e.vr == "UN" {
			continue
		}
		s.Tags[e.tag] = trimValue(e.value)
	}
	return s, nil
}

// TruncateAtPixelData returns the prefix of the buffer up to but not
// including the pixel data element, header included. Buffers without
// pixel data are returned whole.
func TruncateAtPixelData(data []byte) ([]byte, error) {
	transferSyntax, dsOffset, err := splitMeta(data)
	if err != nil {
		return nil, err
	}
	implicit := transferSyntax == ImplicitVRLittleEndian
	_, pixelOffset, err := parseElements(data, dsOffset, implicit, 0)
	if err != nil {
		return nil, err
	}
	if pixelOffset < 0 {
		return data, nil
	}
	return data[:pixelOffset], nil
}
