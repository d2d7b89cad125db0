package protocol

// Packet is one serialized, independently-appliable transport message
// produced by SplitBatch.
type Packet struct {
	Raw     []byte
	Records int
}

// SplitBatch serializes changes under senderID, splitting into
// multiple packets when the encoding exceeds maxBytes. Records are
// packed greedily in order, so concatenating the packets' change lists
// reproduces the input exactly once. A single record that alone
// exceeds the ceiling cannot be split further and is emitted as an
// oversize packet; the caller decides whether to send it.
func SplitBatch(changes []ChangeRecord, senderID string, maxBytes int) (packets []Packet, oversize bool, err error) {
	if len(changes) == 0 {
		return nil, false, nil
	}
	if maxBytes <= 0 {
		maxBytes = MaxBatchBytes
	}

	whole := Batch{Changes: changes, SenderID: senderID}
	raw, err := whole.Marshal()
	if err != nil {
		return nil, false, err
	}
	if len(raw) <= maxBytes {
		return []Packet{{Raw: raw, Records: len(changes)}}, false, nil
	}

	start := 0
	for start < len(changes) {
		// widest prefix from start that still fits
		n := 1
		var fit []byte
		for start+n <= len(changes) {
			b := Batch{Changes: changes[start : start+n], SenderID: senderID}
			enc, merr := b.Marshal()
			if merr != nil {
				return nil, false, merr
			}
			if len(enc) > maxBytes {
				break
			}
			fit = enc
			n++
		}
		if fit == nil {
			// single oversize record, emit as-is
			b := Batch{Changes: changes[start : start+1], SenderID: senderID}
			enc, merr := b.Marshal()
			if merr != nil {
				return nil, false, merr
			}
			packets = append(packets, Packet{Raw: enc, Records: 1})
			oversize = true
			start++
			continue
		}
		packets = append(packets, Packet{Raw: fit, Records: n - 1})
		start += n - 1
	}
	return packets, oversize, nil
}
