package main

// keyKind classifies one decoded terminal input.
type keyKind int

const (
	keyRune keyKind = iota
	keyEnter
	keyLeft
	keyRight
	keyFocusIn
	keyFocusOut
	keyInterrupt
	keyUnknown
)

type keyEvent struct {
	kind keyKind
	r    rune
}

// Focus reporting (DECSET 1004) makes the terminal send ESC[I and ESC[O
// when its window gains or loses focus.
const (
	focusReportingOn  = "\x1b[?1004h"
	focusReportingOff = "\x1b[?1004l"
)

// parseKeys decodes one read from a raw-mode terminal. Terminals write an
// escape sequence in a single chunk, so sequences are not carried across
// reads.
func parseKeys(chunk []byte) []keyEvent {
	var out []keyEvent
	for i := 0; i < len(chunk); i++ {
		b := chunk[i]
		switch {
		case b == 0x03:
			out = append(out, keyEvent{kind: keyInterrupt})
		case b == '\r' || b == '\n':
			out = append(out, keyEvent{kind: keyEnter})
		case b == 0x1b:
			ev, n := parseEscape(chunk[i+1:])
			out = append(out, ev)
			i += n
		case b >= 0x20 && b < 0x7f:
			out = append(out, keyEvent{kind: keyRune, r: rune(b)})
		default:
			out = append(out, keyEvent{kind: keyUnknown})
		}
	}
	return out
}

// parseEscape decodes the bytes after ESC and reports how many it consumed.
func parseEscape(rest []byte) (keyEvent, int) {
	if len(rest) < 2 || rest[0] != '[' {
		return keyEvent{kind: keyUnknown}, 0
	}
	switch rest[1] {
	case 'I':
		return keyEvent{kind: keyFocusIn}, 2
	case 'O':
		return keyEvent{kind: keyFocusOut}, 2
	case 'C':
		return keyEvent{kind: keyRight}, 2
	case 'D':
		return keyEvent{kind: keyLeft}, 2
	}
	// Any other CSI sequence runs until its final byte.
	for n := 1; n < len(rest); n++ {
		if rest[n] >= 0x40 && rest[n] <= 0x7e {
			return keyEvent{kind: keyUnknown}, n + 1
		}
	}
	return keyEvent{kind: keyUnknown}, len(rest)
}
