package parser

import "bytes"

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(src []byte) []byte {
	return bytes.TrimPrefix(src, utf8BOM)
}

// MaskFences blanks the body of every fenced code block so that task
// headings, checkboxes and metadata fields inside examples are never parsed
// as real plan content. Each body byte becomes a space while newlines (and
// carriage returns) survive, so the masked copy has the same length and the
// same line structure as the original. A byte offset found in the masked
// text is valid against the original.
//
// Fences follow the CommonMark rules: three or more backticks or tildes
// with up to three spaces of indentation, closed by a fence of the same
// character at least as long as the opener. An unclosed fence runs to the
// end of the document.
func MaskFences(src []byte) []byte {
	masked := append([]byte(nil), src...)

	inFence := false
	var fenceChar byte
	var fenceLen int

	forEachLine(src, func(start, end int) {
		line := src[start:end]

		if !inFence {
			if ch, n, ok := fenceOpening(line); ok {
				inFence, fenceChar, fenceLen = true, ch, n
			}
			return
		}

		if fenceClosing(line, fenceChar, fenceLen) {
			inFence = false
			return
		}

		for i := start; i < end; i++ {
			if masked[i] != '\r' {
				masked[i] = ' '
			}
		}
	})

	return masked
}

// fenceOpening reports whether line opens a fenced code block, returning the
// fence character and run length.
func fenceOpening(line []byte) (byte, int, bool) {
	indent := 0
	for indent < len(line) && line[indent] == ' ' {
		indent++
	}
	if indent > 3 {
		return 0, 0, false
	}

	rest := line[indent:]
	if len(rest) < 3 {
		return 0, 0, false
	}
	ch := rest[0]
	if ch != '`' && ch != '~' {
		return 0, 0, false
	}

	n := 0
	for n < len(rest) && rest[n] == ch {
		n++
	}
	if n < 3 {
		return 0, 0, false
	}

	// The info string of a backtick fence cannot contain backticks.
	if ch == '`' && bytes.IndexByte(rest[n:], '`') >= 0 {
		return 0, 0, false
	}
	return ch, n, true
}

// fenceClosing reports whether line closes a fence opened with ch repeated
// at least minLen times. Only trailing whitespace may follow the fence run.
func fenceClosing(line []byte, ch byte, minLen int) bool {
	indent := 0
	for indent < len(line) && line[indent] == ' ' {
		indent++
	}
	if indent > 3 {
		return false
	}

	rest := line[indent:]
	n := 0
	for n < len(rest) && rest[n] == ch {
		n++
	}
	if n < minLen {
		return false
	}
	return len(bytes.TrimSpace(rest[n:])) == 0
}

// forEachLine calls fn with the byte range of every line in src. The range
// excludes the terminating newline; a trailing carriage return is left in.
func forEachLine(src []byte, fn func(start, end int)) {
	start := 0
	for start < len(src) {
		rel := bytes.IndexByte(src[start:], '\n')
		if rel < 0 {
			fn(start, len(src))
			return
		}
		fn(start, start+rel)
		start += rel + 1
	}
}
