package buf

import (
	"os"
	"strings"
)

var pageSize = int64(os.Getpagesize())

// UpdateSent advances the chain past sent transmitted bytes. Fully
// consumed buffers are drained and skipped, a partially consumed one has
// its start cursor moved. The returned handle is the first link with bytes
// left, or Nil once everything including trailing markers is consumed.
// Skipped links are not freed; UpdateChains reclaims them.
func (a *Arena) UpdateSent(in LinkID, sent int64) LinkID {
	for ; in != Nil; in = a.links[in].Next {
		b := a.links[in].Buf
		size := b.Size()
		if b.Special() || size == 0 {
			continue
		}
		if sent == 0 {
			break
		}

		if sent >= size {
			sent -= size
			b.Drain()
			continue
		}

		if b.InMemory() {
			b.Pos += int(sent)
		}
		if b.Has(InFile) {
			b.FilePos += sent
		}
		break
	}
	return in
}

// CoalesceFile measures the run of file buffers starting at in that refer
// to the same descriptor with adjacent ranges, up to limit bytes. It
// returns the combined size and the first link not covered. When the
// limit cuts a buffer, the cut moves back to a page boundary unless that
// would leave nothing of the buffer.
func (a *Arena) CoalesceFile(in LinkID, limit int64) (int64, LinkID) {
	var total int64
	cl := in
	b := a.links[cl].Buf
	fd := b.File.Fd

	for {
		size := b.Size()
		if size > limit-total {
			size = limit - total
			if aligned := (b.FilePos + size) &^ (pageSize - 1); aligned > b.FilePos {
				size = aligned - b.FilePos
			}
			total += size
			break
		}

		total += size
		fprev := b.FilePos + size
		cl = a.links[cl].Next
		if cl == Nil {
			break
		}
		b = a.links[cl].Buf
		if !b.Has(InFile) || total >= limit || b.File == nil ||
			b.File.Fd != fd || b.FilePos != fprev {
			break
		}
	}
	return total, cl
}

// UpdateChains appends *out to *busy and then moves drained links off the
// head of *busy. Buffers tagged tag are rewound and parked with their link
// on *free for reuse; links of other owners are returned to the arena. The
// walk stops at the first buffer that still holds bytes, so *busy is
// exactly what downstream has not finished with.
func (a *Arena) UpdateChains(free, busy, out *LinkID, tag Tag) {
	if *out != Nil {
		if *busy == Nil {
			*busy = *out
		} else {
			a.links[a.Tail(*busy)].Next = *out
		}
		*out = Nil
	}

	for *busy != Nil {
		cl := *busy
		b := a.links[cl].Buf
		if b.Size() != 0 {
			break
		}

		if b.Shadow != nil && b.Has(LastShadow) {
			b.Shadow.Drain()
		}

		*busy = a.links[cl].Next
		if b.Tag != tag {
			a.Put(cl)
			continue
		}

		b.Reset()
		a.links[cl].Next = *free
		*free = cl
	}
}

// Dump renders a chain for debug logs.
func (a *Arena) Dump(head LinkID) string {
	var sb strings.Builder
	for ; head != Nil; head = a.links[head].Next {
		if sb.Len() > 0 {
			sb.WriteString(" -> ")
		}
		sb.WriteString(a.links[head].Buf.String())
	}
	if sb.Len() == 0 {
		return "(empty)"
	}
	return sb.String()
}
