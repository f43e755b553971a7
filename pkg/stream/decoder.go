package stream

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// DoneSentinel is the data payload that marks the end of a completion stream.
const DoneSentinel = "[DONE]"

// Frame is one dispatched server-sent event.
type Frame struct {
	Event string
	ID    string
	Data  string
}

func (f *Frame) IsDone() bool {
	return strings.TrimSpace(f.Data) == DoneSentinel
}

// Decoder reads server-sent event frames from a line-oriented body.
//
// Lines may be split across any number of reads. When the body ends without a trailing newline or
// without the blank line that closes a frame, the remaining line and the pending frame are still
// decoded and returned before io.EOF.
type Decoder struct {
	r       *bufio.Reader
	pending *Frame
	data    []string
	eof     bool
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next frame. It returns io.EOF once the body is exhausted and every frame has
// been returned, or the read error that interrupted the body.
func (d *Decoder) Next() (*Frame, error) {
	for {
		if d.eof {
			if f := d.dispatch(); f != nil {
				return f, nil
			}
			return nil, io.EOF
		}

		line, err := d.r.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}
		if err == io.EOF {
			d.eof = true
			if len(line) == 0 {
				continue
			}
		}

		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			if f := d.dispatch(); f != nil {
				return f, nil
			}
			continue
		}
		d.parseLine(string(line))
	}
}

func (d *Decoder) parseLine(line string) {
	if strings.HasPrefix(line, ":") {
		return
	}
	field, value, found := strings.Cut(line, ":")
	if found {
		value = strings.TrimPrefix(value, " ")
	}

	if d.pending == nil {
		d.pending = &Frame{}
	}
	switch field {
	case "data":
		d.data = append(d.data, value)
	case "event":
		d.pending.Event = value
	case "id":
		d.pending.ID = value
	default:
		// retry and unknown fields
	}
}

func (d *Decoder) dispatch() *Frame {
	f := d.pending
	d.pending = nil
	if f == nil {
		return nil
	}
	if len(d.data) == 0 && f.Event == "" {
		return nil
	}
	f.Data = strings.Join(d.data, "\n")
	d.data = nil
	return f
}
