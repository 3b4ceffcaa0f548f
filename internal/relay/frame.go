package relay

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

const (
	framePrefix = "data: "
	doneMarker  = "[DONE]"
)

// Frame is one event of the relayed stream: a content delta or the
// terminal marker.
type Frame struct {
	Content string
	Done    bool
}

// DeltaFrame wraps a content delta.
func DeltaFrame(content string) Frame { return Frame{Content: content} }

// DoneFrame is the terminal frame.
var DoneFrame = Frame{Done: true}

// Encode renders f in the wire grammar:
//
//	data: {"content":"..."}\n\n
//	data: [DONE]\n\n
func (f Frame) Encode() []byte {
	if f.Done {
		return []byte(framePrefix + doneMarker + "\n\n")
	}
	var buf bytes.Buffer
	buf.WriteString(framePrefix)
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encoding a struct with one string field cannot fail.
	_ = enc.Encode(struct {
		Content string `json:"content"`
	}{f.Content})
	buf.Truncate(buf.Len() - 1) // Encoder's trailing newline
	buf.WriteString("\n\n")
	return buf.Bytes()
}

// Decoder is the client side of the wire grammar. It tolerates frames split
// across reads and skips frames it cannot parse.
type Decoder struct {
	r    *bufio.Reader
	done bool
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next non-empty content delta. It returns io.EOF after the
// terminal frame and io.ErrUnexpectedEOF if the stream ends without one.
func (d *Decoder) Next() (string, error) {
	if d.done {
		return "", io.EOF
	}
	for {
		line, err := d.r.ReadString('\n')
		if content, ok, done := parseFrameLine(strings.TrimRight(line, "\r\n")); done {
			d.done = true
			return "", io.EOF
		} else if ok && content != "" {
			return content, nil
		}
		if errors.Is(err, io.EOF) {
			d.done = true
			return "", io.ErrUnexpectedEOF
		}
		if err != nil {
			return "", err
		}
	}
}

func parseFrameLine(line string) (content string, ok, done bool) {
	payload, found := strings.CutPrefix(line, framePrefix)
	if !found {
		return "", false, false
	}
	if strings.TrimSpace(payload) == doneMarker {
		return "", false, true
	}
	var body struct {
		Content *string `json:"content"`
	}
	if err := json.Unmarshal([]byte(payload), &body); err != nil || body.Content == nil {
		return "", false, false
	}
	return *body.Content, true, false
}
