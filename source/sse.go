package source

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/ineyio/chatquota"
)

const maxEventSize = 1 << 20

// SSE decodes wire events from a text/event-stream body. Only data fields
// are used; comments and other fields are ignored.
func SSE(body io.ReadCloser) *Events {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	return newEvents(func() (chatquota.WireEvent, error) {
		return readSSEEvent(sc)
	}, body)
}

func readSSEEvent(sc *bufio.Scanner) (chatquota.WireEvent, error) {
	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if data.Len() == 0 {
				continue
			}
			var ev chatquota.WireEvent
			if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
				return chatquota.WireEvent{}, fmt.Errorf("source: decode sse event: %w", err)
			}
			return ev, nil
		}
		if v, ok := strings.CutPrefix(line, "data:"); ok {
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(v, " "))
		}
	}
	if err := sc.Err(); err != nil {
		return chatquota.WireEvent{}, fmt.Errorf("source: read sse: %w", err)
	}
	return chatquota.WireEvent{}, io.ErrUnexpectedEOF
}
