package providers

import (
	"bufio"
	"io"
	"iter"
	"strings"
)

const maxSSELine = 1 << 20

type SSEEvent struct {
	Event string
	Data  string
	ID    string
}

// ReadSSE yields server-sent events from r in arrival order. Comment lines
// and events without data are skipped. Iteration stops at the first read
// error, which is yielded once.
func ReadSSE(r io.Reader) iter.Seq2[SSEEvent, error] {
	return func(yield func(SSEEvent, error) bool) {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64*1024), maxSSELine)

		var (
			cur  SSEEvent
			data []string
		)
		flush := func() bool {
			if len(data) == 0 {
				cur = SSEEvent{}
				return true
			}
			cur.Data = strings.Join(data, "\n")
			ev := cur
			cur, data = SSEEvent{}, data[:0]
			return yield(ev, nil)
		}

		for sc.Scan() {
			line := strings.TrimSuffix(sc.Text(), "\r")
			if line == "" {
				if !flush() {
					return
				}
				continue
			}
			if strings.HasPrefix(line, ":") {
				continue
			}
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				cur.Event = value
			case "data":
				data = append(data, value)
			case "id":
				cur.ID = value
			}
		}
		if err := sc.Err(); err != nil {
			yield(SSEEvent{}, err)
			return
		}
		flush()
	}
}
