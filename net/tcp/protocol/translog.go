package protocol

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	m "github.com/Meander-Cloud/go-socialnet/message"
)

const transLogTimeLayout = "Mon Jan _2 15:04:05 2006"

// TransLog appends one record per acknowledged send and per received request
// to a plain text file. A TransLog with an empty path discards records.
type TransLog struct {
	logPrefix string
	path      string

	mutex sync.Mutex
}

func NewTransLog(logPrefix string, path string) *TransLog {
	return &TransLog{
		logPrefix: logPrefix,
		path:      path,
		mutex:     sync.Mutex{},
	}
}

func (t *TransLog) Path() string {
	return t.path
}

func (t *TransLog) Sent(n int, pkt *m.Packet, sendTime time.Time, ackTime time.Time) {
	t.append(
		fmt.Sprintf(
			"Write %d byte at %s\t%s\nReceived ACK packet at %s\nResponse time: %f ms\n\n",
			n,
			sendTime.Local().Format(transLogTimeLayout),
			describe(pkt),
			ackTime.Local().Format(transLogTimeLayout),
			float64(ackTime.Sub(sendTime).Microseconds())/1000.0,
		),
	)
}

func (t *TransLog) Received(n int, pkt *m.Packet, readTime time.Time) {
	t.append(
		fmt.Sprintf(
			"Read %d byte at %s\t%s\n\n",
			n,
			readTime.Local().Format(transLogTimeLayout),
			describe(pkt),
		),
	)
}

func (t *TransLog) append(record string) {
	if t == nil || t.path == "" {
		return
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Printf("%s: failed to open %s, err=%s", t.logPrefix, t.path, err.Error())
		return
	}
	defer f.Close()

	_, err = f.WriteString(record)
	if err != nil {
		log.Printf("%s: failed to append to %s, err=%s", t.logPrefix, t.path, err.Error())
	}
}

func describe(pkt *m.Packet) string {
	return fmt.Sprintf(
		"[len: %d | cmd: %s | num: %d | sid: %d]",
		pkt.ContentLen,
		pkt.Command,
		pkt.ReqNum,
		pkt.SessionID,
	)
}
