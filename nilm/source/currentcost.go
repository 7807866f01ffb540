package source

import (
	"bufio"
	"io"
	"log"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"

	"github.com/barnybug/gonilm/config"
)

var rePower = regexp.MustCompile(`<ch1><watts>(\d{5})</watts>`)

// Currentcost reads aggregate power from a currentcost electricity
// monitor on a serial port. The meter emits one xml line per reading.
type Currentcost struct {
	live
	port io.ReadWriteCloser
}

func NewCurrentcost(cfg config.CurrentcostConf, queueSize int, stale time.Duration) (*Currentcost, error) {
	port, err := serial.OpenPort(&serial.Config{Name: cfg.Device, Baud: 57600})
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", cfg.Device)
	}
	c := &Currentcost{
		live: newLive("currentcost", queueSize, stale),
		port: port,
	}
	go c.read()
	return c, nil
}

func parseWatts(msg string) (float64, bool) {
	m := rePower.FindStringSubmatch(msg)
	if m == nil {
		return 0, false
	}
	watts, _ := strconv.ParseFloat(m[1], 64)
	return watts, true
}

func (c *Currentcost) read() {
	reader := bufio.NewReader(c.port)
	var buffer string
	for {
		select {
		case <-c.closed:
			return
		default:
		}
		line, err := reader.ReadString('\n')
		buffer += line
		if err != nil && err != io.EOF {
			log.Println("currentcost: error reading line:", err)
			return
		}
		if line == "" {
			// empty read, wait a bit
			time.Sleep(time.Millisecond * 500)
			continue
		}
		if !strings.HasSuffix(line, "\n") {
			// partial line
			continue
		}
		if line == "\n" {
			continue
		}
		if watts, ok := parseWatts(buffer); ok {
			c.offer(&Sample{Timestamp: time.Now().UTC(), Power: watts})
		}
		buffer = ""
	}
}

func (c *Currentcost) Close() error {
	close(c.closed)
	return c.port.Close()
}
