package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

// ReadyFDEnv names the inherited descriptor a worker writes its ready line to.
const ReadyFDEnv = "CHATGATE_READY_FD"

const readyLine = "ready"

var notifyOnce sync.Once

// NotifyReady tells the parent that initialization succeeded. It is a
// no-op when the process was not started by a Supervisor, and only the
// first call has any effect.
func NotifyReady() error {
	v := os.Getenv(ReadyFDEnv)
	if v == "" {
		return nil
	}
	fd, err := strconv.Atoi(v)
	if err != nil || fd < 3 {
		return fmt.Errorf("invalid %s=%q", ReadyFDEnv, v)
	}
	var werr error
	notifyOnce.Do(func() {
		f := os.NewFile(uintptr(fd), "ready-pipe")
		if f == nil {
			werr = errors.New("ready descriptor is not open")
			return
		}
		defer f.Close()
		_, werr = io.WriteString(f, readyLine+"\n")
	})
	return werr
}

// awaitReady reads until the ready line or EOF.
func awaitReady(r io.Reader) bool {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == readyLine {
			return true
		}
	}
	return false
}
