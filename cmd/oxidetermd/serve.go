package main

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/oxideterm/core/lib/ipc"
)

// serveIPC speaks newline-delimited JSON over the daemon's stdio pipe: the
// desktop shell writes one Request per line and reads one Response per line.
// Terminal byte streams never travel this pipe; they use the bridge.
func serveIPC(ctx context.Context, d *ipc.Dispatcher, log *logrus.Entry) {
	var writeMu sync.Mutex
	enc := json.NewEncoder(os.Stdout)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())

		go func() {
			var req ipc.Request
			if err := json.Unmarshal(line, &req); err != nil {
				log.WithError(err).Warn("malformed ipc request")
				return
			}
			resp := d.Dispatch(ctx, req)
			writeMu.Lock()
			defer writeMu.Unlock()
			if err := enc.Encode(resp); err != nil {
				log.WithError(err).Warn("failed to write ipc response")
			}
		}()
	}
}
