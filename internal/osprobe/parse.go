package osprobe

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"
)

// parseLsof parses the fixed-width-ish output of:
//
//	lsof -nP -iTCP -sTCP:LISTEN
//
// Example line:
//
//	node    12345 alice   23u  IPv6 0x...      0t0  TCP *:3000 (LISTEN)
func parseLsof(out []byte) []Listener {
	var listeners []Listener
	scanner := bufio.NewScanner(bytes.NewReader(out))
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue // header line
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 9 {
			continue
		}
		command := fields[0]
		pid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		user := fields[2]
		name := fields[8] // "*:3000" or "127.0.0.1:3000"
		idx := strings.LastIndex(name, ":")
		if idx < 0 {
			continue
		}
		port, err := strconv.Atoi(name[idx+1:])
		if err != nil {
			continue
		}
		listeners = append(listeners, Listener{Port: port, PID: pid, Command: command, User: user})
	}
	return listeners
}

// parseNetstat parses the output of "netstat -ano -p TCP" on Windows.
//
// Example line:
//
//	TCP    0.0.0.0:3000    0.0.0.0:0    LISTENING    12345
func parseNetstat(out []byte) []Listener {
	var listeners []Listener
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 || fields[0] != "TCP" {
			continue
		}
		if fields[3] != "LISTENING" {
			continue
		}
		local := fields[1]
		idx := strings.LastIndex(local, ":")
		if idx < 0 {
			continue
		}
		port, err := strconv.Atoi(local[idx+1:])
		if err != nil {
			continue
		}
		pid, err := strconv.Atoi(fields[4])
		if err != nil {
			continue
		}
		listeners = append(listeners, Listener{Port: port, PID: pid})
	}
	return listeners
}
