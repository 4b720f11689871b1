//go:build linux

package stuck

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// procSampler reads process state from the proc filesystem. The root is a
// field so tests can point it at a fixture tree.
type procSampler struct {
	root string
}

func newPlatformSampler() (sampler, error) {
	return &procSampler{root: "/proc"}, nil
}

func (p *procSampler) sample(pid int) (*procSample, error) {
	dir := filepath.Join(p.root, strconv.Itoa(pid))

	s := &procSample{}
	state, cpuTicks, err := readStatFrom(filepath.Join(dir, "stat"))
	if err != nil {
		return nil, err
	}
	s.state = state
	s.cpuTicks = cpuTicks

	switches, err := readVoluntarySwitchesFrom(filepath.Join(dir, "status"))
	if err != nil {
		return nil, err
	}
	s.voluntarySwitches = switches

	// wchan is best-effort: absent on kernels built without it.
	if wchan, err := os.ReadFile(filepath.Join(dir, "wchan")); err == nil {
		s.wchan = strings.TrimSpace(string(wchan))
	}

	sockets, err := readSockets(p.root, dir)
	if err != nil {
		return nil, err
	}
	s.sockets = sockets
	return s, nil
}

// readStatFrom parses /proc/{pid}/stat for the state letter and the
// cumulative utime+stime ticks. The comm field may contain spaces and
// parentheses, so fields are counted from after the last ')'.
func readStatFrom(path string) (byte, uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, err
	}

	idx := strings.LastIndexByte(string(data), ')')
	if idx < 0 || idx+2 >= len(data) {
		return 0, 0, fmt.Errorf("malformed stat file %s", path)
	}

	// After ") ": state utime is field 12, stime field 13 (0-indexed).
	fields := strings.Fields(string(data[idx+2:]))
	if len(fields) < 13 {
		return 0, 0, fmt.Errorf("malformed stat file %s: %d fields", path, len(fields))
	}

	state := fields[0][0]
	utime, err := strconv.ParseUint(fields[11], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed utime in %s: %w", path, err)
	}
	stime, err := strconv.ParseUint(fields[12], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed stime in %s: %w", path, err)
	}
	return state, utime + stime, nil
}

// readVoluntarySwitchesFrom extracts voluntary_ctxt_switches from
// /proc/{pid}/status.
func readVoluntarySwitchesFrom(path string) (uint64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "voluntary_ctxt_switches:") {
			continue
		}
		value := strings.TrimSpace(strings.TrimPrefix(line, "voluntary_ctxt_switches:"))
		return strconv.ParseUint(value, 10, 64)
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("no voluntary_ctxt_switches in %s", path)
}

// tcpSynSent is the kernel's TCP_SYN_SENT connection state.
const tcpSynSent = 0x02

// readSockets resolves the process's socket inodes via its fd table and
// looks up their queue depths and states in the net/tcp tables.
func readSockets(procRoot, pidDir string) ([]socketInfo, error) {
	inodes, err := socketInodes(filepath.Join(pidDir, "fd"))
	if err != nil {
		return nil, err
	}
	if len(inodes) == 0 {
		return nil, nil
	}

	table := make(map[string]socketInfo)
	for _, name := range []string{"net/tcp", "net/tcp6"} {
		// The per-pid net tables reflect the process's network namespace;
		// fall back to the global ones if unreadable.
		if err := readTCPTableInto(table, filepath.Join(pidDir, name)); err != nil {
			readTCPTableInto(table, filepath.Join(procRoot, name))
		}
	}

	var sockets []socketInfo
	for _, inode := range inodes {
		if info, ok := table[inode]; ok {
			sockets = append(sockets, info)
		}
	}
	return sockets, nil
}

// socketInodes lists the socket inode numbers among a process's open fds.
func socketInodes(fdDir string) ([]string, error) {
	entries, err := os.ReadDir(fdDir)
	if err != nil {
		return nil, err
	}

	var inodes []string
	for _, entry := range entries {
		target, err := os.Readlink(filepath.Join(fdDir, entry.Name()))
		if err != nil {
			continue // fd closed between readdir and readlink
		}
		if inode, ok := strings.CutPrefix(target, "socket:["); ok {
			inodes = append(inodes, strings.TrimSuffix(inode, "]"))
		}
	}
	return inodes, nil
}

// readTCPTableInto parses a /proc net/tcp table. Format per row:
//
//	sl local_address rem_address st tx_queue:rx_queue ... inode
func readTCPTableInto(table map[string]socketInfo, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Scan() // header
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 10 {
			continue
		}

		st, err := strconv.ParseUint(fields[3], 16, 8)
		if err != nil {
			continue
		}
		queues := strings.SplitN(fields[4], ":", 2)
		if len(queues) != 2 {
			continue
		}
		tx, err1 := strconv.ParseUint(queues[0], 16, 64)
		rx, err2 := strconv.ParseUint(queues[1], 16, 64)
		if err1 != nil || err2 != nil {
			continue
		}

		table[fields[9]] = socketInfo{
			txQueue: tx,
			rxQueue: rx,
			synSent: st == tcpSynSent,
		}
	}
	return scanner.Err()
}
