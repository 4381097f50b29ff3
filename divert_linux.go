//go:build linux

package warden

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// divertChain is the nat-table chain holding our redirection rules.
const divertChain = "WARDEN_DIVERT"

// soOriginalDst is the netfilter SO_ORIGINAL_DST socket option.
const soOriginalDst = 80

// linuxDiverter redirects outbound port 80/443 flows with iptables
// REDIRECT rules and recovers the pre-NAT destination per connection
// with SO_ORIGINAL_DST. The originating process is resolved through
// procfs so the firewall callback can rule on its binary path, once per
// flow, when the connection's record is resolved. The flow table is
// consulted first, but this diverter inserts nothing into it; every
// record comes from SO_ORIGINAL_DST.
type linuxDiverter struct {
	cfg     DiverterConfig
	flows   *flowTable
	running atomic.Bool

	httpPort  uint16
	httpsPort uint16
}

func newPlatformDiverter(cfg DiverterConfig) Diverter {
	return &linuxDiverter{cfg: cfg}
}

func (d *linuxDiverter) Start(httpPort, httpsPort uint16) error {
	if d.running.Load() {
		return nil
	}
	if os.Geteuid() != 0 {
		return fmt.Errorf("%w: diversion requires root", ErrDiversionUnavailable)
	}
	if err := exec.Command("iptables", "--version").Run(); err != nil {
		return fmt.Errorf("%w: iptables not usable: %v", ErrDiversionUnavailable, err)
	}

	d.httpPort, d.httpsPort = httpPort, httpsPort
	d.flows = newFlowTable()

	if err := d.installRules(); err != nil {
		d.removeRules()
		d.flows.close()
		return err
	}
	d.running.Store(true)
	d.cfg.Logger.Info("flow diversion started", "http_port", httpPort, "https_port", httpsPort)
	return nil
}

func (d *linuxDiverter) Stop() error {
	if !d.running.CompareAndSwap(true, false) {
		return nil
	}
	d.removeRules()
	d.flows.close()
	d.cfg.Logger.Info("flow diversion stopped")
	return nil
}

func (d *linuxDiverter) installRules() error {
	// Chain may survive a previous unclean shutdown.
	_ = exec.Command("iptables", "-t", "nat", "-N", divertChain).Run()
	_ = exec.Command("iptables", "-t", "nat", "-F", divertChain).Run()

	rules := [][]string{
		{"-t", "nat", "-A", divertChain, "-o", "lo", "-j", "RETURN"},
		{"-t", "nat", "-A", divertChain, "-d", "127.0.0.0/8", "-j", "RETURN"},
	}
	if d.cfg.ExcludeGID > 0 {
		rules = append(rules, []string{
			"-t", "nat", "-A", divertChain,
			"-m", "owner", "--gid-owner", strconv.Itoa(d.cfg.ExcludeGID),
			"-j", "RETURN",
		})
	}
	rules = append(rules,
		[]string{"-t", "nat", "-A", divertChain, "-p", "tcp", "--dport", "80",
			"-j", "REDIRECT", "--to-ports", strconv.Itoa(int(d.httpPort))},
		[]string{"-t", "nat", "-A", divertChain, "-p", "tcp", "--dport", "443",
			"-j", "REDIRECT", "--to-ports", strconv.Itoa(int(d.httpsPort))},
		[]string{"-t", "nat", "-A", "OUTPUT", "-j", divertChain},
	)

	for _, rule := range rules {
		if out, err := exec.Command("iptables", rule...).CombinedOutput(); err != nil {
			return fmt.Errorf("%w: iptables %s: %v (%s)",
				ErrDiversionUnavailable, strings.Join(rule, " "), err, strings.TrimSpace(string(out)))
		}
	}
	return nil
}

func (d *linuxDiverter) removeRules() {
	_ = exec.Command("iptables", "-t", "nat", "-D", "OUTPUT", "-j", divertChain).Run()
	_ = exec.Command("iptables", "-t", "nat", "-F", divertChain).Run()
	_ = exec.Command("iptables", "-t", "nat", "-X", divertChain).Run()
}

func (d *linuxDiverter) OriginalDestination(conn net.Conn) (FlowRecord, error) {
	if !d.running.Load() {
		return FlowRecord{}, ErrUnknownFlow
	}

	port := remotePort(conn)
	if rec, ok := d.flows.take(port); ok {
		return rec, nil
	}

	ip, origPort, err := originalDst(conn)
	if err != nil {
		return FlowRecord{}, err
	}

	rec := FlowRecord{OriginalIP: ip, OriginalPort: origPort, Approved: true}
	if pid, path, ok := processForPort(port); ok {
		rec.PID = pid
		rec.BinaryPath = path
	}

	if d.cfg.Options.Option(OptRequireFirewallApproval) && d.cfg.FirewallCheck != nil {
		rec.Approved = d.cfg.FirewallCheck(rec.BinaryPath)
	}
	return rec, nil
}

// originalDst recovers the pre-REDIRECT destination with
// SO_ORIGINAL_DST.
func originalDst(conn net.Conn) (net.IP, uint16, error) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return nil, 0, ErrUnknownFlow
	}
	raw, err := tcp.SyscallConn()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUnknownFlow, err)
	}

	var (
		addr    *unix.IPv6Mreq
		sockErr error
	)
	ctrlErr := raw.Control(func(fd uintptr) {
		addr, sockErr = unix.GetsockoptIPv6Mreq(int(fd), unix.SOL_IP, soOriginalDst)
	})
	if ctrlErr != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUnknownFlow, ctrlErr)
	}
	if sockErr != nil {
		return nil, 0, fmt.Errorf("%w: SO_ORIGINAL_DST: %v", ErrUnknownFlow, sockErr)
	}

	// sockaddr_in layout: family(2) port(2, BE) addr(4).
	port := binary.BigEndian.Uint16(addr.Multiaddr[2:4])
	ip := net.IPv4(addr.Multiaddr[4], addr.Multiaddr[5], addr.Multiaddr[6], addr.Multiaddr[7])
	return ip, port, nil
}

// processForPort walks procfs to find the process owning the TCP socket
// with the given local port, returning its pid and binary path.
func processForPort(port uint16) (int, string, bool) {
	inode, ok := socketInodeForPort(port)
	if !ok {
		return 0, "", false
	}
	pid, ok := pidForSocketInode(inode)
	if !ok {
		return 0, "", false
	}
	exe, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return pid, "", true
	}
	return pid, exe, true
}

// socketInodeForPort scans /proc/net/tcp for a socket whose local port
// matches.
func socketInodeForPort(port uint16) (string, bool) {
	for _, path := range []string{"/proc/net/tcp", "/proc/net/tcp6"} {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		scanner.Scan() // header
		for scanner.Scan() {
			fields := strings.Fields(scanner.Text())
			if len(fields) < 10 {
				continue
			}
			local := fields[1]
			colon := strings.LastIndex(local, ":")
			if colon < 0 {
				continue
			}
			p, err := strconv.ParseUint(local[colon+1:], 16, 16)
			if err != nil || uint16(p) != port {
				continue
			}
			_ = f.Close()
			return fields[9], true
		}
		_ = f.Close()
	}
	return "", false
}

// pidForSocketInode scans /proc/<pid>/fd links for socket:[inode].
func pidForSocketInode(inode string) (int, bool) {
	target := "socket:[" + inode + "]"
	procs, err := os.ReadDir("/proc")
	if err != nil {
		return 0, false
	}
	for _, entry := range procs {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		fdDir := fmt.Sprintf("/proc/%d/fd", pid)
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			link, err := os.Readlink(fdDir + "/" + fd.Name())
			if err == nil && link == target {
				return pid, true
			}
		}
	}
	return 0, false
}
