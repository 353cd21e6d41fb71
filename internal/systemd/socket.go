package systemd

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
)

// Socket names, set with FileDescriptorName= in nudgeproxy.socket.
const (
	NameProxy   = "proxy"
	NameHTTP    = "http"
	NameHTTPS   = "https"
	NameStatus  = "status"
	NameMetrics = "metrics"
	NameDNSTCP  = "dns-tcp"
	NameDNSUDP  = "dns-udp"
)

// Listeners holds all systemd-activated listeners
type Listeners struct {
	Proxy     net.Listener
	HTTP      net.Listener
	HTTPS     net.Listener
	Status    net.Listener
	Metrics   net.Listener
	DNSTcp    net.Listener
	DNSUdp    net.PacketConn
	Activated bool
}

// GetListeners retrieves systemd socket-activated file descriptors.
// Returns empty listeners if not running under socket activation.
func GetListeners() (*Listeners, error) {
	return fromFiles(activation.Files(true))
}

func fromFiles(files []*os.File) (*Listeners, error) {
	listeners := &Listeners{}
	if len(files) == 0 {
		return listeners, nil
	}
	listeners.Activated = true

	for _, f := range files {
		name := f.Name()

		if name == NameDNSUDP {
			pc, err := net.FilePacketConn(f)
			_ = f.Close()
			if err != nil {
				return nil, fmt.Errorf("socket %q: %w", name, err)
			}
			listeners.DNSUdp = pc
			continue
		}

		ln, err := net.FileListener(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("socket %q: %w", name, err)
		}

		switch name {
		case NameProxy:
			listeners.Proxy = ln
		case NameHTTP:
			listeners.HTTP = ln
		case NameHTTPS:
			listeners.HTTPS = ln
		case NameStatus:
			listeners.Status = ln
		case NameMetrics:
			listeners.Metrics = ln
		case NameDNSTCP:
			listeners.DNSTcp = ln
		default:
			_ = ln.Close()
			return nil, fmt.Errorf("unknown socket name %q", name)
		}
	}

	return listeners, nil
}

// NotifyReady sends READY=1 notification to systemd
// This tells systemd that the service has finished starting up
func NotifyReady() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		return fmt.Errorf("failed to send sd_notify: %w", err)
	}
	return nil
}

// NotifyStopping sends STOPPING=1 notification to systemd
// This tells systemd that the service is shutting down
func NotifyStopping() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		return fmt.Errorf("failed to send sd_notify stopping: %w", err)
	}
	return nil
}

// NotifyWatchdog sends WATCHDOG=1 notification to systemd
func NotifyWatchdog() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
		return fmt.Errorf("failed to send sd_notify watchdog: %w", err)
	}
	return nil
}

// WatchdogInterval returns how often to ping the watchdog, or zero when the
// unit has no WatchdogSec.
func WatchdogInterval() time.Duration {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return 0
	}
	return interval / 2
}
