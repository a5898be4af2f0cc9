package client

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/funkey/resync/pkg/retry"
)

// ErrNoDevice is returned by Discover when no candidate answered.
var ErrNoDevice = errors.New("no device found")

// FallbackHost is tried after all USB network candidates.
const FallbackHost = "remarkable"

// usbAddrs maps interface names to their IPv4 networks.
type usbAddrs map[string][]*net.IPNet

// Candidates returns possible device addresses. On a USB network link
// (interfaces named enx*) the device is the .1 host of the link's subnet.
func Candidates() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return []string{FallbackHost}
	}
	addrs := usbAddrs{}
	for _, iface := range ifaces {
		if !strings.HasPrefix(iface.Name, "enx") {
			continue
		}
		list, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range list {
			if ipnet, ok := a.(*net.IPNet); ok {
				addrs[iface.Name] = append(addrs[iface.Name], ipnet)
			}
		}
	}
	return candidates(addrs)
}

func candidates(addrs usbAddrs) []string {
	var out []string
	for _, nets := range addrs {
		for _, n := range nets {
			ip4 := n.IP.To4()
			if ip4 == nil {
				continue
			}
			host := make(net.IP, len(ip4))
			copy(host, ip4)
			host[3] = 1
			if host.Equal(ip4) {
				continue
			}
			out = append(out, host.String())
		}
	}
	return append(out, FallbackHost)
}

// Discover checks each candidate and returns the first that looks like the
// tablet, i.e. accepts SSH and has the document UI binary installed.
func Discover(ctx context.Context, cfg Config, log *zap.Logger) (string, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg.Timeout = time.Second
	cfg.RetryConfig = retry.Config{MaxAttempts: 1}

	for _, addr := range Candidates() {
		cfg.Address = addr
		cfg.DocumentRoot = "/"
		dev, err := Dial(ctx, cfg, log)
		if err != nil {
			log.Debug("candidate rejected", zap.String("addr", addr), zap.Error(err))
			continue
		}
		found := dev.Transport().Exists("/usr/bin/xochitl")
		dev.Close()
		if found {
			log.Info("found device", zap.String("addr", addr))
			return addr, nil
		}
		log.Debug("candidate is not a tablet", zap.String("addr", addr))
	}
	return "", ErrNoDevice
}
