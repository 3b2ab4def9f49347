package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// ParseTCPKeepAlive reads "on", "off" or "idle:interval:count", the first
// two in seconds.
func ParseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	switch s = strings.ToLower(strings.TrimSpace(s)); s {
	case "":
		return net.KeepAliveConfig{}, errors.New("empty")
	case "on":
		return net.KeepAliveConfig{Enable: true}, nil
	case "off":
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("want on, off or idle:interval:count")
	}

	var vals [3]int
	for i, name := range []string{"idle", "interval", "count"} {
		n, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err == nil && n <= 0 {
			err = errors.New("must be > 0")
		}
		if err != nil {
			return net.KeepAliveConfig{}, fmt.Errorf("%s: %w", name, err)
		}
		vals[i] = n
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     time.Duration(vals[0]) * time.Second,
		Interval: time.Duration(vals[1]) * time.Second,
		Count:    vals[2],
	}, nil
}
