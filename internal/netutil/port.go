package netutil

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// SelectBindAddr returns preferred when it can be listened on. With
// autoFallback the next attempts ports on the same host are tried in order.
func SelectBindAddr(preferred string, attempts int, autoFallback bool) (string, error) {
	host, portStr, err := net.SplitHostPort(preferred)
	if err != nil {
		return "", fmt.Errorf("invalid bind address %q: %w", preferred, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", fmt.Errorf("invalid bind port %q: %w", portStr, err)
	}

	if ok, err := IsAddrAvailable(preferred); err != nil {
		return "", err
	} else if ok {
		return preferred, nil
	}
	if !autoFallback || port == 0 {
		return "", fmt.Errorf("preferred bind address in use: %s", preferred)
	}

	for i := 1; i <= attempts && port+i <= 65535; i++ {
		addr := net.JoinHostPort(host, strconv.Itoa(port+i))
		ok, err := IsAddrAvailable(addr)
		if err != nil {
			return "", err
		}
		if ok {
			return addr, nil
		}
	}
	return "", fmt.Errorf("no available bind address after %s", preferred)
}

// IsAddrAvailable returns true when an address can be listened on.
func IsAddrAvailable(addr string) (bool, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return false, nil
	}
	if closeErr := ln.Close(); closeErr != nil {
		return false, closeErr
	}
	return true, nil
}

// PortInUse reports whether something already accepts connections on
// host:port.
func PortInUse(host string, port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
