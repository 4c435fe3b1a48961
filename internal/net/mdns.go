package net

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

const serviceType = "_mapboard._tcp"

// Advertise announces a hosted session on the local network. The session id
// rides in the TXT record so guests can resolve it to an address. The caller
// shuts the returned server down when hosting ends.
func Advertise(sessionID string, port int) (*mdns.Server, error) {
	host, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("get hostname: %w", err)
	}

	service, err := mdns.NewMDNSService(
		host,
		serviceType,
		"", // default ".local" domain
		"", // default OS hostname
		port,
		nil, // auto-detect IPs
		[]string{"session=" + sessionID},
	)
	if err != nil {
		return nil, fmt.Errorf("create mDNS service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("start mDNS server: %w", err)
	}
	return server, nil
}

// Resolve browses for a hosted session and returns its host:port address.
// An empty sessionID matches the first session found.
func Resolve(sessionID string, timeout time.Duration) (string, error) {
	entries := make(chan *mdns.ServiceEntry, 8)
	found := matchSession(entries, sessionID)

	params := mdns.DefaultParams(serviceType)
	params.Entries = entries
	params.Timeout = timeout
	err := mdns.Query(params)
	close(entries)
	addr, ok := <-found
	if err != nil {
		return "", fmt.Errorf("mDNS lookup: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("no session %q found on the local network", sessionID)
	}
	return addr, nil
}

// matchSession drains entries and yields the address of the first one
// advertising sessionID. The result channel closes only after entries does,
// so a receive never races buffered entries still being drained.
func matchSession(entries <-chan *mdns.ServiceEntry, sessionID string) <-chan string {
	found := make(chan string, 1)
	go func() {
		defer close(found)
		for e := range entries {
			if e.AddrV4 == nil || e.Port == 0 {
				continue
			}
			if sessionID != "" && !hasSession(e.InfoFields, sessionID) {
				continue
			}
			select {
			case found <- fmt.Sprintf("%s:%d", e.AddrV4.String(), e.Port):
			default:
			}
		}
	}()
	return found
}

func hasSession(infoFields []string, sessionID string) bool {
	for _, field := range infoFields {
		if strings.HasPrefix(field, "session=") &&
			strings.TrimPrefix(field, "session=") == sessionID {
			return true
		}
	}
	return false
}
