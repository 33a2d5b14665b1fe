package hbserve

import (
	"net"
	"sync"

	"github.com/cockroachdb/errors"
)

// addrKey is a normalized listening address. An empty host stands for every interface.
type addrKey struct {
	host string
	port string
}

func parseAddr(addr string) (addrKey, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addrKey{}, errors.Wrapf(err, "invalid address %q", addr)
	}

	switch host {
	case "0.0.0.0", "::":
		host = ""
	case "localhost":
		host = "127.0.0.1"
	}

	if port == "" {
		port = "0"
	}

	return addrKey{host: host, port: port}, nil
}

// overlaps reports whether two addresses cannot both be bound.
func (k addrKey) overlaps(o addrKey) bool {
	return k.port == o.port && (k.host == o.host || k.host == "" || o.host == "")
}

// addrTable tracks the addresses of running instances.
type addrTable struct {
	mu    sync.Mutex
	addrs map[addrKey]*Instance
}

var bound = &addrTable{addrs: map[addrKey]*Instance{}}

// reserve claims addr for inst. Ephemeral ports are only claimed once the listener picked one, see rekey.
func (t *addrTable) reserve(addr string, inst *Instance) (addrKey, error) {
	key, err := parseAddr(addr)
	if err != nil {
		return key, err
	}

	if key.port == "0" {
		return key, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return key, t.claimLocked(key, inst)
}

func (t *addrTable) claimLocked(key addrKey, inst *Instance) error {
	for k, other := range t.addrs {
		if other != inst && k.overlaps(key) {
			return errors.Wrapf(ErrAddressInUse, "%s", net.JoinHostPort(key.host, key.port))
		}
	}

	t.addrs[key] = inst

	return nil
}

// rekey claims the address the listener actually bound.
func (t *addrTable) rekey(old addrKey, actual string, inst *Instance) (addrKey, error) {
	key, err := parseAddr(actual)
	if err != nil {
		return old, err
	}

	if old.host == "" {
		key.host = ""
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return key, t.claimLocked(key, inst)
}

func (t *addrTable) release(key addrKey, inst *Instance) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.addrs[key] == inst {
		delete(t.addrs, key)
	}
}

func (t *addrTable) releaseInstance(inst *Instance) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for k, other := range t.addrs {
		if other == inst {
			delete(t.addrs, k)
		}
	}
}
