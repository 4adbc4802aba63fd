package membership

import (
	"cmp"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"iriscache/utils"
)

// Address identifies a cluster member. Generation is the process start time,
// so sorting addresses yields join order. The value is immutable once the
// member is part of a view.
type Address struct {
	Host       string
	Port       int
	Generation int64
	ID         string
}

func NewAddress(host string, port int) Address {
	return Address{
		Host:       host,
		Port:       port,
		Generation: time.Now().UnixNano(),
		ID:         uuid.NewString(),
	}
}

func (a Address) IsZero() bool { return a == Address{} }

func (a Address) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

func (a Address) String() string {
	if a.IsZero() {
		return "<nil>"
	}
	return fmt.Sprintf("%s#%d", a.HostPort(), a.Generation)
}

// Compare orders addresses by generation, then host, port and id.
func (a Address) Compare(b Address) int {
	if c := cmp.Compare(a.Generation, b.Generation); c != 0 {
		return c
	}
	if c := strings.Compare(a.Host, b.Host); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Port, b.Port); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// Name is the stable transport-level node name.
func (a Address) Name() string {
	return a.HostPort() + "/" + a.ID
}

// ParseAddress parses the Name form back into an address. The generation is
// carried separately by the transport.
func ParseAddress(name string, generation int64) (Address, error) {
	hostPort, id, ok := strings.Cut(name, "/")
	if !ok || id == "" {
		return Address{}, fmt.Errorf("invalid member name %q", name)
	}
	host, port, err := utils.SplitHostPort(hostPort)
	if err != nil {
		return Address{}, err
	}
	return Address{Host: host, Port: port, Generation: generation, ID: id}, nil
}
