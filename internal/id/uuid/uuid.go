// Package uuid generates run and proxy identifiers.
package uuid

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// proxyNamespace scopes name-based proxy IDs.
var proxyNamespace = uuid.MustParse("6f1c1d3e-5b0a-4c55-9f57-0c7a4d0f2a11")

// Generator creates UUID v7 strings.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// ProxyID derives a stable identifier from a proxy endpoint so that the same
// endpoint keeps its health history across restarts.
func ProxyID(scheme, host string, port int) string {
	if scheme == "" {
		scheme = "http"
	}
	name := strings.ToLower(scheme) + "://" + strings.ToLower(net.JoinHostPort(host, strconv.Itoa(port)))
	return uuid.NewSHA1(proxyNamespace, []byte(name)).String()
}
