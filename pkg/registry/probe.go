package registry

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"time"

	_ "github.com/lib/pq"
)

const probeTimeout = 5 * time.Second

// Prober performs the one-shot connectivity handshake for a KB at
// registration time. A probe failure never rejects the registration; it
// only determines the initial status.
type Prober interface {
	Probe(ctx context.Context, kbType, endpoint string, credentials map[string]any) error
}

// DriverProber is the default Prober. Postgres endpoints get a real driver
// ping; everything else gets a TCP handshake against the endpoint's
// host and port, which covers bolt and other driver URIs without pulling
// their drivers into the broker.
type DriverProber struct{}

func (DriverProber) Probe(ctx context.Context, kbType, endpoint string, credentials map[string]any) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if kbType == "postgres" {
		return probePostgres(ctx, endpoint)
	}
	return probeTCP(ctx, endpoint)
}

func probePostgres(ctx context.Context, endpoint string) error {
	db, err := sql.Open("postgres", endpoint)
	if err != nil {
		return fmt.Errorf("invalid postgres endpoint: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres handshake failed: %w", err)
	}
	return nil
}

func probeTCP(ctx context.Context, endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return fmt.Errorf("endpoint %q has no reachable host", endpoint)
	}
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), defaultPortFor(u.Scheme))
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return fmt.Errorf("handshake with %s failed: %w", host, err)
	}
	return conn.Close()
}

func defaultPortFor(scheme string) string {
	switch scheme {
	case "bolt", "neo4j":
		return "7687"
	case "http":
		return "80"
	case "https":
		return "443"
	default:
		return "0"
	}
}
