package mssql

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/tdskit/mssql/msdsn"
)

const defaultServerPort = 1433

// Dialer makes the network connection for a connector. The default is
// a plain TCP dialer; callers can plug in proxies or custom transports.
type Dialer interface {
	DialContext(ctx context.Context, network string, addr string) (net.Conn, error)
}

type netDialer struct {
	nd net.Dialer
}

func (d netDialer) DialContext(ctx context.Context, network string, addr string) (net.Conn, error) {
	return d.nd.DialContext(ctx, network, addr)
}

func (c *Connector) getDialer(p *msdsn.Config) Dialer {
	if c != nil && c.Dialer != nil {
		return c.Dialer
	}
	return netDialer{}
}

// SQL Server AlwaysOn Availability Group Listeners are bound by DNS to a
// list of IP addresses.  So if there is more than one, try them all and
// use the first one that allows a connection.
func dialConnection(ctx context.Context, c *Connector, p msdsn.Config) (conn net.Conn, err error) {
	// A custom dialer owns name resolution; hand it the host as given
	// so proxies and in-process transports see the original name.
	if c != nil && c.Dialer != nil {
		addr := net.JoinHostPort(p.Host, strconv.Itoa(int(resolveServerPort(p.Port))))
		conn, err = c.Dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, TransportError{Err: err}
		}
		return conn, nil
	}
	var ips []net.IP
	ip := net.ParseIP(p.Host)
	if ip == nil {
		ips, err = net.LookupIP(p.Host)
		if err != nil {
			return nil, TransportError{Err: err}
		}
	} else {
		ips = []net.IP{ip}
	}
	if len(ips) == 1 {
		d := c.getDialer(&p)
		addr := net.JoinHostPort(ips[0].String(), strconv.Itoa(int(resolveServerPort(p.Port))))
		conn, err = d.DialContext(ctx, "tcp", addr)

	} else {
		// Try Dials in parallel to avoid waiting for timeouts.
		connChan := make(chan net.Conn, len(ips))
		errChan := make(chan error, len(ips))
		portStr := strconv.Itoa(int(resolveServerPort(p.Port)))
		for _, ip := range ips {
			go func(ip net.IP) {
				d := c.getDialer(&p)
				addr := net.JoinHostPort(ip.String(), portStr)
				conn, err := d.DialContext(ctx, "tcp", addr)
				if err == nil {
					connChan <- conn
				} else {
					errChan <- err
				}
			}(ip)
		}
		// Wait for either the *first* successful connection, or all the errors
	wait_loop:
		for i := range ips {
			select {
			case conn = <-connChan:
				// Got a connection to use, close any others
				go func(n int) {
					for i := 0; i < n; i++ {
						select {
						case conn := <-connChan:
							conn.Close()
						case <-errChan:
						}
					}
				}(len(ips) - i - 1)
				// Remove any earlier errors we may have collected
				err = nil
				break wait_loop
			case err = <-errChan:
			}
		}
	}
	// Can't do the usual err != nil check, as it is possible to have gotten an error before a successful connection
	if conn == nil {
		f := "unable to open tcp connection with host '%v:%v': %v"
		return nil, TransportError{Err: fmt.Errorf(f, p.Host, resolveServerPort(p.Port), err)}
	}
	return conn, err
}

func resolveServerPort(port uint64) uint64 {
	if port == 0 {
		return defaultServerPort
	}

	return port
}
