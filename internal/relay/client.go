package relay

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// outboundClient is a minimal SMTP client for the direct-dial delivery
// path: EHLO, opportunistic STARTTLS, MAIL/RCPT/DATA, QUIT. It mirrors the
// line-based request/response shape of internal/smtpsession's own command
// loop, just driven from the client side instead of the server side.
type outboundClient struct {
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer
}

func dialOutbound(ctx context.Context, host, port string) (*outboundClient, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, err
	}
	return &outboundClient{conn: conn, br: bufio.NewReader(conn), bw: bufio.NewWriter(conn)}, nil
}

func (c *outboundClient) close() { _ = c.conn.Close() }

func (c *outboundClient) readResponse() (code int, text string, err error) {
	var lines []string
	for {
		line, rerr := c.br.ReadString('\n')
		if rerr != nil {
			return 0, "", rerr
		}
		line = strings.TrimRight(line, "\r\n")
		if len(line) < 4 {
			return 0, "", fmt.Errorf("relay: malformed response line %q", line)
		}
		n, perr := strconv.Atoi(line[:3])
		if perr != nil {
			return 0, "", fmt.Errorf("relay: malformed response code in %q", line)
		}
		code = n
		lines = append(lines, line[4:])
		if line[3] == ' ' {
			break
		}
	}
	return code, strings.Join(lines, "; "), nil
}

func (c *outboundClient) cmd(line string) (int, string, error) {
	if _, err := c.bw.WriteString(line + "\r\n"); err != nil {
		return 0, "", err
	}
	if err := c.bw.Flush(); err != nil {
		return 0, "", err
	}
	return c.readResponse()
}

func (c *outboundClient) ehlo(ctx context.Context, helloDomain string) ([]string, error) {
	code, _, err := c.readResponse() // server banner
	if err != nil {
		return nil, err
	}
	if code/100 != 2 {
		return nil, fmt.Errorf("relay: banner rejected: %d", code)
	}

	if _, err := c.bw.WriteString("EHLO " + helloDomain + "\r\n"); err != nil {
		return nil, err
	}
	if err := c.bw.Flush(); err != nil {
		return nil, err
	}

	var caps []string
	for {
		line, err := c.br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if len(line) < 4 {
			return nil, fmt.Errorf("relay: malformed EHLO response %q", line)
		}
		code, perr := strconv.Atoi(line[:3])
		if perr != nil {
			return nil, fmt.Errorf("relay: malformed EHLO response code %q", line)
		}
		if code/100 != 2 {
			return nil, fmt.Errorf("relay: EHLO rejected: %d", code)
		}
		caps = append(caps, line[4:])
		if line[3] == ' ' {
			break
		}
	}
	return caps, nil
}

func (c *outboundClient) startTLS(ctx context.Context, host string, insecure bool) error {
	code, _, err := c.cmd("STARTTLS")
	if err != nil {
		return err
	}
	if code/100 != 2 {
		return fmt.Errorf("relay: STARTTLS refused: %d", code)
	}

	tlsConn := tls.Client(c.conn, &tls.Config{ServerName: host, InsecureSkipVerify: insecure})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return err
	}
	c.conn = tlsConn
	c.br = bufio.NewReader(tlsConn)
	c.bw = bufio.NewWriter(tlsConn)
	return nil
}

func hasCapability(caps []string, name string) bool {
	for _, c := range caps {
		fields := strings.Fields(c)
		if len(fields) > 0 && strings.EqualFold(fields[0], name) {
			return true
		}
	}
	return false
}
