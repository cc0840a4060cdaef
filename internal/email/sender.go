package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/gomail.v2"
)

const dialTimeout = 30 * time.Second

// SMTPTransport delivers through an SMTP relay. One Open gives one SMTP
// session for a whole mailout; messages are composed with gomail.
type SMTPTransport struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	HeloName string

	// Limiter paces messages across the session. Nil means unlimited.
	Limiter *rate.Limiter
	// DKIM signs each message when set.
	DKIM *DKIMSigner
}

func (t *SMTPTransport) Open(ctx context.Context) (Conn, error) {
	addr := net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
	dialer := &net.Dialer{Timeout: dialTimeout}

	var (
		conn net.Conn
		err  error
	)
	if t.Port == 465 {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: t.tlsConfig()}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %w", ErrConnect, err)
	}

	client, err := smtp.NewClient(conn, t.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}

	if err := t.handshake(client); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}

	return &smtpConn{client: client, from: t.From, limiter: t.Limiter, dkim: t.DKIM}, nil
}

func (t *SMTPTransport) handshake(client *smtp.Client) error {
	if t.HeloName != "" {
		if err := client.Hello(t.HeloName); err != nil {
			return fmt.Errorf("helo: %w", err)
		}
	}

	if t.Port != 465 {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(t.tlsConfig()); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}

	if t.User != "" {
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(smtp.PlainAuth("", t.User, t.Password, t.Host)); err != nil {
				return fmt.Errorf("auth: %w", err)
			}
		}
	}
	return nil
}

func (t *SMTPTransport) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName: t.Host,
		MinVersion: tls.VersionTLS12,
	}
}

type smtpConn struct {
	client  *smtp.Client
	from    string
	limiter *rate.Limiter
	dkim    *DKIMSigner
}

func (c *smtpConn) Send(ctx context.Context, msg Message) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return wrap(ErrDisconnected, err)
		}
	}

	err := classify(c.transmit(msg))
	if err != nil && !Disconnected(err) {
		// Abandon the half-done transaction so the session can carry the next message.
		if rerr := c.client.Reset(); rerr != nil {
			return wrap(ErrDisconnected, rerr)
		}
	}
	return err
}

func (c *smtpConn) transmit(msg Message) error {
	if err := c.client.Mail(c.from); err != nil {
		return err
	}
	if err := c.client.Rcpt(msg.To); err != nil {
		return err
	}
	w, err := c.client.Data()
	if err != nil {
		return err
	}
	if err := c.write(w, msg); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (c *smtpConn) write(w io.Writer, msg Message) error {
	m := buildMessage(c.from, msg)
	if c.dkim == nil {
		_, err := m.WriteTo(w)
		return err
	}

	var raw bytes.Buffer
	if _, err := m.WriteTo(&raw); err != nil {
		return err
	}
	return c.dkim.Sign(w, raw.Bytes())
}

func (c *smtpConn) Close() error {
	if err := c.client.Quit(); err != nil {
		c.client.Close()
		return err
	}
	return nil
}

func buildMessage(from string, msg Message) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", from)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Text)
	if msg.HTML != "" {
		m.AddAlternative("text/html", msg.HTML)
	}
	return m
}
