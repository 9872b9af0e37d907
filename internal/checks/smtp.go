package checks

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/smtp"
	"net/textproto"
	"time"

	"github.com/therealbill/prober/internal/log"
	"github.com/therealbill/prober/internal/probe"
	"github.com/therealbill/prober/internal/xerrors"
)

// DefaultTestAddress is the envelope sender and recipient of the
// unauthenticated submission test.
const DefaultTestAddress = "test@example.com"

// SMTPAuth logs in over STARTTLS. A server without STARTTLS fails the
// check; rejected credentials surface as the server's 535 error.
type SMTPAuth struct {
	Hostname string
	Port     int
	Username string
	Password string

	Addr      string
	TLSConfig *tls.Config
	Timeout   time.Duration
}

func (c SMTPAuth) Check(ctx context.Context) probe.Result {
	addr := hostPort(c.Addr, c.Hostname, c.Port)
	cl, release, err := openSMTP(ctx, c.Hostname, addr, c.Timeout)
	if err != nil {
		return errored(ctx, err)
	}
	defer release()

	if err := cl.Hello(heloName); err != nil {
		return errored(ctx, xerrors.Wrapf(err, "ehlo %s", addr))
	}
	if ok, _ := cl.Extension("STARTTLS"); !ok {
		return probe.Fail("%s does not offer STARTTLS", addr)
	}
	if err := cl.StartTLS(tlsConfig(c.TLSConfig, c.Hostname)); err != nil {
		return errored(ctx, xerrors.Wrapf(err, "starttls with %s", addr))
	}
	if err := cl.Auth(smtp.PlainAuth("", c.Username, c.Password, c.Hostname)); err != nil {
		return errored(ctx, xerrors.Wrapf(err, "authenticate to %s as %s", addr, c.Username))
	}
	_ = cl.Quit()
	return probe.Pass("authenticated as " + c.Username)
}

// SMTPUnauth attempts an unauthenticated submission of a short test
// message. A sender or recipient refusal counts as a pass: the check is
// whether the submission path answers, not whether mail is relayed.
type SMTPUnauth struct {
	Hostname string
	Port     int

	// StartTLS is attempted before MAIL FROM; a failed upgrade is logged
	// and the session carries on in plaintext.
	StartTLS bool

	From string
	To   string

	Addr      string
	TLSConfig *tls.Config
	Timeout   time.Duration
}

func (c SMTPUnauth) Check(ctx context.Context) probe.Result {
	addr := hostPort(c.Addr, c.Hostname, c.Port)
	cl, release, err := openSMTP(ctx, c.Hostname, addr, c.Timeout)
	if err != nil {
		return errored(ctx, err)
	}
	defer release()

	if c.StartTLS {
		if err := cl.StartTLS(tlsConfig(c.TLSConfig, c.Hostname)); err != nil {
			log.FromContext(ctx).Warn(ctx, "STARTTLS failed, continuing without it", "addr", addr, "err", err)
		}
	}

	from, to := c.From, c.To
	if from == "" {
		from = DefaultTestAddress
	}
	if to == "" {
		to = DefaultTestAddress
	}

	if err := cl.Mail(from); err != nil {
		if isRefusal(err) {
			return probe.Pass(fmt.Sprintf("sender refused on %s: %v", addr, err))
		}
		return errored(ctx, xerrors.Wrapf(err, "mail from on %s", addr))
	}
	if err := cl.Rcpt(to); err != nil {
		if isRefusal(err) {
			return probe.Pass(fmt.Sprintf("recipient refused on %s: %v", addr, err))
		}
		return errored(ctx, xerrors.Wrapf(err, "rcpt to on %s", addr))
	}

	w, err := cl.Data()
	if err != nil {
		return errored(ctx, xerrors.Wrapf(err, "data on %s", addr))
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: SMTP Test\r\n\r\nThis is a test message.\r\n", from, to)
	if _, err := io.WriteString(w, msg); err != nil {
		return errored(ctx, xerrors.Wrapf(err, "write message to %s", addr))
	}
	if err := w.Close(); err != nil {
		return errored(ctx, xerrors.Wrapf(err, "submit message to %s", addr))
	}
	_ = cl.Quit()
	return probe.Pass("message accepted on " + addr)
}

// isRefusal reports an SMTP reply error, as opposed to a transport one.
func isRefusal(err error) bool {
	var tpErr *textproto.Error
	return errors.As(err, &tpErr)
}
