// Package checks holds the email-server checks the prober runs: DNS MX
// records, ping, TCP ports, TLS certificates and SMTP submission.
//
// Every check implements probe.Checker. A check that ran and got a wrong
// answer returns probe.Fail; one that could not complete returns
// probe.Errored with the underlying network, DNS, TLS or SMTP error so the
// runner can categorize it. Checks log through log.FromContext.
package checks
