// Package dnsverify checks and generates the DNS records a custom sending
// domain has to publish.
package dnsverify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
	"unicode"

	"github.com/miekg/dns"
)

// Resolver performs the live lookups. TXT records are returned as their raw
// character-string chunks.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([][]string, error)
	LookupCNAME(ctx context.Context, name string) ([]string, error)
}

// Result is the outcome of one record check. Error is set whenever Verified is false.
type Result struct {
	Verified bool   `json:"verified"`
	Error    string `json:"error,omitempty"`
}

type Verifier struct {
	resolver Resolver
}

func NewVerifier(resolver Resolver) *Verifier {
	if resolver == nil {
		resolver = NewSystemResolver()
	}
	return &Verifier{resolver: resolver}
}

// VerifyTXT reports whether the TXT record at name.domain contains expected,
// ignoring case and whitespace.
func (v *Verifier) VerifyTXT(ctx context.Context, domain, name, expected string) Result {
	fqdn := recordFQDN(name, domain)
	records, err := v.resolver.LookupTXT(ctx, fqdn)
	if err != nil {
		return Result{Error: "DNS lookup error: " + err.Error()}
	}

	want := normalizeTXT(expected)
	for _, chunks := range records {
		if strings.Contains(normalizeTXT(strings.Join(chunks, "")), want) {
			return Result{Verified: true}
		}
	}

	if len(records) == 0 {
		return Result{Error: fmt.Sprintf("no TXT records found at %s", fqdn)}
	}
	return Result{Error: fmt.Sprintf("TXT record at %s does not contain the expected value", fqdn)}
}

// VerifyCNAME reports whether name.domain is an alias of expected. A single
// trailing dot on either side is ignored.
func (v *Verifier) VerifyCNAME(ctx context.Context, domain, name, expected string) Result {
	fqdn := recordFQDN(name, domain)
	targets, err := v.resolver.LookupCNAME(ctx, fqdn)
	if err != nil {
		return Result{Error: "DNS lookup error: " + err.Error()}
	}

	want := normalizeCNAME(expected)
	for _, target := range targets {
		if normalizeCNAME(target) == want {
			return Result{Verified: true}
		}
	}

	if len(targets) == 0 {
		return Result{Error: fmt.Sprintf("no CNAME record found at %s", fqdn)}
	}
	return Result{Error: fmt.Sprintf("CNAME at %s points to %s, expected %s", fqdn, strings.Join(targets, ", "), expected)}
}

func recordFQDN(name, domain string) string {
	if name == "" || name == "@" {
		return domain
	}
	return name + "." + domain
}

func normalizeTXT(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, s)
}

func normalizeCNAME(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimSuffix(s, ".")
}

// systemResolver answers TXT lookups through net.Resolver and CNAME lookups
// with a direct CNAME query. net.Resolver.LookupCNAME follows the whole alias
// chain and returns its last name, while a record must match its own target.
type systemResolver struct {
	txt     *net.Resolver
	client  *dns.Client
	servers []string
}

// NewSystemResolver queries the nameservers from /etc/resolv.conf.
func NewSystemResolver() Resolver {
	var servers []string
	if conf, err := dns.ClientConfigFromFile(resolvConfPath); err == nil {
		for _, s := range conf.Servers {
			servers = append(servers, net.JoinHostPort(s, conf.Port))
		}
	}
	if len(servers) == 0 {
		servers = fallbackNameservers
	}
	return NewDNSResolver(servers...)
}

// NewDNSResolver sends CNAME queries to the given host:port nameservers in order.
func NewDNSResolver(servers ...string) Resolver {
	return &systemResolver{
		txt:     net.DefaultResolver,
		client:  &dns.Client{Timeout: dnsQueryTimeout},
		servers: servers,
	}
}

const (
	resolvConfPath  = "/etc/resolv.conf"
	dnsQueryTimeout = 5 * time.Second
)

var fallbackNameservers = []string{"1.1.1.1:53", "8.8.8.8:53"}

func (r *systemResolver) LookupTXT(ctx context.Context, name string) ([][]string, error) {
	txts, err := r.txt.LookupTXT(ctx, name)
	if err != nil {
		return nil, err
	}
	// net already joins the chunks of a TXT record
	records := make([][]string, 0, len(txts))
	for _, t := range txts {
		records = append(records, []string{t})
	}
	return records, nil
}

func (r *systemResolver) LookupCNAME(ctx context.Context, name string) ([]string, error) {
	owner := dns.Fqdn(name)
	query := new(dns.Msg)
	query.SetQuestion(owner, dns.TypeCNAME)

	lastErr := errors.New("no nameservers configured")
	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, query, server)
		if err == nil && resp.Truncated {
			tcp := &dns.Client{Net: "tcp", Timeout: r.client.Timeout}
			resp, _, err = tcp.ExchangeContext(ctx, query, server)
		}
		if err != nil {
			lastErr = err
			continue
		}

		switch resp.Rcode {
		case dns.RcodeSuccess:
			return cnameTargets(owner, resp), nil
		case dns.RcodeNameError:
			return nil, fmt.Errorf("lookup %s: no such host", name)
		default:
			lastErr = fmt.Errorf("lookup %s on %s: %s", name, server, dns.RcodeToString[resp.Rcode])
		}
	}
	return nil, lastErr
}

// cnameTargets returns the targets of the CNAME records owned by owner,
// skipping the rest of the chain a recursive resolver may include.
func cnameTargets(owner string, resp *dns.Msg) []string {
	var targets []string
	for _, rr := range resp.Answer {
		if c, ok := rr.(*dns.CNAME); ok && strings.EqualFold(c.Hdr.Name, owner) {
			targets = append(targets, c.Target)
		}
	}
	return targets
}
