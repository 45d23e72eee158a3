package dnsverify

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strconv"
	"time"

	"userbird-backend/internal/models"
)

const dkimKeyBits = 2048

// Generator produces the record set a custom domain must publish.
type Generator struct {
	// DKIMTarget is where userbird.domainkey delegates to
	DKIMTarget string
	// MailDomain is the platform bulk-mail domain the mail subdomain points to
	MailDomain string
}

// Generated is a fresh DKIM keypair and the three records derived from it.
type Generated struct {
	Selector      string
	PublicKey     string
	PrivateKeyPEM string
	Records       []models.DNSVerificationRecord
}

// Selector returns userbird followed by the first ten digits of the unix time.
func Selector(now time.Time) string {
	secs := strconv.FormatInt(now.Unix(), 10)
	if len(secs) > 10 {
		secs = secs[:10]
	}
	return "userbird" + secs
}

// Generate creates a 2048-bit RSA keypair and the TXT/CNAME/CNAME triple
// for settingID.
func (g *Generator) Generate(settingID uint, domain string, now time.Time) (*Generated, error) {
	key, err := rsa.GenerateKey(rand.Reader, dkimKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating DKIM key: %w", err)
	}

	spki, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("encoding DKIM public key: %w", err)
	}
	publicKey := base64.StdEncoding.EncodeToString(spki)

	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("encoding DKIM private key: %w", err)
	}
	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})

	selector := Selector(now)

	return &Generated{
		Selector:      selector,
		PublicKey:     publicKey,
		PrivateKeyPEM: string(privatePEM),
		Records: []models.DNSVerificationRecord{
			{
				CustomEmailSettingID: settingID,
				RecordType:           models.DNSRecordTXT,
				RecordName:           selector + "._domainkey",
				RecordValue:          "k=rsa; p=" + publicKey,
			},
			{
				CustomEmailSettingID: settingID,
				RecordType:           models.DNSRecordCNAME,
				RecordName:           "userbird.domainkey",
				RecordValue:          g.DKIMTarget,
			},
			{
				CustomEmailSettingID: settingID,
				RecordType:           models.DNSRecordCNAME,
				RecordName:           "mail",
				RecordValue:          g.MailDomain,
			},
		},
	}, nil
}
